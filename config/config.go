// Package config holds the fully-parsed, typed configuration tree the
// core consumes (spec §9 "the core consumes a fully-parsed, typed
// value tree"). Loading, defaulting, and validating a text document
// into this tree is the only responsibility here; the interactive
// wizard and CLI flag binding that produce that text document are
// out of scope. Grounded on the teacher's config/config.go: the same
// `yaml:"..."` + `validate:"..."` tag shape and the same
// New()-with-defaults + Validator() split; the choice fields
// (Compression/Encryption, see enums.go) are string-backed enums rather
// than the teacher's `XxxEnum{Ret interface{}}` tagged union.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"

	"github.com/snapward/snapward/internal/endpoint"
	"github.com/snapward/snapward/internal/pipeline"
	"github.com/snapward/snapward/internal/retention"
	"github.com/snapward/snapward/internal/snapshot"
)

// Config is the root document.
type Config struct {
	Global  Global    `yaml:"global,omitempty"`
	Volumes []Volume  `yaml:"volumes" validate:"dive"`
}

// Global holds settings applying across all volumes unless overridden
// (spec §6 "Global").
type Global struct {
	SnapshotDir      string `yaml:"snapshot_dir,omitempty"`
	TimestampFormat  string `yaml:"timestamp_format" default:"%Y%m%d-%H%M%S"`
	Incremental      bool   `yaml:"incremental" default:"true"`
	ParallelVolumes  int    `yaml:"parallel_volumes" default:"1" validate:"min=1"`
	ParallelTargets  int    `yaml:"parallel_targets" default:"1" validate:"min=1"`
	LogFile          string `yaml:"log_file,omitempty"`
	TransactionLog   string `yaml:"transaction_log,omitempty"`
	Retention        RetentionPolicy `yaml:"retention,omitempty"`
}

// Source distinguishes a volume whose snapshots this system creates
// from one managed by an external tool (spec §6 "source").
type Source string

const (
	SourceNative                Source = "native"
	SourceForeignSnapshotManager Source = "foreign-snapshot-manager"
)

// Volume is one replicated source subvolume.
type Volume struct {
	Path           string          `yaml:"path" validate:"required"`
	SnapshotPrefix string          `yaml:"snapshot_prefix,omitempty"`
	SnapshotDir    string          `yaml:"snapshot_dir,omitempty"`
	Enabled        bool            `yaml:"enabled" default:"true"`
	Retention      RetentionPolicy `yaml:"retention,omitempty"`
	Targets        []Destination   `yaml:"targets" validate:"dive"`
	Source         Source          `yaml:"source" default:"native" validate:"oneof=native foreign-snapshot-manager"`
}

// Destination is one replication target for a Volume (spec §6
// "Per-target list entry").
type Destination struct {
	Path            string      `yaml:"path" validate:"required"`
	SSHSudo         bool        `yaml:"ssh_sudo"`
	SSHPort         int         `yaml:"ssh_port,omitempty"`
	SSHKey          string      `yaml:"ssh_key,omitempty"`
	SSHPasswordAuth bool        `yaml:"ssh_password_auth"`
	Compress        Compression `yaml:"compress" default:"none"`
	RateLimit       ByteRate    `yaml:"rate_limit,omitempty"`
	RequireMount    bool        `yaml:"require_mount"`
	Encrypt         Encryption  `yaml:"encrypt" default:"none"`
	GPGRecipient    string      `yaml:"gpg_recipient,omitempty"`
}

// RetentionPolicy mirrors internal/retention.Policy in config form
// (spec §6 "Retention").
type RetentionPolicy struct {
	Min     Duration `yaml:"min,omitempty"`
	Hourly  int      `yaml:"hourly" validate:"min=0"`
	Daily   int      `yaml:"daily" validate:"min=0"`
	Weekly  int      `yaml:"weekly" validate:"min=0"`
	Monthly int      `yaml:"monthly" validate:"min=0"`
	Yearly  int      `yaml:"yearly" validate:"min=0"`
}

// ParseTimestampFormat translates g's strftime-style TimestampFormat
// into a Go reference-time layout once at load time, so the hot path
// (naming new snapshots) never re-parses format strings.
func (g Global) ParseTimestampFormat() (snapshot.Format, error) {
	return snapshot.ParseFormat(g.TimestampFormat)
}

// ToRetentionPolicy bridges the config form to internal/retention.Policy.
func (r RetentionPolicy) ToRetentionPolicy() retention.Policy {
	return retention.Policy{
		MinAge:  r.Min.AsTimeDuration(),
		Hourly:  r.Hourly,
		Daily:   r.Daily,
		Weekly:  r.Weekly,
		Monthly: r.Monthly,
		Yearly:  r.Yearly,
	}
}

// ToShaping bridges a Destination to the pipeline.Shaping its transfers
// run with. kind is resolved by the caller from the target URL's
// scheme (spec §6 "URL schemes at the endpoint boundary") rather than
// stored redundantly on Destination.
func (d Destination) ToShaping(kind endpoint.StreamKind) pipeline.Shaping {
	return pipeline.Shaping{
		Kind:                 kind,
		Compression:          d.Compress.ToPipelineKind(),
		RateLimitBytesPerSec: int(d.RateLimit),
		RequireMount:         d.RequireMount,
		Encrypt:              d.Encrypt.ToPipelineKind(),
		GPGRecipient:         d.GPGRecipient,
	}
}

// EffectivePrefix returns SnapshotPrefix, or, when unset, a prefix
// derived from the volume's path (spec §6 "snapshot_prefix (default
// derived from path)"): the final path element plus a trailing
// underscore.
func (v Volume) EffectivePrefix() string {
	if v.SnapshotPrefix != "" {
		return v.SnapshotPrefix
	}
	base := v.Path
	for len(base) > 1 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		base = "snapshot"
	}
	return base + "_"
}

// New returns a Config with package defaults applied but no volumes.
func New() *Config {
	c := &Config{}
	_ = defaults.Set(c)
	return c
}

// Load reads and parses the document at path (spec §6 "Configuration
// format"). An empty path uses the first of DefaultLocations that
// exists.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, l := range DefaultLocations {
			if stat, err := os.Stat(l); err == nil && stat.Mode().IsRegular() {
				path = l
				break
			}
		}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(buf)
}

// DefaultLocations is checked, in order, when Load is called with an
// empty path.
var DefaultLocations = []string{
	"/etc/snapward/snapward.yml",
	"/usr/local/etc/snapward/snapward.yml",
}

// ParseBytes unmarshals buf, applies struct-tag defaults for any field
// left unset, and validates the result.
func ParseBytes(buf []byte) (*Config, error) {
	c := New()
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := Validator().Struct(c); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

var validate *validator.Validate

// Validator returns the package-wide validator instance, tag-named
// after the yaml field name the same way the teacher's newValidator
// does (so validation errors reference `rate_limit`, not `RateLimit`).
func Validator() *validator.Validate {
	if validate == nil {
		validate = newValidator()
	}
	return validate
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
