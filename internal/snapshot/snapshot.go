// Package snapshot implements the data model and naming rules for
// read-only point-in-time subvolume images (§3 Snapshot), independent of
// any particular endpoint.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UUID is an opaque identifier carried by the filesystem's send/receive
// protocol. It is preserved verbatim across any number of
// retransmissions, which is what lets two endpoints agree "this is the
// same snapshot" without comparing paths or timestamps.
type UUID string

// Snapshot is an immutable read-only subvolume image. Destruction is the
// only mutation, and it happens out-of-band (see endpoint.Endpoint);
// Snapshot itself never changes after it's constructed.
type Snapshot struct {
	Name         string
	Path         string
	Timestamp    time.Time
	UUID         UUID
	ReceivedUUID UUID // zero value: not a received snapshot, or unknown
	ParentUUID   UUID // zero value: full (non-incremental) snapshot
}

// IsIncremental reports whether s was sent against a parent, per
// invariant (iii): ParentUUID == "" iff s was a full send.
func (s Snapshot) IsIncremental() bool { return s.ParentUUID != "" }

// Format is a parsed timestamp_format: a Go reference-time layout plus
// the original strftime-style source string (kept for error messages).
type Format struct {
	Layout string
	Source string
}

// DefaultFormat is "%Y%m%d-%H%M%S", the spec's default timestamp format.
var DefaultFormat = Format{Layout: "20060102-150405", Source: "%Y%m%d-%H%M%S"}

// strftimeToGo covers the directives the spec and its config schema
// actually use; ParseFormat rejects any other directive. Characters
// outside a directive are copied unchanged (strftime punctuation like
// '-' and '_' is already layout-safe).
var strftimeToGo = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'Z': "MST",
}

// ParseFormat translates a strftime-style format string (e.g.
// "%Y%m%d-%H%M%S") into a Go reference-time layout.
func ParseFormat(strftime string) (Format, error) {
	var b strings.Builder
	for i := 0; i < len(strftime); i++ {
		c := strftime[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(strftime) {
			return Format{}, fmt.Errorf("snapshot: dangling %%  at end of format %q", strftime)
		}
		directive, ok := strftimeToGo[strftime[i]]
		if !ok {
			return Format{}, fmt.Errorf("snapshot: unsupported strftime directive %%%c in format %q", strftime[i], strftime)
		}
		b.WriteString(directive)
	}
	return Format{Layout: b.String(), Source: strftime}, nil
}

// Namer builds and parses snapshot names of the form
// "{prefix}{timestamp}[-N]" for one (endpoint, prefix) pair.
type Namer struct {
	Prefix string
	Format Format
}

// NewNamer validates prefix and format and returns a ready Namer.
func NewNamer(prefix string, format Format) (*Namer, error) {
	if prefix == "" {
		return nil, fmt.Errorf("snapshot: prefix must not be empty")
	}
	if format.Layout == "" {
		return nil, fmt.Errorf("snapshot: format must not be empty")
	}
	return &Namer{Prefix: prefix, Format: format}, nil
}

// Name formats t into a candidate snapshot name, without a collision
// suffix. NextAvailableName applies the monotonic-suffix rule.
func (n *Namer) Name(t time.Time) string {
	return n.Prefix + t.Format(n.Format.Layout)
}

// NextAvailableName returns the name to use for a new snapshot taken at
// t, given the set of names that already exist at the destination
// directory. If the plain name collides (same-second creation), a
// monotonic "-N" suffix is appended starting at 1, per spec §9's
// resolution of the name-collision Open Question.
func (n *Namer) NextAvailableName(t time.Time, existing map[string]struct{}) string {
	base := n.Name(t)
	if _, taken := existing[base]; !taken {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}

// Parse extracts the timestamp from a name produced by this Namer. Names
// that don't start with Prefix, or whose remainder (after stripping an
// optional "-N" suffix) doesn't parse under Format, are rejected: per
// §4.C such names are excluded from planning/retention, never deleted.
func (n *Namer) Parse(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, n.Prefix) {
		return time.Time{}, false
	}
	rest := name[len(n.Prefix):]
	if rest == "" {
		return time.Time{}, false
	}
	// Strip a trailing monotonic suffix, if any, before parsing the
	// timestamp portion. The suffix is always of the form "-<digits>".
	trimmed := rest
	if idx := strings.LastIndexByte(rest, '-'); idx >= 0 && isAllDigits(rest[idx+1:]) {
		trimmed = rest[:idx]
	}
	t, err := time.Parse(n.Format.Layout, trimmed)
	if err != nil {
		// The un-trimmed remainder might itself be the timestamp (no
		// collision suffix was ever appended).
		t2, err2 := time.Parse(n.Format.Layout, rest)
		if err2 != nil {
			return time.Time{}, false
		}
		return t2, true
	}
	return t, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SortAscending sorts snaps in place by Timestamp, breaking ties by full
// Name comparison so independent planners operating on the same inputs
// agree deterministically (spec §4.E tie-break rule).
func SortAscending(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].Timestamp.Before(snaps[j].Timestamp)
		}
		return snaps[i].Name < snaps[j].Name
	})
}
