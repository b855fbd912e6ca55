package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/snapward/snapward/config"
	"github.com/snapward/snapward/internal/endpoint"
	"github.com/snapward/snapward/internal/transport"
)

// resolveEndpoint turns a destination's URL (spec §6 "URL schemes at
// the endpoint boundary") into a live endpoint.Endpoint plus the
// stream kind it was opened with. It is the default value of
// Orchestrator.Dial.
//
// `raw+{remote-shell}://…` is recognized but not yet backed by a
// transport-aware raw endpoint: internal/endpoint.RawFileEndpoint only
// ever reads/writes a local directory (the pipeline type-asserts the
// concrete type rather than dispatching through Transport), so a raw
// target must currently name a locally-reachable path (e.g. an
// already-mounted network share). This mirrors the shape of the
// implementation it is grounded on, not a design requirement.
func resolveEndpoint(ctx context.Context, destPath string, dest config.Destination) (endpoint.Endpoint, endpoint.StreamKind, error) {
	u, err := url.Parse(destPath)
	if err != nil {
		return nil, endpoint.Native, fmt.Errorf("resolve endpoint %q: %w", destPath, err)
	}

	scheme := u.Scheme
	raw := false
	shellScheme := scheme
	switch {
	case scheme == "raw":
		raw = true
		shellScheme = ""
	case strings.HasPrefix(scheme, "raw+"):
		raw = true
		shellScheme = strings.TrimPrefix(scheme, "raw+")
	}

	path := u.Path
	if scheme == "" {
		// A plain absolute path has no scheme at all; url.Parse leaves it
		// in Path already, but guard against the empty case defensively.
		path = destPath
	}

	kind := endpoint.Native
	if raw {
		kind = endpoint.Raw
	}

	if shellScheme == "" || shellScheme == "file" {
		if raw {
			rawEP := endpoint.NewRawFileEndpoint(path)
			if ext := dest.Compress.ToPipelineKind().String(); ext != "none" {
				rawEP.CompressExt = ext
				rawEP.CompressionLabel = ext
			}
			if ext := dest.Encrypt.ToPipelineKind().String(); ext != "none" {
				rawEP.EncryptExt = ext
				rawEP.EncryptionLabel = ext
			}
			return rawEP, kind, nil
		}
		return endpoint.NewLocalEndpoint(path), kind, nil
	}

	port := 22
	if p := u.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	user := ""
	if u.User != nil {
		user = u.User.Username()
	}

	elevation := transport.ElevationNone
	if dest.SSHSudo {
		elevation = transport.ElevationStdin
	}

	cfg := transport.SSHConfig{
		Host:         u.Hostname(),
		Port:         uint16(port),
		User:         user,
		IdentityFile: dest.SSHKey,
		Elevation:    elevation,
	}
	if !dest.SSHPasswordAuth && cfg.IdentityFile == "" {
		return nil, kind, fmt.Errorf("resolve endpoint %q: no ssh_key and ssh_password_auth is false", destPath)
	}

	if raw {
		return nil, kind, fmt.Errorf("resolve endpoint %q: raw+%s targets require a locally-reachable path", destPath, shellScheme)
	}
	t := transport.NewSecureRemoteTransport(cfg)
	return endpoint.NewRemoteEndpoint(t, path), kind, nil
}
