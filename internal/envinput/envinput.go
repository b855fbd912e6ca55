// Package envinput reads the optional environment inputs named in the
// core's external-interfaces contract: an elevation secret, an explicit
// passwordless-elevation flag, a log-level override, and an ssh-agent
// socket path. The core only reads these; parsing flags from argv is the
// dispatcher's job.
package envinput

import "github.com/caarlos0/env/v11"

// Inputs mirrors the documented environment inputs. All fields are
// optional; zero values mean "not set".
type Inputs struct {
	ElevationSecret   string `env:"SNAPWARD_ELEVATION_SECRET"`
	Passwordless      bool   `env:"SNAPWARD_PASSWORDLESS"`
	LogLevel          string `env:"SNAPWARD_LOG_LEVEL"`
	SSHAuthSock       string `env:"SSH_AUTH_SOCK"`
	// OpenSSLPassphrase is the symmetric-encryption passphrase for
	// destinations configured `encrypt: openssl`. The config schema has
	// no passphrase field of its own (only `gpg_recipient`, a public
	// key reference); this is passed through the same way the elevation
	// secret is, never stored in config.
	OpenSSLPassphrase string `env:"SNAPWARD_OPENSSL_PASSPHRASE"`
}

// Parse reads the process environment into an Inputs value.
func Parse() (Inputs, error) {
	var in Inputs
	if err := env.Parse(&in); err != nil {
		return Inputs{}, err
	}
	return in, nil
}
