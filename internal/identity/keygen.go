package identity

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/connectbox/agent/internal/config"
	"github.com/yourorg/connectbox/agent/internal/event"
	"github.com/yourorg/connectbox/agent/internal/metrics"
)

// Runner executes an external program and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the program with os/exec
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager owns the device key pair on disk
type Manager struct {
	privateKeyPath string
	publicKeyPath  string
	binary         string
	comment        string
	run            Runner
	metrics        *metrics.Metrics
	emit           event.Emitter

	group singleflight.Group
	mu    sync.RWMutex
	pair  *KeyPair
}

// Option customizes a Manager
type Option func(*Manager)

// WithRunner replaces the process runner used for key generation
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.run = r }
}

// WithMetrics attaches instrumentation
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager for the key configured in cfg
func NewManager(cfg *config.Config, sink event.Sink, opts ...Option) *Manager {
	m := &Manager{
		privateKeyPath: cfg.KeyPath,
		publicKeyPath:  cfg.PublicKeyPath(),
		binary:         cfg.KeygenBinary,
		comment:        cfg.Hostname,
		run:            ExecRunner,
		emit:           event.Emitter{Sink: sink, Source: event.SourceIdentity},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureKeyPair returns the device key pair, generating it with the
// external tool if no private key exists yet. The tool runs at most once
// per process even with concurrent callers; failures are not cached.
func (m *Manager) EnsureKeyPair(ctx context.Context) (KeyPair, error) {
	if pair, ok := m.cached(); ok {
		return pair, nil
	}

	v, err, _ := m.group.Do("ensure", func() (any, error) {
		if pair, ok := m.cached(); ok {
			return pair, nil
		}
		return m.ensure(ctx)
	})
	if err != nil {
		m.metrics.ObserveKeygen(metrics.ResultError)
		m.emit.Error("Key generation failed: %v", err)
		return KeyPair{}, err
	}
	return v.(KeyPair), nil
}

// PublicKey returns the cached public key, or "" before the first
// successful EnsureKeyPair
func (m *Manager) PublicKey() string {
	pair, _ := m.cached()
	return pair.PublicKey
}

func (m *Manager) cached() (KeyPair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pair == nil {
		return KeyPair{}, false
	}
	return *m.pair, true
}

func (m *Manager) ensure(ctx context.Context) (KeyPair, error) {
	generated := false

	_, err := os.Stat(m.privateKeyPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := m.generate(ctx); err != nil {
			return KeyPair{}, err
		}
		generated = true
	case err != nil:
		return KeyPair{}, &KeyGenerationError{Op: "stat", Path: m.privateKeyPath, Err: err}
	}

	pubPath := m.publicKeyPath
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return KeyPair{}, &KeyGenerationError{Op: "read", Path: pubPath, Err: err}
	}
	if strings.TrimSpace(string(data)) == "" {
		return KeyPair{}, &KeyGenerationError{Op: "read", Path: pubPath, Err: errors.New("public key file is empty")}
	}

	pair := KeyPair{
		PrivateKeyPath: m.privateKeyPath,
		PublicKey:      string(data),
	}

	m.mu.Lock()
	m.pair = &pair
	m.mu.Unlock()

	if generated {
		m.metrics.ObserveKeygen(metrics.ResultGenerated)
		slog.Info("Generated new SSH key pair", "path", m.privateKeyPath, "fingerprint", fingerprint(pair.PublicKey))
		m.emit.Success("Key generated.")
	} else {
		m.metrics.ObserveKeygen(metrics.ResultLoaded)
		slog.Info("Loaded SSH key pair", "path", m.privateKeyPath, "fingerprint", fingerprint(pair.PublicKey))
		m.emit.Success("Key loaded.")
	}
	return pair, nil
}

// generate creates a passphrase-less ed25519 key at the managed path
func (m *Manager) generate(ctx context.Context) error {
	dir := filepath.Dir(m.privateKeyPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &KeyGenerationError{Op: "mkdir", Path: dir, Err: err}
	}

	args := []string{"-t", "ed25519", "-f", m.privateKeyPath, "-N", "", "-q"}
	if m.comment != "" {
		args = append(args, "-C", m.comment)
	}

	slog.Info("Generating SSH key pair", "path", m.privateKeyPath,
		"command", shellquote.Join(append([]string{m.binary}, args...)...))
	// ssh-keygen writes the private half before the public one; killing it
	// in between leaves a key that can never be loaded.
	out, err := m.run(context.WithoutCancel(ctx), m.binary, args...)
	if err != nil {
		return &KeyGenerationError{
			Op:     "generate",
			Path:   m.privateKeyPath,
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return nil
}

// fingerprint returns the SHA256 fingerprint of an authorized_keys line,
// or "unknown" if it cannot be parsed. Used for log output only.
func fingerprint(authorizedKey string) string {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return "unknown"
	}
	return ssh.FingerprintSHA256(key)
}
