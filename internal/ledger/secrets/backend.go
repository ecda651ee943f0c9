package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BackendKind selects which concrete Backend implementation to construct.
type BackendKind string

const (
	BackendEnv        BackendKind = "env"
	BackendFilesystem BackendKind = "filesystem"
)

// Config selects and parameterizes a concrete Backend.
type Config struct {
	Kind      BackendKind
	EnvPrefix string // for BackendEnv: ref is upper-cased and prefixed
	BaseDir   string // for BackendFilesystem: ref is a filename under BaseDir
}

// NewBackend constructs the Backend named by cfg.Kind.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Kind {
	case BackendEnv:
		return envBackend{prefix: cfg.EnvPrefix}, nil
	case BackendFilesystem:
		if strings.TrimSpace(cfg.BaseDir) == "" {
			return nil, fmt.Errorf("filesystem secret backend requires a base directory")
		}
		return filesystemBackend{baseDir: cfg.BaseDir}, nil
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.Kind)
	}
}

// envBackend reads a JSON secret record from an environment variable named
// <prefix><UPPERCASED_REF>, useful for local development and tests.
type envBackend struct {
	prefix string
}

func (b envBackend) Fetch(_ context.Context, ref string) (Record, error) {
	key := b.prefix + strings.ToUpper(sanitizeEnvKey(ref))
	raw := os.Getenv(key)
	if raw == "" {
		return Record{}, fmt.Errorf("no secret found for env var %s", key)
	}
	return ParseRecord([]byte(raw))
}

func sanitizeEnvKey(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, ref)
}

// filesystemBackend reads a JSON secret record from a file named after the
// reference, under a fixed base directory.
type filesystemBackend struct {
	baseDir string
}

func (b filesystemBackend) Fetch(_ context.Context, ref string) (Record, error) {
	path := filepath.Join(b.baseDir, filepath.Clean("/"+ref))
	raw, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read secret file %s: %w", path, err)
	}
	return ParseRecord(raw)
}
