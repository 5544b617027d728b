package signer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sehha/claimsbridge/internal/envelope"
)

// KeySource resolves a certificate row's private_key_ref into PEM bytes.
// Implementations must not log or persist what they return.
type KeySource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// EnvKeySource resolves refs of the form "env:VAR_NAME" from the process
// environment.
type EnvKeySource struct{}

func (EnvKeySource) Fetch(_ context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok || name == "" {
		return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_REF_INVALID",
			fmt.Sprintf("key reference %q is not an env ref", ref))
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, envelope.New(envelope.KindUpstreamUnavailable, "SIGNER_KEY_UNAVAILABLE",
			"key source did not release the key").WithRetryable(false)
	}
	return []byte(v), nil
}

// FileKeySource resolves refs of the form "file:name" against a fixed key
// directory. Refs cannot escape the directory.
type FileKeySource struct {
	Dir string
}

func (f FileKeySource) Fetch(_ context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, "file:")
	if !ok || name == "" {
		return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_REF_INVALID",
			fmt.Sprintf("key reference %q is not a file ref", ref))
	}
	path := filepath.Join(f.Dir, filepath.Clean("/"+name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "SIGNER_KEY_UNAVAILABLE",
			"key source did not release the key")
	}
	return raw, nil
}

// NewKeySource builds the configured source. kind is "env" or "file".
func NewKeySource(kind, dir string) (KeySource, error) {
	switch kind {
	case "env":
		return EnvKeySource{}, nil
	case "file":
		if dir == "" {
			return nil, fmt.Errorf("file key source requires a key directory")
		}
		return FileKeySource{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unknown key source %q", kind)
	}
}
