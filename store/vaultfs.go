package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const envelopeFilename = "vault.json"

// ErrNoEnvelope means no vault has been created in this store yet.
var ErrNoEnvelope = errors.New("no vault envelope stored")

// FileStore keeps the envelope as a single JSON file inside Dir.
type FileStore struct {
	Dir string
}

// Path resolves the envelope JSON path.
func (s FileStore) Path() string {
	return filepath.Join(s.Dir, envelopeFilename)
}

func (s FileStore) ensureDir() error {
	if s.Dir == "" {
		return errors.New("vault directory not specified")
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return nil
}

// Load reads the envelope from disk. A missing file wraps ErrNoEnvelope.
func (s FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoEnvelope, s.Path())
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoEnvelope, s.Path())
	}
	return data, nil
}

// Save persists the envelope atomically with restrictive permissions. The
// previous file stays intact until the rename succeeds.
func (s FileStore) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDir(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.Dir, "vault-*.json")
	if err != nil {
		return fmt.Errorf("create temp envelope: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp envelope: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp envelope: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp envelope: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp envelope: %w", err)
	}

	if err := os.Rename(tmpPath, s.Path()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace envelope: %w", err)
	}

	return nil
}
