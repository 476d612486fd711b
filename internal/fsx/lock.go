package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Lock takes an exclusive advisory lock on path, creating the file if needed, and
// blocks until it is granted. The lock is held per open file, so two handles in the
// same process exclude each other just like two processes do.
func Lock(path string) (unlock func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	// #nosec G304 -- lock path is derived from configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	return func() error {
		return errors.Join(unlockFile(f), f.Close())
	}, nil
}
