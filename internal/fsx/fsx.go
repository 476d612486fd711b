// Package fsx holds the filesystem primitives used to make writes crash-safe:
// temp-file-then-rename for files and staged directories published by rename. Lock
// serializes writers that live in different processes.
package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic writes content to a temp file in the destination directory, fsyncs it
// and renames it over path. Readers observe either the old or the new content.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	SyncDir(parent)
	return nil
}

// PublishDir moves a fully written staging directory to its final name. The
// destination must not exist yet; partially written directories are never visible
// under the final name.
func PublishDir(staging, final string) error {
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("publish %s: destination already exists", filepath.Base(final))
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create publish parent: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publish directory: %w", err)
	}
	SyncDir(filepath.Dir(final))
	return nil
}

// SyncFile writes content to path inside a staging directory and fsyncs it.
func SyncFile(path string, content []byte, mode os.FileMode) error {
	// #nosec G304 -- path is inside a directory created by the caller.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(content); err != nil {
		_ = file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// SyncDir fsyncs a directory so renames inside it are durable. Errors are ignored:
// not every platform supports syncing directories.
func SyncDir(dir string) {
	// #nosec G304 -- directory path is derived from a caller-provided destination.
	if handle, err := os.Open(dir); err == nil {
		_ = handle.Sync()
		_ = handle.Close()
	}
}
