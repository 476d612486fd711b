//go:build !unix && !windows

package fsx

import "os"

// Platforms without advisory locks fall back to in-process serialization only.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
