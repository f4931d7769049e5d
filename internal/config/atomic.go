package config

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/aicostmanager/aicm-go/errs"
)

// atomicWrite writes data to path by writing a sibling temp file, fsyncing
// it, then renaming over the original. Rename is retried up to 3 times
// with a small jitter, since a concurrent reader or antivirus-style
// scanner can transiently hold the destination open on some platforms.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &errs.ConfigPersistError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &errs.ConfigPersistError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errs.ConfigPersistError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &errs.ConfigPersistError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errs.ConfigPersistError{Path: path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return &errs.ConfigPersistError{Path: path, Err: err}
	}

	const maxAttempts = 3
	var renameErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		renameErr = os.Rename(tmpPath, path)
		if renameErr == nil {
			return nil
		}
		time.Sleep(time.Duration(10+rand.Intn(10)) * time.Millisecond)
	}
	return &errs.ConfigPersistError{Path: path, Err: fmt.Errorf("rename after %d attempts: %w", maxAttempts, renameErr)}
}
