package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// writeFileAtomic durably overwrites path: write to a temp file in the same
// directory, fsync it, rename over path, then fsync the directory so the
// rename itself survives a crash.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	// A leftover .tmp from a prior crash is fine to clobber: it was never
	// renamed into place, so it was never observed as the live file.
	f, err := fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}

	if err := syncDir(fs, dir); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// syncDir fsyncs the directory itself so a rename inside it is durable.
// MemMapFs and similar backends may not support opening a directory as a
// file; the rename above is already durable as far as they're concerned, so
// that case is treated as a no-op rather than an error.
func syncDir(fs afero.Fs, dir string) error {
	f, err := fs.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()
	return f.Sync()
}
