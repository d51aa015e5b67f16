// Package fsutil contains small filesystem helpers shared by the storage and
// pipeline packages, in particular the atomic-rename discipline that the
// cache pipeline relies on to make output materialization race-safe.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
)

// DirPermissions is the mode used when creating directories for cache output.
const DirPermissions = os.FileMode(0775)

// WriteFileAtomic writes the contents of r to the file named dest by first
// writing to a uniquely-named temporary file in the same directory as dest,
// then renaming it into place. Readers that open dest concurrently therefore
// always see either the previous contents or the complete new contents,
// never a partial write - required because os.Rename is only atomic within
// a single filesystem, so the temp file must share dest's directory.
func WriteFileAtomic(r io.Reader, dest string, mode os.FileMode) error {
	dir, name := filepath.Split(dest)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if mode != 0 {
		if err := os.Chmod(tmpName, mode); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// CopyFileAtomic copies the file at src to dest using the same
// temp-file-then-rename discipline as WriteFileAtomic.
func CopyFileAtomic(src, dest string, mode os.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteFileAtomic(f, dest, mode)
}

// FileExists returns true if the given path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EnsureDir ensures the parent directory of path exists.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), DirPermissions)
}
