// Package securefile reads and writes small owner-only state files: device
// ids, license state and log files. Symlinks and non-regular files are
// refused on every path.
package securefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	PrivateDirPerm  = 0o700
	PrivateFilePerm = 0o600
)

// ErrUnsafePath is returned when a path is a symlink, not a regular file, or
// exceeds the caller's size bound.
var ErrUnsafePath = errors.New("unsafe state file path")

// IsMissing reports whether err means the file (or a parent) does not exist.
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// EnsureOwnerOnlyDir creates dir if needed and tightens it to 0700.
func EnsureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, PrivateDirPerm)
}

func validateRegular(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", ErrUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", ErrUnsafePath, path)
	}
	return nil
}

// ReadBounded reads a regular file no larger than maxSize bytes. maxSize <= 0
// disables the bound.
func ReadBounded(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegular(path, info); err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", ErrUnsafePath, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", ErrUnsafePath, path)
	}
	return data, nil
}

// WriteAtomic replaces path with data through a temp file and rename, leaving
// the result readable by the owner only.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := EnsureOwnerOnlyDir(dir); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegular(path, info); err != nil {
			return err
		}
	} else if !IsMissing(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(PrivateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, PrivateFilePerm)
}

// OpenAppend opens path for appending, creating it owner-only. Existing
// content is never truncated.
func OpenAppend(path string) (*os.File, error) {
	if err := EnsureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegular(path, info); err != nil {
			return nil, err
		}
	} else if !IsMissing(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, PrivateFilePerm)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(PrivateFilePerm); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !IsMissing(err) {
		return err
	}
	return nil
}
