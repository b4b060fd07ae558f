package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Characters illegal on common filesystems, replaced during sanitization.
var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// FileOperations provides file system utilities
type FileOperations struct{}

// NewFileOperations creates a new FileOperations instance
func NewFileOperations() *FileOperations {
	return &FileOperations{}
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return os.MkdirAll(dir, 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SanitizeFilename replaces characters illegal on common filesystems with an
// underscore so titles can name output files directly.
func (f *FileOperations) SanitizeFilename(name string) string {
	return strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(name, "_"))
}

// PreallocateFile creates the destination file at its exact final size by
// seeking to size-1 and writing a single byte, so concurrent workers can
// seek-and-write independently without truncation races. An existing file is
// resized: already at the exact size it is left untouched, larger it is
// truncated down, smaller it is extended. A non-positive size yields an
// empty file (unknown-size downloads append instead of seeking).
func (f *FileOperations) PreallocateFile(path string, size int64) (err error) {
	if size < 0 {
		size = 0
	}
	existing, statErr := os.Stat(path)
	if statErr == nil && existing.Size() == size {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if statErr == nil && existing.Size() > size {
		// Cut the stale tail left by a larger earlier attempt.
		if err := file.Truncate(size); err != nil {
			return fmt.Errorf("failed to truncate stale file: %w", err)
		}
		return nil
	}

	if size == 0 {
		return nil
	}

	if _, err := file.Seek(size-1, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to final offset: %w", err)
	}
	if _, err := file.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to allocate file space: %w", err)
	}

	return nil
}

// CheckDiskSpace returns the free bytes available on the filesystem holding
// dir. Platforms without a supported probe return an error; callers should
// skip the preflight rather than fail.
func (f *FileOperations) CheckDiskSpace(dir string) (int64, error) {
	return diskFree(dir)
}

// RemoveFiles deletes the given paths, ignoring files that are already gone.
// The first real failure is returned.
func (f *FileOperations) RemoveFiles(paths ...string) error {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}
