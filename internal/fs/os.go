package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// OS is the [FS] the spool runs on.
//
// Enqueue, claim and ack are directory-entry changes, so every call that
// adds, moves or drops an entry syncs the parent directories before it
// returns. A claim that returned is still a claim after a crash.
type OS struct {
	noSync bool
}

// OSOption configures an [OS].
type OSOption func(*OS)

// WithoutDirSync skips the directory syncs. For tests on tmpfs.
func WithoutDirSync() OSOption {
	return func(o *OS) { o.noSync = true }
}

// NewOS returns the spool filesystem.
func NewOS(opts ...OSOption) *OS {
	o := &OS{}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

func (*OS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (*OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (*OS) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (*OS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (*OS) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// WriteFileAtomic writes through a temp file in the same directory.
func (o *OS) WriteFileAtomic(path string, data []byte) error {
	err := atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", filepath.Base(path), err)
	}

	return o.syncDirs(path)
}

func (o *OS) Rename(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if err != nil {
		return err
	}

	return o.syncDirs(oldpath, newpath)
}

func (o *OS) Remove(path string) error {
	err := os.Remove(path)
	if err != nil {
		return err
	}

	return o.syncDirs(path)
}

// syncDirs fsyncs the distinct parents of paths.
func (o *OS) syncDirs(paths ...string) error {
	if o.noSync {
		return nil
	}

	var errs []error

	seen := map[string]bool{}

	for _, p := range paths {
		dir := filepath.Dir(p)
		if seen[dir] {
			continue
		}

		seen[dir] = true

		errs = append(errs, syncDir(dir))
	}

	return errors.Join(errs...)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}

	err = d.Sync()
	closeErr := d.Close()

	if err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}

	return closeErr
}

var _ FS = (*OS)(nil)
