// Package fs is the small filesystem surface the job spool needs: atomic
// writes, rename-based claims, directory scans and advisory flock locks.
//
// [OS] is the production implementation. Tests can wrap it to inject
// failures into single operations.
package fs

import (
	"io"
	"os"
)

// File is an open file. It is satisfied by [os.File].
type File interface {
	io.ReadWriteCloser

	// Fd returns the descriptor used for flock.
	Fd() uintptr

	Stat() (os.FileInfo, error)
}

// FS mirrors the [os] calls the spool makes.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data through a temp file and rename, so readers
	// see either the old content or all of data.
	WriteFileAtomic(path string, data []byte) error

	// ReadDir returns entries sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)

	Remove(path string) error
	// Rename is atomic within one filesystem; the spool claims jobs with it.
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
