package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_OS_WriteFileAtomic_Replaces_Content_Without_Leaving_Temp_Files(t *testing.T) {
	t.Parallel()

	r := NewOS()
	path := filepath.Join(t.TempDir(), "job.json")

	for _, content := range []string{"first", "second"} {
		if err := r.WriteFileAtomic(path, []byte(content)); err != nil {
			t.Fatalf("WriteFileAtomic(%q): %v", content, err)
		}
	}

	got, err := r.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}

	entries, err := r.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want only the target file", len(entries))
	}
}

func Test_OS_Rename_Moves_Job_Between_Spool_Directories(t *testing.T) {
	t.Parallel()

	for _, o := range []*OS{NewOS(), NewOS(WithoutDirSync())} {
		root := t.TempDir()
		pending := filepath.Join(root, "pending")
		claimed := filepath.Join(root, "claimed", "owner")

		for _, dir := range []string{pending, claimed} {
			if err := o.MkdirAll(dir, 0o750); err != nil {
				t.Fatalf("MkdirAll(%q): %v", dir, err)
			}
		}

		from := filepath.Join(pending, "a.json")
		to := filepath.Join(claimed, "a.json")

		if err := o.WriteFileAtomic(from, []byte("job")); err != nil {
			t.Fatalf("WriteFileAtomic: %v", err)
		}

		if err := o.Rename(from, to); err != nil {
			t.Fatalf("Rename: %v", err)
		}

		if _, err := o.Stat(from); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("Stat(source) err = %v, want ErrNotExist", err)
		}

		got, err := o.ReadFile(to)
		if err != nil || string(got) != "job" {
			t.Fatalf("ReadFile(dest) = %q, %v; want %q", got, err, "job")
		}

		if err := o.Remove(to); err != nil {
			t.Fatalf("Remove: %v", err)
		}

		if err := o.Rename(from, to); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("Rename of claimed job err = %v, want ErrNotExist", err)
		}
	}
}
