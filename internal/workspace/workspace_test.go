package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndPaths(t *testing.T) {
	m := NewManager(t.TempDir())
	p, err := m.Create("job-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, dir := range []string{p.Inputs, p.Work, p.Outputs, p.Logs} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("subdir %s not created: %v", dir, err)
		}
	}
	if !m.Exists("job-1") {
		t.Error("Exists should report the created directory")
	}
	if m.Exists("job-2") {
		t.Error("Exists should not report unknown jobs")
	}
}

func TestInputExists(t *testing.T) {
	m := NewManager(t.TempDir())
	p, err := m.Create("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.InputExists("job-1", "clip.mp4") {
		t.Error("input should not exist yet")
	}
	if err := os.WriteFile(filepath.Join(p.Inputs, "clip.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.InputExists("job-1", "clip.mp4") {
		t.Error("input should exist")
	}
}

func TestRemoveReportsUsage(t *testing.T) {
	m := NewManager(t.TempDir())
	p, err := m.Create("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.Inputs, "a.mp4"), make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.Outputs, "b.mp4"), make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	usage, err := m.Remove("job-1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if usage.Files != 2 || usage.Bytes != 3072 {
		t.Errorf("usage = %+v, want 2 files / 3072 bytes", usage)
	}
	if m.Exists("job-1") {
		t.Error("directory should be gone")
	}
}

func TestRemoveSubdir(t *testing.T) {
	m := NewManager(t.TempDir())
	p, err := m.Create("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p.Inputs, "a.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.RemoveSubdir("job-1", "inputs"); err != nil {
		t.Fatalf("RemoveSubdir: %v", err)
	}
	if _, err := os.Stat(p.Inputs); !os.IsNotExist(err) {
		t.Error("inputs should be gone")
	}
	if _, err := os.Stat(p.Outputs); err != nil {
		t.Error("outputs must survive an inputs-only removal")
	}

	// Removing an already-removed subdir is not an error.
	if err := m.RemoveSubdir("job-1", "inputs"); err != nil {
		t.Errorf("second RemoveSubdir: %v", err)
	}
}

func TestList(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "jobs"))

	// Listing a root that doesn't exist yet is empty, not an error.
	dirs, err := m.List()
	if err != nil || len(dirs) != 0 {
		t.Fatalf("List on missing root = %v, %v", dirs, err)
	}

	for _, id := range []string{"j1", "j2"} {
		if _, err := m.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	dirs, err = m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(dirs) != 2 {
		t.Errorf("len = %d, want 2", len(dirs))
	}
	for _, d := range dirs {
		if d.ModTime.IsZero() {
			t.Errorf("dir %s has zero mod time", d.JobID)
		}
	}
}
