// Package workspace manages the per-job working directories on local disk.
// Each job owns one directory holding uploaded inputs, renderer scratch
// files, finished outputs, and per-clip logs. Directories are deleted
// wholesale by the cleanup service once a job is terminal and expired.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Paths are the fixed subdirectories of one job's workspace.
type Paths struct {
	Root    string
	Inputs  string
	Work    string
	Outputs string
	Logs    string
}

// Usage summarizes disk consumption under a directory tree.
type Usage struct {
	Dirs  int   `json:"dirs"`
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// DirInfo describes one job directory found on disk.
type DirInfo struct {
	JobID   string
	ModTime time.Time
}

// Manager creates and reclaims job workspaces under a single root.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) Paths(jobID string) Paths {
	root := filepath.Join(m.root, jobID)
	return Paths{
		Root:    root,
		Inputs:  filepath.Join(root, "inputs"),
		Work:    filepath.Join(root, "work"),
		Outputs: filepath.Join(root, "outputs"),
		Logs:    filepath.Join(root, "logs"),
	}
}

// Create makes the job directory and its subdirectories.
func (m *Manager) Create(jobID string) (Paths, error) {
	p := m.Paths(jobID)
	for _, dir := range []string{p.Inputs, p.Work, p.Outputs, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create workspace for job %s: %w", jobID, err)
		}
	}
	return p, nil
}

// Exists reports whether the job's directory is present on disk.
func (m *Manager) Exists(jobID string) bool {
	info, err := os.Stat(m.Paths(jobID).Root)
	return err == nil && info.IsDir()
}

// InputExists reports whether the named uploaded file is still on disk.
func (m *Manager) InputExists(jobID, name string) bool {
	info, err := os.Stat(filepath.Join(m.Paths(jobID).Inputs, name))
	return err == nil && !info.IsDir()
}

// Remove deletes the whole job directory, returning what was reclaimed.
func (m *Manager) Remove(jobID string) (Usage, error) {
	root := m.Paths(jobID).Root
	usage, err := measure(root)
	if err != nil {
		return Usage{}, err
	}
	if err := os.RemoveAll(root); err != nil {
		return Usage{}, fmt.Errorf("remove workspace for job %s: %w", jobID, err)
	}
	return usage, nil
}

// RemoveSubdir deletes one subdirectory of the job workspace (e.g. inputs/
// after a verified upload). Missing directories are not an error.
func (m *Manager) RemoveSubdir(jobID, name string) error {
	if err := os.RemoveAll(filepath.Join(m.Paths(jobID).Root, name)); err != nil {
		return fmt.Errorf("remove %s for job %s: %w", name, jobID, err)
	}
	return nil
}

// List returns every job directory under the root with its modification time.
func (m *Manager) List() ([]DirInfo, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	var dirs []DirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, DirInfo{JobID: e.Name(), ModTime: info.ModTime()})
	}
	return dirs, nil
}

// TotalUsage measures disk consumption of the whole workspace root.
func (m *Manager) TotalUsage() (Usage, error) {
	return measure(m.root)
}

func measure(root string) (Usage, error) {
	var u Usage
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk while workers write and cleanup runs.
			return nil
		}
		if d.IsDir() {
			u.Dirs++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		u.Files++
		u.Bytes += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("measure %s: %w", root, err)
	}
	return u, nil
}
