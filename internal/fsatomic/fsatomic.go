// Package fsatomic writes files atomically and takes exclusive advisory locks.
package fsatomic

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveJSON atomically writes v as indented JSON. If perm is 0, 0600 is used.
func SaveJSON(path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFile(path, append(b, '\n'), perm)
}

// SaveYAML atomically writes v as YAML. If perm is 0, 0600 is used.
func SaveYAML(path string, v any, perm fs.FileMode) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFile(path, b, perm)
}

// WriteFile writes data to path+".tmp", fsyncs it, renames it into place and
// fsyncs the parent directory. On error the temp file is removed.
func WriteFile(path string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o600
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return FsyncDir(dir)
}

// LoadYAML reads YAML from path into v. exists is false when the file is missing.
// A stale path+".tmp" left by a crash is removed.
func LoadYAML(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
