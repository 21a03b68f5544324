package approvals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// storeFile is the on-disk shape: a single JSON document holding every
// request, pending and resolved alike.
type storeFile struct {
	Requests []Request `json:"requests"`
}

// loadLocked reads the store. A missing or empty file is an empty store.
func (f *Flow) loadLocked() (storeFile, error) {
	var st storeFile
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read approval store: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return storeFile{}, fmt.Errorf("parse approval store: %w", err)
	}
	return st, nil
}

// saveLocked writes the whole store through a temp file and rename so a
// crash mid-write never leaves a torn document.
func (f *Flow) saveLocked(st storeFile) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
