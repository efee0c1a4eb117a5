package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultFile is where the snapshot is kept when nothing else is
// configured.
const DefaultFile = "grades_cache.json"

// FileStore keeps the snapshot as an indented json array in a single file.
type FileStore struct {
	path string
}

func NewFileStore(path string) FileStore {
	if path == "" {
		path = DefaultFile
	}
	return FileStore{path: path}
}

func (s FileStore) Path() string {
	return s.path
}

func (s FileStore) Load(ctx context.Context) ([]GradeRecord, error) {
	buff, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []GradeRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(buff)) == 0 {
		return []GradeRecord{}, nil
	}

	var records []GradeRecord
	err = json.Unmarshal(buff, &records)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if records == nil {
		records = []GradeRecord{}
	}
	return records, nil
}

// Save replaces the file's contents, it writes to a temporary file first so
// an interrupted save never leaves a truncated snapshot.
func (s FileStore) Save(ctx context.Context, records []GradeRecord) error {
	if records == nil {
		records = []GradeRecord{}
	}

	buff := bytes.NewBuffer(nil)
	encoder := json.NewEncoder(buff)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	err := encoder.Encode(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	// CreateTemp creates the file 0600
	err = tmp.Chmod(0644)
	if err != nil {
		tmp.Close()
		return err
	}
	_, err = tmp.Write(buff.Bytes())
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
