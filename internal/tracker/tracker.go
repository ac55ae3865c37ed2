// Package tracker persists the mapping of source file path to content hash
// so unchanged files are skipped on subsequent indexing runs. The tracker
// file is owned exclusively by the indexing process for the duration of a
// run and is the single source of truth for "already indexed".
package tracker

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Tracker maps file paths to the MD5 hash recorded at last successful
// indexing.
type Tracker struct {
	path  string
	files map[string]string
}

type trackerFile struct {
	Files map[string]string `json:"files"`
}

// Load reads the tracker file at path. A missing or empty file yields an
// empty tracker, not an error (first run).
func Load(path string) (*Tracker, error) {
	t := &Tracker{path: path, files: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("reading tracker file: %w", err)
	}
	if len(data) == 0 {
		return t, nil
	}

	var tf trackerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing tracker file: %w", err)
	}
	if tf.Files != nil {
		t.files = tf.Files
	}
	return t, nil
}

// ShouldProcess reports whether the file needs (re)indexing: true when no
// hash is recorded for path or the recorded hash differs from hash.
func (t *Tracker) ShouldProcess(path, hash string) bool {
	stored, ok := t.files[path]
	return !ok || stored != hash
}

// RecordProcessed stores the hash for path. Callers must only do this after
// every chunk of the file has been upserted, so a crash mid-file leaves the
// file eligible for reprocessing.
func (t *Tracker) RecordProcessed(path, hash string) {
	t.files[path] = hash
}

// Remove drops the record for path.
func (t *Tracker) Remove(path string) {
	delete(t.files, path)
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int { return len(t.files) }

// Save writes the tracker state back to its file.
func (t *Tracker) Save() error {
	data, err := json.MarshalIndent(trackerFile{Files: t.files}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("writing tracker file: %w", err)
	}
	return nil
}

// Clear resets the tracker file at path to an empty state, creating it if
// absent.
func Clear(path string) error {
	t := &Tracker{path: path, files: make(map[string]string)}
	return t.Save()
}

// HashBytes returns the MD5 hex digest of b.
func HashBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the MD5 hex digest of the file's contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}
