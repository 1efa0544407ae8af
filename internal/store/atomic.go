// Package store implements the three durable JSON documents under
// <workspace>/.coder/ (§4.G): atomic write-then-rename, guard-by-runId
// write protection, and an fsnotify watch on control.json
// (WatchControlSignal). The develop command does not use the watch; it
// polls control.json on a ticker.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnrun/coder/internal/coderrors"
)

// writeAtomic marshals v as indented JSON and writes it to path via a
// temp-file-then-rename, grounded verbatim on the teacher's
// internal/controller/endpoint/state.go Save method.
func writeAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &coderrors.StateWriteError{Path: path, Phase: "mkdir", Cause: err}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &coderrors.StateWriteError{Path: path, Phase: "write", Cause: err}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return &coderrors.StateWriteError{Path: path, Phase: "write", Cause: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &coderrors.StateWriteError{Path: path, Phase: "rename", Cause: err}
	}

	return nil
}

// readJSON unmarshals path into v. Returns (false, nil) if the file
// does not exist.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// runIDField is the minimal shape needed to read back a document's
// runId for the guard-by-runId check without knowing its full schema.
type runIDField struct {
	RunID string `json:"runId"`
}

// writeGuarded performs a guard-by-runId write: if guardRunID is
// non-empty, it first reads the existing file's runId and skips the
// write on mismatch (an older background task must not clobber a
// newer run's state). An empty guardRunID performs an unconditional
// write.
func writeGuarded(path, guardRunID string, v any) error {
	if guardRunID != "" {
		var existing runIDField
		ok, err := readJSON(path, &existing)
		if err != nil {
			return err
		}
		if ok && existing.RunID != "" && existing.RunID != guardRunID {
			return nil
		}
	}
	return writeAtomic(path, v)
}
