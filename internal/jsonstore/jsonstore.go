// Package jsonstore provides atomic read/write of small JSON documents on
// disk: the building block every other persisted component (shell
// metadata, the state store, the job journal) is built on.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/termux-extensions/te-framework/internal/apierr"
)

// WriteAtomic marshals v as indented JSON and writes it to path using the
// write-to-temp-in-same-directory + fsync + rename idiom, so a reader never
// observes a partially written file. File permissions are user-only.
func WriteAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return apierr.Wrap(apierr.IO, err, "create dir %s", dir)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal %s", path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apierr.Wrap(apierr.IO, err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.IO, err, "write temp file for %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.IO, err, "fsync temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.IO, err, "close temp file for %s", path)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return apierr.Wrap(apierr.IO, err, "chmod temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return apierr.Wrap(apierr.IO, err, "rename into place %s", path)
	}
	return nil
}

// ReadInto is a best-effort parse: on corruption the file is moved aside to
// "<name>.corrupt-<ts>" and ReadInto reports ok=false with no error, leaving
// the caller free to proceed with an empty/default value.
func ReadInto(path string, v any) (ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return false, nil
		}
		return false, apierr.Wrap(apierr.IO, readErr, "read %s", path)
	}

	if unmarshalErr := json.Unmarshal(data, v); unmarshalErr != nil {
		corrupt := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		_ = os.Rename(path, corrupt)
		return false, nil
	}
	return true, nil
}

// Remove deletes path if present; absence is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.IO, err, "remove %s", path)
	}
	return nil
}
