package handshake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrExists is returned by Store when a handshake file is already present.
// The caller is expected to Remove first; an existing file here means two
// writers raced on the same slot.
var ErrExists = errors.New("handshake file already exists")

// Record is the content of the handshake file. The worker writes it once its
// startup completes. The key name is part of the wire format and must stay "PID".
type Record struct {
	PID int `json:"PID"`
}

// StorageError reports a failed filesystem operation on the handshake file.
type StorageError struct {
	Op   string // create, write, sync, close, remove, stat, read
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("handshake %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ParseError reports handshake content that is present but not a valid record.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("handshake parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// File is the handshake artifact at Path.
type File struct {
	Path string
}

func New(path string) *File { return &File{Path: filepath.Clean(path)} }

// Remove deletes the handshake file. A missing file is not an error.
func (f *File) Remove() error {
	err := os.Remove(f.Path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &StorageError{Op: "remove", Path: f.Path, Err: err}
}

// Store creates the handshake file and writes {"PID": pid} to it. It never
// overwrites: if the file exists the returned error matches ErrExists.
// The file is synced and closed before Store returns.
func (f *File) Store(pid int) error {
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return &StorageError{Op: "create", Path: f.Path, Err: err}
		}
	}
	// #nosec G304 -- path comes from operator configuration
	fh, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &StorageError{Op: "create", Path: f.Path, Err: ErrExists}
		}
		return &StorageError{Op: "create", Path: f.Path, Err: err}
	}
	data, err := json.Marshal(Record{PID: pid})
	if err != nil {
		_ = fh.Close()
		return &StorageError{Op: "write", Path: f.Path, Err: err}
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		return &StorageError{Op: "write", Path: f.Path, Err: err}
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return &StorageError{Op: "sync", Path: f.Path, Err: err}
	}
	if err := fh.Close(); err != nil {
		return &StorageError{Op: "close", Path: f.Path, Err: err}
	}
	return nil
}

// Read returns the stored record, or nil when the file is absent or empty.
func (f *File) Read() (*Record, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "read", Path: f.Path, Err: err}
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, &ParseError{Path: f.Path, Err: err}
	}
	if rec.PID <= 0 {
		return nil, &ParseError{Path: f.Path, Err: fmt.Errorf("invalid PID %d", rec.PID)}
	}
	return &rec, nil
}

// Exists reports whether the handshake file is present. Content is not inspected.
func (f *File) Exists() (bool, error) {
	_, err := os.Stat(f.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &StorageError{Op: "stat", Path: f.Path, Err: err}
}
