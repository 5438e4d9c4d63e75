package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// sessionFile is the on-disk layout: one record per namespace, so several applications (or
// several environments of one application) can share a file.
type sessionFile struct {
	Sessions map[string]*Record `json:"sessions"`
}

// FileStore persists the record of one namespace in a JSON file shared by every process of the
// same user. Writes are serialized through a lock file and land via temp file + rename, so a
// reader sees either the previous file or the new one.
type FileStore struct {
	path      string
	namespace string
	logger    *slog.Logger
}

// NewFileStore returns a store for namespace inside the file at path.
func NewFileStore(path, namespace string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session file path cannot be empty")
	}
	if namespace == "" {
		return nil, errors.New("session namespace cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, namespace: namespace, logger: logger}, nil
}

// Path returns the session file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (Record, error) {
	file, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}

	rec, ok := file.Sessions[s.namespace]
	if !ok || rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	return s.update(func(file *sessionFile) {
		file.Sessions[s.namespace] = &rec
	})
}

func (s *FileStore) Clear(_ context.Context) error {
	return s.update(func(file *sessionFile) {
		delete(file.Sessions, s.namespace)
	})
}

func (s *FileStore) read() (*sessionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &file, nil
}

// update applies mutate to the namespace map under the file lock.
func (s *FileStore) update(mutate func(*sessionFile)) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.logger.Warn("failed to release session file lock", "path", s.path, "error", releaseErr)
		}
	}()

	file, err := s.read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// a corrupt file must not block a fresh login
		s.logger.Warn("discarding unreadable session file", "path", s.path, "error", err)
	}
	if file == nil {
		file = &sessionFile{}
	}
	if file.Sessions == nil {
		file.Sessions = make(map[string]*Record)
	}

	mutate(file)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
