// Package secret stores the bridge's signing credential.
package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrReadOnly is returned when writing to a backend that cannot be changed at
// runtime.
var ErrReadOnly = errors.New("secret store is read-only")

// Store holds one credential.
type Store interface {
	// Get returns the credential, or "" when none is stored.
	Get() (string, error)
	Set(secret string) error
	Clear() error
	// Name identifies the backend in logs and status output.
	Name() string
}

// FileStore keeps the credential in a file readable only by its owner.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Name() string { return "file:" + s.path }

func (s *FileStore) Get() (string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Set writes the credential atomically with mode 0600.
func (s *FileStore) Set(secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return s.Clear()
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".nsec-*")
	if err != nil {
		return fmt.Errorf("create temp secret file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod secret file: %w", err)
	}
	if _, err := tmp.WriteString(secret + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close secret file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("install secret file: %w", err)
	}
	return nil
}

// Clear removes the file. A missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove secret file: %w", err)
	}
	return nil
}

// EnvStore serves a credential supplied through the environment.
type EnvStore struct {
	name  string
	value string
}

// NewEnvStore captures value, which came from the variable name.
func NewEnvStore(name, value string) *EnvStore {
	return &EnvStore{name: name, value: strings.TrimSpace(value)}
}

func (s *EnvStore) Name() string { return "env:" + s.name }

func (s *EnvStore) Get() (string, error) { return s.value, nil }

func (s *EnvStore) Set(string) error { return ErrReadOnly }

func (s *EnvStore) Clear() error { return ErrReadOnly }

// Resolve picks the backend once: the environment override when it is set,
// otherwise the file at path.
func Resolve(envName, envValue, path string) Store {
	if strings.TrimSpace(envValue) != "" {
		return NewEnvStore(envName, envValue)
	}
	return NewFileStore(path)
}
