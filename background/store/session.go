package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrKeyNotFound is returned when a session key is absent.
var ErrKeyNotFound = errors.New("key not found")

// SessionStore is the volatile side of the storage split. Nothing written
// here may be readable on its own. For the revive path to work across a
// background restart the store must outlive the process; FileSession on a
// tmpfs path does, and the host reboot that clears tmpfs bounds its life.
type SessionStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// MemorySession is an in-process SessionStore. Its contents die with the
// process, so revival only works within one service lifetime; tests and
// embedded setups use it.
type MemorySession struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySession creates an empty session store.
func NewMemorySession() *MemorySession {
	return &MemorySession{
		data: make(map[string][]byte),
	}
}

func (m *MemorySession) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemorySession) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemorySession) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// FileSession keeps session values as files under one directory, meant to
// sit on tmpfs (/run) so the contents survive a service restart but not a
// reboot. Values stay opaque; decrypting the mirror still needs the
// deployment storage key.
type FileSession struct {
	dir string
	mu  sync.Mutex
}

// NewFileSession creates the directory if needed and returns the store.
func NewFileSession(dir string) (*FileSession, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileSession{dir: dir}, nil
}

func (s *FileSession) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key)))
}

func (s *FileSession) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}
	return data, nil
}

func (s *FileSession) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(key), value, 0o600); err != nil {
		return fmt.Errorf("failed to write session key: %w", err)
	}
	return nil
}

func (s *FileSession) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	return nil
}
