package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"quill/internal/quill"
)

// MemoryStore is an in-memory content and payload store. It implements
// both quill.ContentStore and quill.PayloadStore. Safe for concurrent
// use.
type MemoryStore struct {
	mu       sync.Mutex
	files    map[string][]byte
	payloads map[string][]byte

	// WriteErr, when set, is returned by the next Write call and then
	// cleared, simulating a full or read-only disk.
	WriteErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    make(map[string][]byte),
		payloads: make(map[string][]byte),
	}
}

func (s *MemoryStore) Write(relPath string, r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.WriteErr != nil {
		err := s.WriteErr
		s.WriteErr = nil
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	if existing, ok := s.files[relPath]; ok {
		return int64(len(existing)), nil
	}

	s.files[relPath] = data
	return int64(len(data)), nil
}

func (s *MemoryStore) Open(relPath string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[relPath]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", relPath, quill.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Exists(relPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[relPath]
	return ok, nil
}

func (s *MemoryStore) Remove(relPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, relPath)
	return nil
}

func (s *MemoryStore) Load(nodeID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.payloads[nodeID]
	if !ok {
		return nil, fmt.Errorf("payload %s: %w", nodeID, quill.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Store(nodeID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[nodeID] = append([]byte(nil), payload...)
	return nil
}

// Content returns the stored bytes at relPath, or nil when absent.
func (s *MemoryStore) Content(relPath string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[relPath]
}

// Paths returns every stored content path.
func (s *MemoryStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	return paths
}

var (
	_ quill.ContentStore = (*MemoryStore)(nil)
	_ quill.PayloadStore = (*MemoryStore)(nil)
)
