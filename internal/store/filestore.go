package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"quill/internal/quill"
)

// FileStore is a filesystem-backed content store. Asset bytes live under
// digest-addressed paths:
//
//	<root>/
//	  content/
//	    <bookID>/<digest>/<filename>
//	  payloads/
//	    <nodeID>              (opaque node payloads)
//
// The digest directory is the dedup key, so the layout must stay stable.
type FileStore struct {
	root        string
	contentDir  string
	payloadsDir string
}

// NewFileStore creates a file store rooted at the given path.
func NewFileStore(root string) (*FileStore, error) {
	contentDir := filepath.Join(root, "content")
	payloadsDir := filepath.Join(root, "payloads")

	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	if err := os.MkdirAll(payloadsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create payloads directory: %w", err)
	}

	return &FileStore{
		root:        root,
		contentDir:  contentDir,
		payloadsDir: payloadsDir,
	}, nil
}

// Write stores content at relPath. Writing an existing path is a no-op
// that still consumes r, so a re-import of known bytes costs no disk
// write. Partial writes never land at the destination: data goes to a
// temp file in the same directory followed by an atomic rename.
func (s *FileStore) Write(relPath string, r io.Reader) (int64, error) {
	destPath := filepath.Join(s.contentDir, filepath.FromSlash(relPath))

	if _, err := os.Stat(destPath); err == nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return 0, fmt.Errorf("failed to read content: %w", err)
		}
		return n, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create content path: %w", err)
	}
	return s.writeFile(destPath, r)
}

// Open opens the content at relPath for reading.
func (s *FileStore) Open(relPath string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.contentDir, filepath.FromSlash(relPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("content not found: %s", relPath)
		}
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return f, nil
}

// Exists reports whether content is present at relPath.
func (s *FileStore) Exists(relPath string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.contentDir, filepath.FromSlash(relPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat content: %w", err)
	}
	return true, nil
}

// Remove deletes the content at relPath and prunes the digest directory
// if it is left empty. Removing a missing path is not an error.
func (s *FileStore) Remove(relPath string) error {
	destPath := filepath.Join(s.contentDir, filepath.FromSlash(relPath))
	if err := os.Remove(destPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove content: %w", err)
	}
	// Best effort: an empty digest directory is just clutter.
	os.Remove(filepath.Dir(destPath))
	return nil
}

// Load returns the cached payload for a node.
func (s *FileStore) Load(nodeID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.payloadsDir, nodeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload for node %s: %w", nodeID, quill.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// Store replaces the cached payload for a node, atomically.
func (s *FileStore) Store(nodeID string, payload []byte) error {
	destPath := filepath.Join(s.payloadsDir, nodeID)
	tmp, err := os.CreateTemp(s.payloadsDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// writeFile writes data from r to destPath using temp file + rename.
func (s *FileStore) writeFile(destPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return written, nil
}

// Compile-time checks against the interfaces the service layer consumes.
var (
	_ quill.ContentStore = (*FileStore)(nil)
	_ quill.PayloadStore = (*FileStore)(nil)
)
