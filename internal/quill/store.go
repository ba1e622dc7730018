package quill

import (
	"io"
	"path"
)

// ContentStore persists asset bytes under store-relative paths. It has no
// knowledge of entities; the path convention is the only contract between
// it and the ledger.
type ContentStore interface {
	// Write stores the bytes read from r at relPath and returns the
	// number of bytes written. The write is atomic: a failed write never
	// leaves a partial file at relPath. Writing an existing path is a
	// no-op that still consumes r.
	Write(relPath string, r io.Reader) (int64, error)

	// Open opens the content at relPath for reading.
	Open(relPath string) (io.ReadCloser, error)

	// Exists reports whether content is present at relPath.
	Exists(relPath string) (bool, error)

	// Remove deletes the content at relPath, including the digest
	// directory if it becomes empty. Removing a missing path is not an
	// error.
	Remove(relPath string) error
}

// PayloadStore caches opaque node payload bytes (produced and consumed by
// the external encryption service) on the local device.
type PayloadStore interface {
	// Load returns the cached payload for a node, or ErrNotFound.
	Load(nodeID string) ([]byte, error)

	// Store replaces the cached payload for a node.
	Store(nodeID string, payload []byte) error
}

// ContentPath builds the store-relative path for an asset. The digest
// directory doubles as the dedup key when reconciling remote content, so
// this layout must not change.
func ContentPath(bookID, digest, fileName string) string {
	return path.Join(bookID, digest, fileName)
}
