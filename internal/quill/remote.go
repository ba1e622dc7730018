package quill

import (
	"context"
	"io"
)

// RemoteFile describes one asset as the server knows it.
type RemoteFile struct {
	ID          string
	URL         string
	Mime        string
	Size        int64
	Width       int
	Height      int
	Tags        []string
	Description string
}

// UploadRequest carries one asset's bytes and link metadata to the server.
type UploadRequest struct {
	FileName    string
	Mime        string
	Size        int64
	Content     io.Reader
	Tags        []string
	Description string
}

// NodeSnapshot is a hierarchy node's state as fetched from the server:
// an opaque revision token and the opaque (externally encrypted) payload.
type NodeSnapshot struct {
	Revision string
	Payload  []byte
}

// RemoteClient is the wire contract consumed by the upload coordinator,
// the download reconciler and the revision tracker. Failures that are
// worth retrying (network errors, 5xx, missing token) come back wrapped
// in ErrTransient; a revision mismatch on push comes back as
// ErrRevisionMismatch.
type RemoteClient interface {
	// UploadFile submits asset bytes to POST /books/{bookID}/files and
	// returns the server's descriptor.
	UploadFile(ctx context.Context, bookID string, req UploadRequest) (RemoteFile, error)

	// ListFiles returns the server's asset manifest for a book,
	// GET /books/{bookID}/files.
	ListFiles(ctx context.Context, bookID string) ([]RemoteFile, error)

	// DownloadFile fetches asset bytes by their remote URL.
	DownloadFile(ctx context.Context, url string) (io.ReadCloser, error)

	// FetchNode returns a node's current server revision and payload.
	FetchNode(ctx context.Context, nodeID string) (NodeSnapshot, error)

	// PushNode uploads a node payload conditional on baseRevision still
	// being the server's current revision, and returns the new
	// server-assigned revision token.
	PushNode(ctx context.Context, nodeID, baseRevision string, payload []byte) (string, error)
}

// TokenSource supplies the bearer token for remote calls. Token issuance
// and refresh live outside this core; an unavailable token is a
// transient failure.
type TokenSource interface {
	Token() (string, error)
}
