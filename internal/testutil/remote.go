package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"quill/internal/quill"
)

// FakeRemote is a scriptable in-memory quill.RemoteClient. Every method
// records its call count, and per-method error fields let tests inject
// failures. Safe for concurrent use.
type FakeRemote struct {
	mu sync.Mutex

	files    map[string][]quill.RemoteFile // bookID -> manifest
	blobs    map[string][]byte             // remote URL -> content
	nodes    map[string]quill.NodeSnapshot // nodeID -> server state
	nextID   int
	revSeq   int
	uploaded []quill.UploadRequest

	// UploadHook, when set, runs at the start of every UploadFile call
	// before any state changes. Tests use it to hold an upload open while
	// they probe concurrent behavior. Set it before starting goroutines.
	UploadHook func()

	// Injected failures. Each is returned on every call until cleared.
	UploadErr   error
	ListErr     error
	DownloadErr error
	FetchErr    error
	PushErr     error

	// Call counts.
	UploadCalls   int
	ListCalls     int
	DownloadCalls int
	FetchCalls    int
	PushCalls     int
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		files: make(map[string][]quill.RemoteFile),
		blobs: make(map[string][]byte),
		nodes: make(map[string]quill.NodeSnapshot),
	}
}

// SeedFile registers a remote file with content, as if another device had
// uploaded it. Returns the descriptor the server would report.
func (f *FakeRemote) SeedFile(bookID, fileName string, content []byte) quill.RemoteFile {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	rf := quill.RemoteFile{
		ID:   fmt.Sprintf("remote-%d", f.nextID),
		URL:  fmt.Sprintf("https://files.test/%s/%s", bookID, fileName),
		Size: int64(len(content)),
	}
	f.files[bookID] = append(f.files[bookID], rf)
	f.blobs[rf.URL] = content
	return rf
}

// RemoveBlob drops the stored bytes behind a remote URL, making later
// downloads of it fail while the manifest still lists the file.
func (f *FakeRemote) RemoveBlob(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, url)
}

// SeedNode sets the server-side state for a node.
func (f *FakeRemote) SeedNode(nodeID, revision string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[nodeID] = quill.NodeSnapshot{Revision: revision, Payload: payload}
}

// NodeRevision returns the server's current revision for a node.
func (f *FakeRemote) NodeRevision(nodeID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[nodeID].Revision
}

// Uploaded returns the upload requests received so far.
func (f *FakeRemote) Uploaded() []quill.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]quill.UploadRequest(nil), f.uploaded...)
}

func (f *FakeRemote) UploadFile(_ context.Context, bookID string, req quill.UploadRequest) (quill.RemoteFile, error) {
	if f.UploadHook != nil {
		f.UploadHook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.UploadCalls++
	if f.UploadErr != nil {
		return quill.RemoteFile{}, f.UploadErr
	}

	content, err := io.ReadAll(req.Content)
	if err != nil {
		return quill.RemoteFile{}, err
	}

	f.nextID++
	rf := quill.RemoteFile{
		ID:          fmt.Sprintf("remote-%d", f.nextID),
		URL:         fmt.Sprintf("https://files.test/%s/%s", bookID, req.FileName),
		Mime:        req.Mime,
		Size:        int64(len(content)),
		Tags:        req.Tags,
		Description: req.Description,
	}
	f.files[bookID] = append(f.files[bookID], rf)
	f.blobs[rf.URL] = content

	rec := req
	rec.Content = bytes.NewReader(content)
	f.uploaded = append(f.uploaded, rec)
	return rf, nil
}

func (f *FakeRemote) ListFiles(_ context.Context, bookID string) ([]quill.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]quill.RemoteFile(nil), f.files[bookID]...), nil
}

func (f *FakeRemote) DownloadFile(_ context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DownloadCalls++
	if f.DownloadErr != nil {
		return nil, f.DownloadErr
	}

	content, ok := f.blobs[url]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", url, quill.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *FakeRemote) FetchNode(_ context.Context, nodeID string) (quill.NodeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.FetchCalls++
	if f.FetchErr != nil {
		return quill.NodeSnapshot{}, f.FetchErr
	}

	snap, ok := f.nodes[nodeID]
	if !ok {
		return quill.NodeSnapshot{}, fmt.Errorf("node %s: %w", nodeID, quill.ErrNotFound)
	}
	return snap, nil
}

func (f *FakeRemote) PushNode(_ context.Context, nodeID, baseRevision string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PushCalls++
	if f.PushErr != nil {
		return "", f.PushErr
	}

	current := f.nodes[nodeID].Revision
	if baseRevision != current {
		return "", quill.ErrRevisionMismatch
	}

	f.revSeq++
	rev := fmt.Sprintf("rev-%d", f.revSeq)
	f.nodes[nodeID] = quill.NodeSnapshot{Revision: rev, Payload: append([]byte(nil), payload...)}
	return rev, nil
}

var _ quill.RemoteClient = (*FakeRemote)(nil)
