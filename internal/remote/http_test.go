package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quill/internal/quill"
)

// newTestClient wraps an httptest server with retry delays collapsed so
// backoff paths run instantly.
func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewHTTPClient(srv.URL, StaticTokenSource("test-token"), srv.Client())
	c.baseDelay = time.Millisecond
	c.maxDelay = time.Millisecond
	return c, srv
}

func TestHTTPClient_UploadFile(t *testing.T) {
	ctx := context.Background()

	t.Run("sends multipart content with metadata fields", func(t *testing.T) {
		var gotAuth, gotTags, gotDesc, gotFileName string
		var gotContent []byte

		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/books/book-1/files" {
				t.Errorf("request = %s %s, want POST /books/book-1/files", r.Method, r.URL.Path)
			}
			gotAuth = r.Header.Get("Authorization")

			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parsing multipart: %v", err)
			}
			gotTags = r.FormValue("tags")
			gotDesc = r.FormValue("description")

			file, header, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("reading file part: %v", err)
			}
			defer file.Close()
			gotFileName = header.Filename
			gotContent, _ = io.ReadAll(file)

			json.NewEncoder(w).Encode(map[string]any{
				"id": "remote-1", "url": "/files/remote-1", "mime": "image/png",
			})
		}))

		rf, err := c.UploadFile(ctx, "book-1", quill.UploadRequest{
			FileName:    "cover.png",
			Mime:        "image/png",
			Content:     bytesReader("png content"),
			Tags:        []string{"cover", "draft"},
			Description: "front cover",
		})
		if err != nil {
			t.Fatalf("UploadFile() error = %v", err)
		}

		if rf.ID != "remote-1" {
			t.Errorf("remote id = %s, want remote-1", rf.ID)
		}
		if gotAuth != "Bearer test-token" {
			t.Errorf("auth = %q, want bearer token", gotAuth)
		}
		if gotFileName != "cover.png" || string(gotContent) != "png content" {
			t.Errorf("file part = (%s, %q), want cover.png with content", gotFileName, gotContent)
		}
		if gotTags != `["cover","draft"]` {
			t.Errorf("tags field = %q, want JSON array", gotTags)
		}
		if gotDesc != "front cover" {
			t.Errorf("description field = %q, want front cover", gotDesc)
		}
	})

	t.Run("retries 5xx and succeeds", func(t *testing.T) {
		attempts := 0
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "remote-1", "url": "/f/1", "mime": "image/png"})
		}))

		_, err := c.UploadFile(ctx, "book-1", quill.UploadRequest{
			FileName: "f.png", Content: bytesReader("x"),
		})
		if err != nil {
			t.Fatalf("UploadFile() error = %v after %d attempts", err, attempts)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("exhausted retries surface a transient error", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		_, err := c.UploadFile(ctx, "book-1", quill.UploadRequest{FileName: "f.png", Content: bytesReader("x")})
		if !quill.IsTransient(err) {
			t.Errorf("error = %v, want transient", err)
		}
	})

	t.Run("4xx is not retried and not transient", func(t *testing.T) {
		attempts := 0
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}))

		_, err := c.UploadFile(ctx, "book-1", quill.UploadRequest{FileName: "f.png", Content: bytesReader("x")})
		if err == nil {
			t.Fatal("UploadFile() error = nil, want rejection")
		}
		if quill.IsTransient(err) {
			t.Error("client error reported as transient")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1 (no retry on 4xx)", attempts)
		}
	})
}

func TestHTTPClient_ListFiles(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/books/book-1/files" {
			t.Errorf("path = %s, want /books/book-1/files", r.URL.Path)
		}
		fmt.Fprint(w, `[{"id":"r-1","url":"/f/1","mime":"image/png"},{"id":"r-2","url":"/f/2","mime":"application/pdf"}]`)
	}))

	files, err := c.ListFiles(context.Background(), "book-1")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 || files[0].ID != "r-1" || files[1].Mime != "application/pdf" {
		t.Errorf("files = %+v, want both manifest entries", files)
	}
}

func TestHTTPClient_DownloadFile(t *testing.T) {
	t.Run("resolves relative URLs against the base", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/files/r-1" {
				t.Errorf("path = %s, want /files/r-1", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "Bearer test-token" {
				t.Error("download missing bearer token")
			}
			fmt.Fprint(w, "asset bytes")
		}))

		rc, err := c.DownloadFile(context.Background(), "/files/r-1")
		if err != nil {
			t.Fatalf("DownloadFile() error = %v", err)
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		if string(data) != "asset bytes" {
			t.Errorf("content = %q, want asset bytes", data)
		}
	})

	t.Run("missing content is ErrNotFound", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		_, err := c.DownloadFile(context.Background(), "/files/ghost")
		if !errors.Is(err, quill.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestHTTPClient_Nodes(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch decodes revision and payload", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/nodes/ch-1" {
				t.Errorf("path = %s, want /nodes/ch-1", r.URL.Path)
			}
			json.NewEncoder(w).Encode(nodeResponse{Revision: "rev-7", Payload: []byte("opaque")})
		}))

		snap, err := c.FetchNode(ctx, "ch-1")
		if err != nil {
			t.Fatalf("FetchNode() error = %v", err)
		}
		if snap.Revision != "rev-7" || string(snap.Payload) != "opaque" {
			t.Errorf("snapshot = %+v, want rev-7/opaque", snap)
		}
	})

	t.Run("fetch of an unknown node is ErrNotFound", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))

		_, err := c.FetchNode(ctx, "ghost")
		if !errors.Is(err, quill.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("push carries the base revision in If-Match", func(t *testing.T) {
		var gotIfMatch string
		var gotBody nodeResponse
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPut || r.URL.Path != "/nodes/ch-1" {
				t.Errorf("request = %s %s, want PUT /nodes/ch-1", r.Method, r.URL.Path)
			}
			gotIfMatch = r.Header.Get("If-Match")
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(nodeResponse{Revision: "rev-8"})
		}))

		rev, err := c.PushNode(ctx, "ch-1", "rev-7", []byte("new payload"))
		if err != nil {
			t.Fatalf("PushNode() error = %v", err)
		}
		if rev != "rev-8" {
			t.Errorf("revision = %s, want rev-8", rev)
		}
		if gotIfMatch != "rev-7" {
			t.Errorf("If-Match = %q, want rev-7", gotIfMatch)
		}
		if string(gotBody.Payload) != "new payload" {
			t.Errorf("pushed payload = %q, want new payload", gotBody.Payload)
		}
	})

	t.Run("first push of a node omits If-Match", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Header["If-Match"]; ok {
				t.Error("If-Match sent for a never-pushed node")
			}
			json.NewEncoder(w).Encode(nodeResponse{Revision: "rev-1"})
		}))

		if _, err := c.PushNode(ctx, "ch-1", "", []byte("first")); err != nil {
			t.Fatalf("PushNode() error = %v", err)
		}
	})

	t.Run("409 maps to ErrRevisionMismatch", func(t *testing.T) {
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}))

		_, err := c.PushNode(ctx, "ch-1", "stale-rev", []byte("x"))
		if !errors.Is(err, quill.ErrRevisionMismatch) {
			t.Errorf("error = %v, want ErrRevisionMismatch", err)
		}
	})
}

func TestHTTPClient_TokenFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the server without a token")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, NewFileTokenSource("/nonexistent/token"), srv.Client())

	_, err := c.ListFiles(context.Background(), "book-1")
	if !quill.IsTransient(err) {
		t.Errorf("error = %v, want transient (token may appear later)", err)
	}
}

// bytesReader keeps UploadRequest call sites short.
func bytesReader(s string) io.Reader {
	return strings.NewReader(s)
}
