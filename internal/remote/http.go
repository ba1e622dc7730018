package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quill/internal/quill"
)

// HTTPClient talks to the book service over HTTP. Every request carries a
// bearer token from the injected TokenSource; an unavailable token is a
// transient failure, retried on a later sync pass. Requests are retried
// with exponential backoff on network errors, 429 and 5xx responses.
type HTTPClient struct {
	baseURL    string
	tokens     quill.TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for the service at baseURL.
// httpClient may be nil, selecting a default with a 30s timeout.
func NewHTTPClient(baseURL string, tokens quill.TokenSource, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

type fileResponse struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Mime        string   `json:"mime"`
	Size        int64    `json:"size,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
}

func (fr fileResponse) toRemoteFile() quill.RemoteFile {
	return quill.RemoteFile{
		ID:          fr.ID,
		URL:         fr.URL,
		Mime:        fr.Mime,
		Size:        fr.Size,
		Width:       fr.Width,
		Height:      fr.Height,
		Tags:        fr.Tags,
		Description: fr.Description,
	}
}

// UploadFile submits asset bytes as multipart form data:
// the file part plus tags (JSON array) and description fields.
func (c *HTTPClient) UploadFile(ctx context.Context, bookID string, req quill.UploadRequest) (quill.RemoteFile, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return quill.RemoteFile{}, fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, req.Content); err != nil {
		return quill.RemoteFile{}, fmt.Errorf("reading upload content: %w", err)
	}

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return quill.RemoteFile{}, fmt.Errorf("encoding tags: %w", err)
	}
	if err := w.WriteField("tags", string(tagsJSON)); err != nil {
		return quill.RemoteFile{}, fmt.Errorf("writing tags field: %w", err)
	}
	if err := w.WriteField("description", req.Description); err != nil {
		return quill.RemoteFile{}, fmt.Errorf("writing description field: %w", err)
	}
	if err := w.Close(); err != nil {
		return quill.RemoteFile{}, fmt.Errorf("finalizing multipart body: %w", err)
	}

	var out fileResponse
	err = c.do(ctx, http.MethodPost,
		fmt.Sprintf("/books/%s/files", url.PathEscape(bookID)),
		w.FormDataContentType(), body.Bytes(), nil, &out)
	if err != nil {
		return quill.RemoteFile{}, err
	}
	return out.toRemoteFile(), nil
}

// ListFiles fetches the server's asset manifest for a book.
func (c *HTTPClient) ListFiles(ctx context.Context, bookID string) ([]quill.RemoteFile, error) {
	var out []fileResponse
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/books/%s/files", url.PathEscape(bookID)), "", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	files := make([]quill.RemoteFile, len(out))
	for i, fr := range out {
		files[i] = fr.toRemoteFile()
	}
	return files, nil
}

// DownloadFile fetches asset bytes. rawURL may be absolute or relative to
// the service base.
func (c *HTTPClient) DownloadFile(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target := rawURL
	if !strings.Contains(rawURL, "://") {
		target = c.baseURL + "/" + strings.TrimLeft(rawURL, "/")
	}

	token, err := c.tokens.Token()
	if err != nil {
		return nil, quill.Transient(fmt.Errorf("obtaining token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, quill.Transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, target)
	}
	return resp.Body, nil
}

type nodeResponse struct {
	Revision string `json:"revision"`
	Payload  []byte `json:"payload"` // base64 on the wire
}

// FetchNode returns a node's current server revision and opaque payload.
func (c *HTTPClient) FetchNode(ctx context.Context, nodeID string) (quill.NodeSnapshot, error) {
	var out nodeResponse
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/nodes/%s", url.PathEscape(nodeID)), "", nil, nil, &out)
	if err != nil {
		return quill.NodeSnapshot{}, err
	}
	return quill.NodeSnapshot{Revision: out.Revision, Payload: out.Payload}, nil
}

// PushNode uploads a node payload conditional on baseRevision, carried in
// the If-Match header. The server answers 409 when its revision moved.
func (c *HTTPClient) PushNode(ctx context.Context, nodeID, baseRevision string, payload []byte) (string, error) {
	body, err := json.Marshal(nodeResponse{Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encoding node payload: %w", err)
	}

	headers := map[string]string{}
	if baseRevision != "" {
		headers["If-Match"] = baseRevision
	}

	var out nodeResponse
	err = c.do(ctx, http.MethodPut,
		fmt.Sprintf("/nodes/%s", url.PathEscape(nodeID)),
		"application/json", body, headers, &out)
	if err != nil {
		return "", err
	}
	return out.Revision, nil
}

// do issues one request with retry. bodyBytes is replayed on each
// attempt; out, when non-nil, receives the decoded JSON response.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, bodyBytes []byte, headers map[string]string, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token()
		if err != nil {
			return quill.Transient(fmt.Errorf("obtaining token: %w", err))
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if werr := c.wait(ctx, attempt+1); werr != nil {
					return werr
				}
				continue
			}
			return quill.Transient(err)
		}

		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return quill.Transient(readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return nil
		}

		if retryable(resp.StatusCode) && attempt < c.maxRetries {
			if werr := c.wait(ctx, attempt+1); werr != nil {
				return werr
			}
			continue
		}

		return statusError(resp.StatusCode, method+" "+path)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// statusError maps an HTTP status onto the service error taxonomy.
func statusError(status int, what string) error {
	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w", what, quill.ErrRevisionMismatch)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", what, quill.ErrNotFound)
	case retryable(status):
		return quill.Transient(fmt.Errorf("%s: http %d", what, status))
	default:
		return fmt.Errorf("%s: http %d", what, status)
	}
}

// wait sleeps for the backoff delay of the given attempt, doubling from
// baseDelay and capped at maxDelay, unless ctx ends first.
func (c *HTTPClient) wait(ctx context.Context, attempt int) error {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Compile-time check that HTTPClient implements quill.RemoteClient
var _ quill.RemoteClient = (*HTTPClient)(nil)
