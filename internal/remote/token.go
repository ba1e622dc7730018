package remote

import (
	"fmt"
	"os"
	"strings"

	"quill/internal/quill"
)

// FileTokenSource reads the bearer token from a file on every call, so a
// token refreshed on disk by the external auth flow is picked up without
// restarting. A missing or empty file is a transient failure: the sync
// pass fails and retries later.
type FileTokenSource struct {
	path string
}

// NewFileTokenSource creates a token source backed by the file at path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

func (s *FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path)
	}
	return token, nil
}

// StaticTokenSource returns a fixed token. Use in tests.
type StaticTokenSource string

func (s StaticTokenSource) Token() (string, error) {
	return string(s), nil
}

var (
	_ quill.TokenSource = (*FileTokenSource)(nil)
	_ quill.TokenSource = StaticTokenSource("")
)
