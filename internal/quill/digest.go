package quill

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"strings"

	_ "image/gif"  // register decoders for dimension probing
	_ "image/jpeg"
	_ "image/png"
)

// DigestBytes returns the SHA-256 hex digest of data. This is the dedup
// key for all content.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProbeImage returns the intrinsic dimensions of image data. ok is false
// when the bytes are not a decodable image, which is not an error: only
// image content carries dimensions.
func ProbeImage(data []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// IsImageMime reports whether mimeType declares image content.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
