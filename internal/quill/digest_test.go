package quill_test

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"quill/internal/quill"
)

func TestDigestBytes(t *testing.T) {
	// Fixed vector: sha256("hello world").
	got := quill.DigestBytes([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("DigestBytes() = %s, want %s", got, want)
	}

	if quill.DigestBytes([]byte("a")) == quill.DigestBytes([]byte("b")) {
		t.Error("different content produced the same digest")
	}
	if quill.DigestBytes(nil) != quill.DigestBytes([]byte{}) {
		t.Error("nil and empty slices should digest identically")
	}
}

func TestProbeImage(t *testing.T) {
	t.Run("reads png dimensions", func(t *testing.T) {
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 20, 12))); err != nil {
			t.Fatalf("encoding fixture: %v", err)
		}

		w, h, ok := quill.ProbeImage(buf.Bytes())
		if !ok {
			t.Fatal("ProbeImage() ok = false for valid png")
		}
		if w != 20 || h != 12 {
			t.Errorf("dimensions = %dx%d, want 20x12", w, h)
		}
	})

	t.Run("non-image bytes are not an error", func(t *testing.T) {
		if _, _, ok := quill.ProbeImage([]byte("%PDF-1.7 not an image")); ok {
			t.Error("ProbeImage() ok = true for non-image bytes")
		}
	})
}

func TestIsImageMime(t *testing.T) {
	cases := []struct {
		mime string
		want bool
	}{
		{"image/png", true},
		{"image/jpeg", true},
		{"image/webp", true},
		{"application/pdf", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := quill.IsImageMime(tc.mime); got != tc.want {
			t.Errorf("IsImageMime(%q) = %v, want %v", tc.mime, got, tc.want)
		}
	}
}
