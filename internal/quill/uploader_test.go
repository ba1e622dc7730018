package quill_test

import (
	"context"
	"fmt"
	"io"
	"testing"

	"quill/internal/quill"
	"quill/internal/testutil"
)

type uploadFixture struct {
	ledger  quill.Ledger
	store   *testutil.MemoryStore
	remote  *testutil.FakeRemote
	guard   *quill.Guard
	manager *quill.Manager
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	f := &uploadFixture{
		ledger: testutil.NewTestLedger(t),
		store:  testutil.NewMemoryStore(),
		remote: testutil.NewFakeRemote(),
		guard:  quill.NewGuard(),
	}
	f.manager = quill.NewManager(f.ledger, f.store, quill.NewNopLogger(), quill.RealClock{}, quill.UUIDGenerator{}, quill.ImportLimits{})
	return f
}

func (f *uploadFixture) uploader(workers int) *quill.Uploader {
	return quill.NewUploader(f.ledger, f.store, f.remote, f.guard, quill.NewNopLogger(), workers)
}

func (f *uploadFixture) importFile(t *testing.T, content, name string) *quill.Reference {
	t.Helper()
	ref, err := f.manager.Import([]byte(content), "image/png", name, "book-1",
		quill.LinkTarget{EntityType: quill.EntityChapter, EntityID: "ch-1", Role: quill.RoleGallery},
		quill.LinkMeta{Tags: []string{"art"}, Description: "chapter art"})
	if err != nil {
		t.Fatalf("Import(%s) error = %v", name, err)
	}
	return ref
}

func TestUploader_Drain(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads every pending asset and records the remote identity", func(t *testing.T) {
		f := newUploadFixture(t)
		refs := []*quill.Reference{
			f.importFile(t, "image one", "1.png"),
			f.importFile(t, "image two", "2.png"),
			f.importFile(t, "image three", "3.png"),
		}

		stats, err := f.uploader(2).Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if stats.Uploaded != 3 || stats.Failed != 0 {
			t.Errorf("stats = %+v, want 3 uploaded", stats)
		}

		for _, ref := range refs {
			asset, err := f.ledger.FindAssetByID(ref.AssetID)
			if err != nil {
				t.Fatalf("FindAssetByID() error = %v", err)
			}
			if asset.Status != quill.StatusUploaded {
				t.Errorf("asset %s status = %s, want uploaded", asset.ID, asset.Status)
			}
			if asset.RemoteID == "" || asset.RemoteURL == "" {
				t.Errorf("asset %s missing remote identity", asset.ID)
			}
		}

		pending, _ := f.ledger.ListPending("book-1")
		if len(pending) != 0 {
			t.Errorf("pending after drain = %d, want 0", len(pending))
		}
	})

	t.Run("link metadata rides along with the upload", func(t *testing.T) {
		f := newUploadFixture(t)
		f.importFile(t, "tagged upload", "tagged.png")

		if _, err := f.uploader(1).Drain(ctx, "book-1"); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}

		uploaded := f.remote.Uploaded()
		if len(uploaded) != 1 {
			t.Fatalf("uploads = %d, want 1", len(uploaded))
		}
		req := uploaded[0]
		if len(req.Tags) != 1 || req.Tags[0] != "art" {
			t.Errorf("tags = %v, want [art]", req.Tags)
		}
		if req.Description != "chapter art" {
			t.Errorf("description = %q, want %q", req.Description, "chapter art")
		}
		content, _ := io.ReadAll(req.Content)
		if string(content) != "tagged upload" {
			t.Errorf("uploaded bytes = %q, want %q", content, "tagged upload")
		}
	})

	t.Run("a failed upload marks the asset failed and stays out of the queue", func(t *testing.T) {
		f := newUploadFixture(t)
		ref := f.importFile(t, "unlucky", "fail.png")
		f.remote.UploadErr = quill.Transient(fmt.Errorf("server unreachable"))

		stats, err := f.uploader(1).Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if stats.Failed != 1 || stats.Uploaded != 0 {
			t.Errorf("stats = %+v, want 1 failed", stats)
		}

		asset, _ := f.ledger.FindAssetByID(ref.AssetID)
		if asset.Status != quill.StatusFailed {
			t.Errorf("status = %s, want failed", asset.Status)
		}

		// No silent retry: a second drain finds nothing to do.
		f.remote.UploadErr = nil
		stats, err = f.uploader(1).Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("second Drain() error = %v", err)
		}
		if stats.Uploaded != 0 {
			t.Errorf("second drain uploaded = %d, want 0 (failed assets need explicit retry)", stats.Uploaded)
		}
		if f.remote.UploadCalls != 1 {
			t.Errorf("upload calls = %d, want 1", f.remote.UploadCalls)
		}
	})

	t.Run("one bad asset does not block the batch", func(t *testing.T) {
		f := newUploadFixture(t)
		good := f.importFile(t, "good bytes", "good.png")
		bad := f.importFile(t, "bad bytes", "bad.png")

		// Break the bad asset's local content so its open fails.
		badAsset, _ := f.ledger.FindAssetByID(bad.AssetID)
		f.store.Remove(badAsset.LocalPath)

		stats, err := f.uploader(2).Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if stats.Uploaded != 1 || stats.Failed != 1 {
			t.Errorf("stats = %+v, want 1 uploaded and 1 failed", stats)
		}

		goodAsset, _ := f.ledger.FindAssetByID(good.AssetID)
		if goodAsset.Status != quill.StatusUploaded {
			t.Errorf("good asset status = %s, want uploaded", goodAsset.Status)
		}
	})

	t.Run("assets claimed by another transfer are skipped", func(t *testing.T) {
		f := newUploadFixture(t)
		ref := f.importFile(t, "busy elsewhere", "busy.png")

		if !f.guard.TryAcquire(ref.AssetID) {
			t.Fatal("could not pre-claim asset")
		}
		defer f.guard.Release(ref.AssetID)

		stats, err := f.uploader(1).Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if stats.Skipped != 1 || stats.Uploaded != 0 {
			t.Errorf("stats = %+v, want 1 skipped", stats)
		}

		asset, _ := f.ledger.FindAssetByID(ref.AssetID)
		if asset.Status != quill.StatusPendingUpload {
			t.Errorf("status = %s, want pending_upload (skip must not touch state)", asset.Status)
		}
	})

	t.Run("overlapping drains for the same book return empty stats", func(t *testing.T) {
		f := newUploadFixture(t)
		ref := f.importFile(t, "slow art", "slow.png")

		entered := make(chan struct{})
		release := make(chan struct{})
		f.remote.UploadHook = func() {
			close(entered)
			<-release
		}

		u := f.uploader(1)
		done := make(chan quill.UploadStats, 1)
		go func() {
			stats, err := u.Drain(ctx, "book-1")
			if err != nil {
				t.Errorf("first Drain() error = %v", err)
			}
			done <- stats
		}()
		<-entered

		// The first drain is parked inside the upload. A second call for
		// the same book must bail out before even listing pending assets,
		// so nothing counts as skipped.
		stats, err := u.Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("overlapping Drain() error = %v", err)
		}
		if stats != (quill.UploadStats{}) {
			t.Errorf("overlapping Drain() stats = %+v, want empty", stats)
		}

		close(release)
		first := <-done
		if first.Uploaded != 1 {
			t.Errorf("first Drain() stats = %+v, want 1 uploaded", first)
		}
		if f.remote.UploadCalls != 1 {
			t.Errorf("UploadCalls = %d, want 1", f.remote.UploadCalls)
		}

		asset, _ := f.ledger.FindAssetByID(ref.AssetID)
		if asset.Status != quill.StatusUploaded {
			t.Errorf("status = %s, want uploaded", asset.Status)
		}
	})

	t.Run("retry after failure goes through the full cycle", func(t *testing.T) {
		f := newUploadFixture(t)
		ref := f.importFile(t, "eventually uploaded", "cycle.png")

		f.remote.UploadErr = quill.Transient(fmt.Errorf("offline"))
		u := f.uploader(1)
		if _, err := u.Drain(ctx, "book-1"); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}

		f.remote.UploadErr = nil
		if err := f.manager.Retry(ref.AssetID); err != nil {
			t.Fatalf("Retry() error = %v", err)
		}

		stats, err := u.Drain(ctx, "book-1")
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if stats.Uploaded != 1 {
			t.Errorf("uploaded = %d, want 1", stats.Uploaded)
		}

		// Re-importing the same bytes now reuses the uploaded asset untouched.
		again, err := f.manager.Import([]byte("eventually uploaded"), "image/png", "cycle.png", "book-1",
			quill.LinkTarget{EntityType: quill.EntityScene, EntityID: "sc-9", Role: quill.RoleGallery}, quill.LinkMeta{})
		if err != nil {
			t.Fatalf("Import() error = %v", err)
		}
		if !again.WasReused || again.Status != quill.StatusUploaded {
			t.Errorf("reuse = %+v, want reused uploaded asset", again)
		}
	})
}
