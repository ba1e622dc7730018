package quill_test

import (
	"context"
	"testing"
	"time"

	"quill/internal/quill"
	"quill/internal/testutil"
)

func newSyncerFixture(t *testing.T) (*quill.Syncer, *uploadFixture, *quill.Tracker) {
	t.Helper()
	f := newUploadFixture(t)
	uploader := f.uploader(2)
	reconciler := quill.NewReconciler(f.ledger, f.store, f.remote, f.guard, quill.NewNopLogger(), quill.UUIDGenerator{})
	tracker := quill.NewTracker(f.ledger, f.remote, f.store, quill.NewNopLogger(), quill.UUIDGenerator{})
	s := quill.NewSyncer(f.ledger, uploader, reconciler, tracker, quill.NewNopLogger(), 0)
	return s, f, tracker
}

func TestSyncer_SyncOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("empty ledger syncs nothing", func(t *testing.T) {
		s, _, _ := newSyncerFixture(t)
		report, err := s.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("SyncOnce() error = %v", err)
		}
		if report != (quill.SyncReport{}) {
			t.Errorf("report = %+v, want empty", report)
		}
	})

	t.Run("one pass drains uploads, reconciles downloads and syncs nodes", func(t *testing.T) {
		s, f, tracker := newSyncerFixture(t)

		f.importFile(t, "pending local asset", "up.png")
		f.remote.SeedFile("book-1", "down.png", []byte("remote only asset"))

		if err := f.ledger.CreateNode(&quill.Node{ID: "ch-1", BookID: "book-1", Kind: quill.EntityChapter}); err != nil {
			t.Fatalf("CreateNode() error = %v", err)
		}
		if err := tracker.Edit("ch-1", []byte("dirty chapter")); err != nil {
			t.Fatalf("Edit() error = %v", err)
		}

		report, err := s.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("SyncOnce() error = %v", err)
		}

		if report.Uploads.Uploaded != 1 {
			t.Errorf("uploads = %+v, want 1 uploaded", report.Uploads)
		}
		if report.Downloads.Downloaded != 1 {
			t.Errorf("downloads = %+v, want 1 downloaded", report.Downloads)
		}
		if report.Nodes.Pushed != 1 {
			t.Errorf("nodes = %+v, want 1 pushed", report.Nodes)
		}

		// The pass converges: a second run finds nothing new.
		report, err = s.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("second SyncOnce() error = %v", err)
		}
		if report.Uploads.Uploaded != 0 || report.Downloads.Downloaded != 0 || report.Nodes.Pushed != 0 {
			t.Errorf("second pass = %+v, want converged", report)
		}
		if report.Downloads.Known != 1 {
			t.Errorf("known = %d, want 1", report.Downloads.Known)
		}
	})

	t.Run("covers every book the ledger knows", func(t *testing.T) {
		s, f, _ := newSyncerFixture(t)

		ref1, err := f.manager.Import([]byte("book one content"), "image/png", "a.png", "book-1",
			quill.LinkTarget{EntityType: quill.EntityBook, EntityID: "book-1", Role: quill.RoleCover}, quill.LinkMeta{})
		if err != nil {
			t.Fatalf("Import() error = %v", err)
		}
		ref2, err := f.manager.Import([]byte("book two content"), "image/png", "b.png", "book-2",
			quill.LinkTarget{EntityType: quill.EntityBook, EntityID: "book-2", Role: quill.RoleCover}, quill.LinkMeta{})
		if err != nil {
			t.Fatalf("Import() error = %v", err)
		}

		report, err := s.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("SyncOnce() error = %v", err)
		}
		if report.Uploads.Uploaded != 2 {
			t.Errorf("uploaded = %d, want both books drained", report.Uploads.Uploaded)
		}

		for _, ref := range []*quill.Reference{ref1, ref2} {
			asset, _ := f.ledger.FindAssetByID(ref.AssetID)
			if asset.Status != quill.StatusUploaded {
				t.Errorf("asset %s status = %s, want uploaded", asset.ID, asset.Status)
			}
		}
	})
}

func TestSyncer_Kick(t *testing.T) {
	t.Run("never blocks, even when repeated", func(t *testing.T) {
		s, _, _ := newSyncerFixture(t)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				s.Kick()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Kick() blocked")
		}
	})
}

func TestSyncer_Run(t *testing.T) {
	t.Run("stops when the context is cancelled", func(t *testing.T) {
		s, _, _ := newSyncerFixture(t)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- s.Run(ctx) }()

		cancel()
		select {
		case err := <-errc:
			if err != context.Canceled {
				t.Errorf("Run() error = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not stop on cancel")
		}
	})

	t.Run("a kick triggers a pass without waiting for the ticker", func(t *testing.T) {
		s, f, _ := newSyncerFixture(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		errc := make(chan error, 1)
		go func() { errc <- s.Run(ctx) }()

		// Let the initial pass drain an empty ledger, then import and kick.
		time.Sleep(50 * time.Millisecond)
		f.importFile(t, "kicked upload", "k.png")
		s.Kick()

		deadline := time.After(2 * time.Second)
		for {
			asset, err := f.ledger.FindAssetByDigest("book-1", testutil.SHA256Hex([]byte("kicked upload")))
			if err == nil && asset != nil && asset.Status == quill.StatusUploaded {
				return
			}
			select {
			case <-deadline:
				t.Fatal("kicked pass never uploaded the asset")
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
}
