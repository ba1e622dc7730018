package quill

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/gabriel-vasile/mimetype"
)

// ReconcileStats summarizes one reconcile pass.
type ReconcileStats struct {
	Downloaded int // new assets created from remote content
	Matched    int // remote files folded into existing local assets
	Known      int // remote ids already tracked, nothing to do
	Skipped    int // asset busy in another transfer this pass
	Failed     int
}

// Reconciler folds the server's asset manifest for a book into the local
// ledger and content store. It deliberately never creates links: linking
// stays with whatever triggered reconciliation, keeping dedup and
// association concerns separate.
type Reconciler struct {
	ledger Ledger
	store  ContentStore
	remote RemoteClient
	guard  *Guard
	logger Logger
	idgen  IDGenerator
}

// NewReconciler creates a Reconciler sharing the uploader's guard.
func NewReconciler(ledger Ledger, store ContentStore, remote RemoteClient, guard *Guard, logger Logger, idgen IDGenerator) *Reconciler {
	return &Reconciler{
		ledger: ledger,
		store:  store,
		remote: remote,
		guard:  guard,
		logger: logger,
		idgen:  idgen,
	}
}

// Reconcile fetches the remote manifest and imports every descriptor not
// already matched to a local asset. Content is digested locally, never
// trusting a remote-declared digest, so bytes imported
// independently offline and online collapse onto one asset. Failures are
// isolated per descriptor.
func (r *Reconciler) Reconcile(ctx context.Context, bookID string) (ReconcileStats, error) {
	manifest, err := r.remote.ListFiles(ctx, bookID)
	if err != nil {
		return ReconcileStats{}, fmt.Errorf("fetching remote manifest: %w", err)
	}

	var stats ReconcileStats
	for _, rf := range manifest {
		known, err := r.ledger.FindAssetByRemoteID(bookID, rf.ID)
		if err != nil {
			r.logger.Error("looking up remote id", "remote", rf.ID, "error", err)
			stats.Failed++
			continue
		}
		if known != nil {
			stats.Known++
			continue
		}

		switch err := r.reconcileOne(ctx, bookID, rf, &stats); {
		case err == errAssetBusy:
			stats.Skipped++
		case err != nil:
			r.logger.Warn("reconciling remote file failed", "remote", rf.ID, "error", err)
			stats.Failed++
		}
	}

	r.logger.Info("reconcile complete", "book", bookID,
		"downloaded", stats.Downloaded, "matched", stats.Matched,
		"known", stats.Known, "failed", stats.Failed)
	return stats, nil
}

var errAssetBusy = fmt.Errorf("asset busy in another transfer")

func (r *Reconciler) reconcileOne(ctx context.Context, bookID string, rf RemoteFile, stats *ReconcileStats) error {
	body, err := r.remote.DownloadFile(ctx, rf.URL)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return Transient(fmt.Errorf("reading download: %w", err))
	}

	digest := DigestBytes(data)

	existing, err := r.ledger.FindAssetByDigest(bookID, digest)
	if err != nil {
		return fmt.Errorf("checking for existing digest: %w", err)
	}

	if existing != nil {
		// Same content was imported locally while offline. Fold the
		// remote identity onto it instead of duplicating.
		if !r.guard.TryAcquire(existing.ID) {
			return errAssetBusy
		}
		defer r.guard.Release(existing.ID)

		if err := r.ledger.MarkUploaded(existing.ID, rf.ID, rf.URL); err != nil {
			return fmt.Errorf("matching remote file to asset %s: %w", existing.ID, err)
		}
		r.logger.Debug("remote file matched to local asset", "asset", existing.ID, "remote", rf.ID)
		stats.Matched++
		return nil
	}

	mimeType := rf.Mime
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}
	fileName := remoteFileName(rf, data, digest)

	asset := &Asset{
		ID:            r.idgen.New(),
		BookID:        bookID,
		ContentDigest: digest,
		FileName:      fileName,
		Extension:     path.Ext(fileName),
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		LocalPath:     ContentPath(bookID, digest, fileName),
		RemoteID:      rf.ID,
		RemoteURL:     rf.URL,
		Status:        StatusUploaded,
	}
	if IsImageMime(mimeType) {
		if w, h, ok := ProbeImage(data); ok {
			asset.Width, asset.Height = w, h
		}
	}

	if _, err := r.store.Write(asset.LocalPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	if err := r.ledger.CreateAsset(asset); err != nil {
		return fmt.Errorf("creating asset: %w", err)
	}

	r.logger.Debug("remote file downloaded", "asset", asset.ID, "remote", rf.ID, "digest", digest)
	stats.Downloaded++
	return nil
}

// remoteFileName picks a file name for downloaded content: the URL's
// base name when it carries an extension, otherwise a digest-derived
// name with a sniffed extension.
func remoteFileName(rf RemoteFile, data []byte, digest string) string {
	if u, err := url.Parse(rf.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && path.Ext(base) != "" {
			return base
		}
	}
	return digest[:12] + mimetype.Detect(data).Extension()
}
