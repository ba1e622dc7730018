package quill

import (
	"context"
	"fmt"
	"sync"
)

// DefaultUploadWorkers bounds simultaneous transfers. Small on purpose:
// it caps bandwidth use and the memory held by in-flight byte buffers.
const DefaultUploadWorkers = 2

// UploadStats summarizes one drain pass.
type UploadStats struct {
	Uploaded int
	Failed   int
	Skipped  int // already claimed by another transfer
}

// Uploader drains assets in pending_upload state to the remote service
// with bounded concurrency. A per-asset guard prevents the same asset
// from being transferred twice concurrently; a per-book single-flight
// makes overlapping Drain calls for one scope a no-op.
type Uploader struct {
	ledger  Ledger
	store   ContentStore
	remote  RemoteClient
	guard   *Guard
	logger  Logger
	workers int

	mu       sync.Mutex
	draining map[string]struct{}
}

// NewUploader creates an Uploader. workers <= 0 selects the default.
func NewUploader(ledger Ledger, store ContentStore, remote RemoteClient, guard *Guard, logger Logger, workers int) *Uploader {
	if workers <= 0 {
		workers = DefaultUploadWorkers
	}
	return &Uploader{
		ledger:   ledger,
		store:    store,
		remote:   remote,
		guard:    guard,
		logger:   logger,
		workers:  workers,
		draining: make(map[string]struct{}),
	}
}

// Drain uploads every pending asset in a book namespace. One bad asset
// never blocks the rest of the batch: failures are recorded per asset
// (status failed) and counted in the returned stats. Calling Drain while
// a previous Drain for the same book is still running returns
// immediately with empty stats.
func (u *Uploader) Drain(ctx context.Context, bookID string) (UploadStats, error) {
	u.mu.Lock()
	if _, busy := u.draining[bookID]; busy {
		u.mu.Unlock()
		u.logger.Debug("drain already running", "book", bookID)
		return UploadStats{}, nil
	}
	u.draining[bookID] = struct{}{}
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		delete(u.draining, bookID)
		u.mu.Unlock()
	}()

	pending, err := u.ledger.ListPending(bookID)
	if err != nil {
		return UploadStats{}, fmt.Errorf("listing pending assets: %w", err)
	}

	var stats UploadStats
	claimed := make([]*Asset, 0, len(pending))
	for _, asset := range pending {
		if !u.guard.TryAcquire(asset.ID) {
			stats.Skipped++
			continue
		}
		claimed = append(claimed, asset)
	}

	if len(claimed) == 0 {
		return stats, nil
	}

	jobs := make(chan *Asset)
	results := make(chan error, len(claimed))

	var wg sync.WaitGroup
	for i := 0; i < u.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for asset := range jobs {
				err := u.uploadOne(ctx, bookID, asset)
				u.guard.Release(asset.ID)
				results <- err
			}
		}()
	}

	for _, asset := range claimed {
		jobs <- asset
	}
	close(jobs)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			stats.Failed++
		} else {
			stats.Uploaded++
		}
	}

	u.logger.Info("drain complete", "book", bookID,
		"uploaded", stats.Uploaded, "failed", stats.Failed, "skipped", stats.Skipped)
	return stats, nil
}

// uploadOne pushes a single asset and records the outcome in the ledger.
// Any failure (missing local bytes, network, server rejection) marks the
// asset failed; it re-enters the pending list only via an explicit
// re-queue, so a down server is not hammered in a tight loop.
func (u *Uploader) uploadOne(ctx context.Context, bookID string, asset *Asset) error {
	req := UploadRequest{
		FileName: asset.FileName,
		Mime:     asset.MimeType,
		Size:     asset.SizeBytes,
	}

	// Role/tag/description metadata rides along from the asset's primary link.
	link, err := u.ledger.PrimaryLink(asset.ID)
	if err != nil {
		return u.fail(asset, fmt.Errorf("loading primary link: %w", err))
	}
	if link != nil {
		req.Tags = link.Tags
		req.Description = link.Description
	}

	content, err := u.store.Open(asset.LocalPath)
	if err != nil {
		return u.fail(asset, fmt.Errorf("opening local content: %w", err))
	}
	defer content.Close()
	req.Content = content

	remote, err := u.remote.UploadFile(ctx, bookID, req)
	if err != nil {
		return u.fail(asset, fmt.Errorf("uploading: %w", err))
	}

	if err := u.ledger.MarkUploaded(asset.ID, remote.ID, remote.URL); err != nil {
		return fmt.Errorf("recording upload of %s: %w", asset.ID, err)
	}

	u.logger.Debug("asset uploaded", "asset", asset.ID, "remote", remote.ID)
	return nil
}

func (u *Uploader) fail(asset *Asset, cause error) error {
	if err := u.ledger.MarkFailed(asset.ID); err != nil {
		u.logger.Error("recording upload failure", "asset", asset.ID, "error", err)
	}
	u.logger.Warn("asset upload failed", "asset", asset.ID, "error", cause)
	return cause
}
