package quill

import (
	"context"
	"fmt"
	"time"
)

// DefaultSyncInterval is how often the background loop reconciles with
// the server when nothing else triggers it.
const DefaultSyncInterval = 30 * time.Second

// SyncReport aggregates one full sync pass across all books.
type SyncReport struct {
	Uploads   UploadStats
	Downloads ReconcileStats
	Nodes     NodeSyncStats
}

// Syncer drives the periodic sync cycle: drain pending uploads,
// reconcile remote manifests, then sync hierarchy nodes. A Kick (the
// network-regained event) triggers an immediate pass. Overlapping passes
// are safe: the uploader's single-flight makes a second drain for the
// same book a no-op.
type Syncer struct {
	ledger     Ledger
	uploader   *Uploader
	reconciler *Reconciler
	tracker    *Tracker
	logger     Logger
	interval   time.Duration
	kick       chan struct{}
}

// NewSyncer creates a Syncer. interval <= 0 selects the default.
func NewSyncer(ledger Ledger, uploader *Uploader, reconciler *Reconciler, tracker *Tracker, logger Logger, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Syncer{
		ledger:     ledger,
		uploader:   uploader,
		reconciler: reconciler,
		tracker:    tracker,
		logger:     logger,
		interval:   interval,
		kick:       make(chan struct{}, 1),
	}
}

// Kick requests an immediate sync pass, typically on network regained.
// Never blocks; a pending kick coalesces with later ones.
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes sync passes until ctx is cancelled: one immediately, then
// on every tick or kick.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("sync pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		if _, err := s.SyncOnce(ctx); err != nil {
			s.logger.Warn("sync pass failed", "error", err)
		}
	}
}

// SyncOnce runs a single full pass over every known book. Per-book
// failures are logged and aggregated, not fatal: one unreachable book
// must not starve the others.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	books, err := s.ledger.Books()
	if err != nil {
		return SyncReport{}, fmt.Errorf("listing books: %w", err)
	}

	var report SyncReport
	for _, bookID := range books {
		up, err := s.uploader.Drain(ctx, bookID)
		if err != nil {
			s.logger.Warn("drain failed", "book", bookID, "error", err)
		}
		report.Uploads.Uploaded += up.Uploaded
		report.Uploads.Failed += up.Failed
		report.Uploads.Skipped += up.Skipped

		down, err := s.reconciler.Reconcile(ctx, bookID)
		if err != nil {
			s.logger.Warn("reconcile failed", "book", bookID, "error", err)
		}
		report.Downloads.Downloaded += down.Downloaded
		report.Downloads.Matched += down.Matched
		report.Downloads.Known += down.Known
		report.Downloads.Skipped += down.Skipped
		report.Downloads.Failed += down.Failed

		nodes, err := s.tracker.SyncAll(ctx, bookID)
		if err != nil {
			s.logger.Warn("node sync failed", "book", bookID, "error", err)
		}
		report.Nodes.Pushed += nodes.Pushed
		report.Nodes.Pulled += nodes.Pulled
		report.Nodes.Unchanged += nodes.Unchanged
		report.Nodes.Conflicted += nodes.Conflicted
		report.Nodes.Failed += nodes.Failed
	}
	return report, nil
}
