package app

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"quill/internal/config"
	"quill/internal/database"
	"quill/internal/quill"
	"quill/internal/remote"
	"quill/internal/store"
)

// App is the application layer between the CLI and the quill services.
// It constructs all dependencies from config, holds the workspace lock,
// and manages resource lifecycle on Close.
type App struct {
	cfg        *config.Config
	ledger     quill.Ledger
	files      *store.FileStore
	manager    *quill.Manager
	uploader   *quill.Uploader
	reconciler *quill.Reconciler
	tracker    *quill.Tracker
	syncer     *quill.Syncer
	lock       *flock.Flock
	logFile    *os.File
}

// New creates a fully wired App from the given config. It acquires an
// exclusive workspace lock so two processes cannot mutate the same
// ledger and content store concurrently. The caller must call Close.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.BaseDir, "quill.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is in use by another quill process", cfg.BaseDir)
	}

	ledger, err := database.NewLedgerFromConfig(cfg.Database)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if err := ledger.CheckMigrations(); err != nil {
		ledger.Close()
		lock.Unlock()
		return nil, fmt.Errorf("ledger schema out of date: %w", err)
	}

	files, err := store.NewFileStore(cfg.Store.Root)
	if err != nil {
		ledger.Close()
		lock.Unlock()
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		ledger.Close()
		lock.Unlock()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	tokens := remote.NewFileTokenSource(cfg.Remote.TokenPath)
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, tokens, &http.Client{Timeout: 30 * time.Second})

	clock := quill.RealClock{}
	idgen := quill.UUIDGenerator{}
	guard := quill.NewGuard()

	limits := quill.ImportLimits{
		MaxUploadSize: cfg.Import.MaxUploadSize,
		AllowedTypes:  cfg.Import.AllowedTypes,
	}
	manager := quill.NewManager(ledger, files, logger, clock, idgen, limits)
	uploader := quill.NewUploader(ledger, files, client, guard, logger, cfg.Sync.UploadWorkers)
	reconciler := quill.NewReconciler(ledger, files, client, guard, logger, idgen)
	tracker := quill.NewTracker(ledger, client, files, logger, idgen)
	syncer := quill.NewSyncer(ledger, uploader, reconciler, tracker, logger, cfg.Sync.Interval())

	return &App{
		cfg:        cfg,
		ledger:     ledger,
		files:      files,
		manager:    manager,
		uploader:   uploader,
		reconciler: reconciler,
		tracker:    tracker,
		syncer:     syncer,
		lock:       lock,
		logFile:    logFile,
	}, nil
}

// ImportFile reads the file at rawPath and imports it as an asset
// attached to the given entity and role.
func (a *App) ImportFile(rawPath, bookID string, target quill.LinkTarget, meta quill.LinkMeta) (*quill.Reference, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, &quill.ValidationError{Reason: fmt.Sprintf("reading %s: %v", rawPath, err)}
	}

	fileName := filepath.Base(absPath)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}

	return a.manager.Import(data, mimeType, fileName, bookID, target, meta)
}

// Unlink removes a single link by id. The asset survives as an orphan.
func (a *App) Unlink(linkID string) error {
	return a.manager.Unlink(linkID)
}

// DetachRole removes every link an entity holds in the given role.
func (a *App) DetachRole(entityType, entityID string, role quill.Role) error {
	return a.manager.DetachRole(entityType, entityID, role)
}

// Retry re-queues a failed or never-uploaded asset for upload and kicks
// the syncer when one is running.
func (a *App) Retry(assetID string) error {
	if err := a.manager.Retry(assetID); err != nil {
		return err
	}
	a.syncer.Kick()
	return nil
}

// Orphans returns the assets in a book with no referencing links.
func (a *App) Orphans(bookID string) ([]*quill.Asset, error) {
	return a.manager.Orphans(bookID)
}

// DeleteOrphans removes orphaned assets from both the content store and
// the ledger, returning how many were deleted.
func (a *App) DeleteOrphans(bookID string) (int, error) {
	return a.manager.DeleteOrphans(bookID)
}

// BookStatus is the per-book view the status command renders.
type BookStatus struct {
	BookID     string
	Assets     []*quill.Asset
	Nodes      []*quill.Node
	Orphans    int
	Conflicted int
}

// Status collects asset and node state for a book.
func (a *App) Status(bookID string) (*BookStatus, error) {
	assets, err := a.ledger.ListAssets(bookID)
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	nodes, err := a.ledger.ListNodes(bookID)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	orphans, err := a.ledger.Orphans(bookID)
	if err != nil {
		return nil, fmt.Errorf("listing orphans: %w", err)
	}

	st := &BookStatus{BookID: bookID, Assets: assets, Nodes: nodes, Orphans: len(orphans)}
	for _, n := range nodes {
		if n.ConflictState == quill.ConflictNeedsReview {
			st.Conflicted++
		}
	}
	return st, nil
}

// Books returns every book namespace known to the ledger.
func (a *App) Books() ([]string, error) {
	return a.ledger.Books()
}

// SyncOnce runs a single full sync pass across all books.
func (a *App) SyncOnce(ctx context.Context) (quill.SyncReport, error) {
	return a.syncer.SyncOnce(ctx)
}

// Watch runs the background sync loop until ctx is cancelled.
func (a *App) Watch(ctx context.Context) error {
	return a.syncer.Run(ctx)
}

// Kick requests an immediate sync pass from a running Watch loop.
func (a *App) Kick() {
	a.syncer.Kick()
}

// EditNode records a local edit to a hierarchy node payload.
func (a *App) EditNode(nodeID string, payload []byte) error {
	return a.tracker.Edit(nodeID, payload)
}

// CreateNode registers a new hierarchy node in a book.
func (a *App) CreateNode(nodeID, bookID, kind string) error {
	return a.ledger.CreateNode(&quill.Node{ID: nodeID, BookID: bookID, Kind: kind})
}

// Resolve settles a conflicted node with the given choice.
func (a *App) Resolve(ctx context.Context, nodeID string, choice quill.ResolveChoice) error {
	return a.tracker.Resolve(ctx, nodeID, choice)
}

// Close releases the ledger, workspace lock and log file.
func (a *App) Close() error {
	var firstErr error

	if err := a.ledger.Close(); err != nil {
		firstErr = fmt.Errorf("closing ledger: %w", err)
	}

	if err := a.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("releasing workspace lock: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
