package quill

import (
	"bytes"
	"fmt"
	"mime"
	"path"
)

// ImportLimits bounds what Import accepts. A zero MaxUploadSize or empty
// AllowedTypes disables the respective check.
type ImportLimits struct {
	MaxUploadSize int64
	AllowedTypes  []string
}

// Manager orchestrates asset import: hash, dedup check, content-store
// write, ledger rows, link upsert. It also owns unlink and orphan
// garbage collection.
type Manager struct {
	ledger  Ledger
	store   ContentStore
	logger  Logger
	clock   Clock
	idgen   IDGenerator
	limits  ImportLimits
	allowed map[string]struct{}
}

// NewManager creates a Manager with the provided dependencies.
func NewManager(ledger Ledger, store ContentStore, logger Logger, clock Clock, idgen IDGenerator, limits ImportLimits) *Manager {
	allowed := make(map[string]struct{}, len(limits.AllowedTypes))
	for _, t := range limits.AllowedTypes {
		allowed[t] = struct{}{}
	}
	return &Manager{
		ledger:  ledger,
		store:   store,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
		limits:  limits,
		allowed: allowed,
	}
}

// Import stores content for a book and links it to the target entity.
//
// Identical bytes are never written twice: when an asset with the same
// digest already exists the link is upserted against it and, if its last
// upload failed or never happened, it is re-queued for upload. The
// returned Reference reports whether the asset was reused and its
// current upload status.
func (m *Manager) Import(data []byte, mimeType, fileName, bookID string, target LinkTarget, meta LinkMeta) (*Reference, error) {
	if err := m.validate(data, mimeType); err != nil {
		return nil, err
	}

	digest := DigestBytes(data)

	existing, err := m.ledger.FindAssetByDigest(bookID, digest)
	if err != nil {
		return nil, fmt.Errorf("checking for existing asset: %w", err)
	}

	if existing != nil {
		return m.reuse(existing, target, meta)
	}

	fileName = normalizeFileName(fileName, mimeType, digest)
	asset := &Asset{
		ID:            m.idgen.New(),
		BookID:        bookID,
		ContentDigest: digest,
		FileName:      fileName,
		Extension:     path.Ext(fileName),
		MimeType:      mimeType,
		SizeBytes:     int64(len(data)),
		LocalPath:     ContentPath(bookID, digest, fileName),
		Status:        StatusPendingUpload,
	}
	if IsImageMime(mimeType) {
		if w, h, ok := ProbeImage(data); ok {
			asset.Width, asset.Height = w, h
		}
	}

	// Content first, ledger second: if the disk write fails no rows are
	// created, so every asset row always has valid bytes behind it. The
	// reverse failure leaves unreferenced bytes on disk, which is
	// harmless.
	if _, err := m.store.Write(asset.LocalPath, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	if err := m.ledger.CreateAsset(asset); err != nil {
		return nil, fmt.Errorf("creating asset: %w", err)
	}

	link, err := m.ledger.UpsertLink(asset.ID, target, meta)
	if err != nil {
		return nil, fmt.Errorf("linking asset: %w", err)
	}

	m.logger.Info("asset imported",
		"asset", asset.ID, "digest", digest, "book", bookID,
		"entity", target.EntityType+"/"+target.EntityID, "role", string(target.Role))

	return &Reference{
		AssetID:   asset.ID,
		LinkID:    link.ID,
		Digest:    digest,
		LocalPath: asset.LocalPath,
		Status:    asset.Status,
		WasReused: false,
	}, nil
}

// reuse links an existing asset to a new target and heals a previously
// failed upload by re-queueing it.
func (m *Manager) reuse(asset *Asset, target LinkTarget, meta LinkMeta) (*Reference, error) {
	link, err := m.ledger.UpsertLink(asset.ID, target, meta)
	if err != nil {
		return nil, fmt.Errorf("linking asset: %w", err)
	}

	if err := m.ledger.EnsureQueued(asset.ID); err != nil {
		return nil, fmt.Errorf("re-queueing asset: %w", err)
	}

	// Re-read for the post-heal status.
	current, err := m.ledger.FindAssetByID(asset.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading asset: %w", err)
	}

	m.logger.Debug("asset reused", "asset", asset.ID, "digest", asset.ContentDigest, "status", string(current.Status))

	return &Reference{
		AssetID:   current.ID,
		LinkID:    link.ID,
		Digest:    current.ContentDigest,
		LocalPath: current.LocalPath,
		Status:    current.Status,
		WasReused: true,
	}, nil
}

func (m *Manager) validate(data []byte, mimeType string) error {
	if m.limits.MaxUploadSize > 0 && int64(len(data)) > m.limits.MaxUploadSize {
		return &ValidationError{Reason: fmt.Sprintf("content size %d exceeds limit %d", len(data), m.limits.MaxUploadSize)}
	}
	if len(m.allowed) > 0 {
		if _, ok := m.allowed[mimeType]; !ok {
			return &ValidationError{Reason: "mime type not allowed: " + mimeType}
		}
	}
	return nil
}

// Unlink removes one link by id. The underlying asset stays, eligible for
// garbage collection once its last link is gone.
func (m *Manager) Unlink(linkID string) error {
	if err := m.ledger.DeleteLink(linkID); err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}
	return nil
}

// DetachRole removes whatever link an entity holds in a role, without the
// caller asserting which asset is attached.
func (m *Manager) DetachRole(entityType, entityID string, role Role) error {
	if err := m.ledger.DeleteLinksForEntityRole(entityType, entityID, role); err != nil {
		return fmt.Errorf("detaching role: %w", err)
	}
	return nil
}

// Retry re-queues a failed asset for upload.
func (m *Manager) Retry(assetID string) error {
	if err := m.ledger.EnsureQueued(assetID); err != nil {
		return fmt.Errorf("re-queueing asset: %w", err)
	}
	return nil
}

// Orphans returns the assets in a book with zero links.
func (m *Manager) Orphans(bookID string) ([]*Asset, error) {
	return m.ledger.Orphans(bookID)
}

// DeleteOrphans deletes content and ledger rows for every asset in a book
// with zero links, and only those. Returns the number deleted.
func (m *Manager) DeleteOrphans(bookID string) (int, error) {
	orphans, err := m.ledger.Orphans(bookID)
	if err != nil {
		return 0, fmt.Errorf("listing orphans: %w", err)
	}

	deleted := 0
	for _, asset := range orphans {
		if asset.LocalPath != "" {
			if err := m.store.Remove(asset.LocalPath); err != nil {
				return deleted, fmt.Errorf("removing content for %s: %w", asset.ID, err)
			}
		}
		if err := m.ledger.DeleteAsset(asset.ID); err != nil {
			return deleted, fmt.Errorf("deleting asset %s: %w", asset.ID, err)
		}
		deleted++
		m.logger.Info("orphan collected", "asset", asset.ID, "digest", asset.ContentDigest)
	}
	return deleted, nil
}

// normalizeFileName guarantees a usable file name for the content path.
// A missing name is derived from the digest; a missing extension from the
// declared mime type.
func normalizeFileName(fileName, mimeType, digest string) string {
	if fileName == "" {
		fileName = digest[:12]
	}
	if path.Ext(fileName) == "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			fileName += exts[0]
		} else {
			fileName += ".bin"
		}
	}
	return fileName
}
