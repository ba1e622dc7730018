package quill

// Ledger provides durable storage for asset, link and node records.
// Implementations must keep the invariants the service layer relies on:
// one asset per (book, digest), at most one link per singleton
// (entity, role), and orphan queries that see exactly the assets with
// zero links.
type Ledger interface {
	// Books returns the distinct book namespaces known to the ledger,
	// across assets and nodes.
	Books() ([]string, error)

	// Asset operations

	// CreateAsset inserts a new asset row. The caller fills every field
	// except timestamps, which the ledger sets.
	CreateAsset(asset *Asset) error

	// FindAssetByID returns the asset with the given id, or ErrNotFound.
	FindAssetByID(id string) (*Asset, error)

	// FindAssetByDigest returns the asset with the given content digest
	// inside a book namespace, or nil when none exists.
	FindAssetByDigest(bookID, digest string) (*Asset, error)

	// FindAssetByRemoteID returns the asset matched to a remote file id,
	// or nil when the remote file is unknown locally.
	FindAssetByRemoteID(bookID, remoteID string) (*Asset, error)

	// ListAssets returns all assets in a book namespace.
	ListAssets(bookID string) ([]*Asset, error)

	// ListPending returns the assets with status pending_upload in a book
	// namespace. An asset appears at most once.
	ListPending(bookID string) ([]*Asset, error)

	// MarkUploaded records a successful upload: status uploaded plus the
	// server-assigned id and URL.
	MarkUploaded(assetID, remoteID, remoteURL string) error

	// MarkFailed records a failed upload attempt. The asset stays out of
	// the pending list until explicitly re-queued.
	MarkFailed(assetID string) error

	// EnsureQueued flips an asset back to pending_upload when it is
	// failed or has never reached the server. Already-uploaded assets
	// are left alone. This is the single re-queue path used by both
	// import-reuse and manual retry.
	EnsureQueued(assetID string) error

	// DeleteAsset removes the asset row. Fails while links still
	// reference it.
	DeleteAsset(assetID string) error

	// Link operations

	// UpsertLink attaches an asset to an entity in a role. For singleton
	// roles an existing link for (entityType, entityID, role) is updated
	// in place, keeping its id; otherwise a new link is inserted.
	UpsertLink(assetID string, target LinkTarget, meta LinkMeta) (*Link, error)

	// DeleteLink removes one link by id.
	DeleteLink(linkID string) error

	// DeleteLinksForEntityRole detaches every link an entity holds in a
	// role, without the caller knowing which asset is attached.
	DeleteLinksForEntityRole(entityType, entityID string, role Role) error

	// LinksForAsset returns every link referencing an asset.
	LinksForAsset(assetID string) ([]*Link, error)

	// LinksForEntity returns every link held by an entity.
	LinksForEntity(entityType, entityID string) ([]*Link, error)

	// PrimaryLink returns the oldest link referencing an asset, or nil
	// when the asset is an orphan. Its metadata rides along on upload.
	PrimaryLink(assetID string) (*Link, error)

	// Orphans returns exactly the assets in a book namespace with zero
	// referencing links.
	Orphans(bookID string) ([]*Asset, error)

	// Node operations

	// CreateNode inserts a hierarchy node with idle/none sync fields.
	CreateNode(node *Node) error

	// FindNode returns a node by id, or ErrNotFound.
	FindNode(id string) (*Node, error)

	// ListNodes returns all nodes of a book.
	ListNodes(bookID string) ([]*Node, error)

	// MarkNodeDirty records a local mutation: a fresh local revision and
	// sync state dirty.
	MarkNodeDirty(nodeID, revLocal string) error

	// SetNodeSyncState moves a node to the given sync state.
	SetNodeSyncState(nodeID string, state SyncState) error

	// CompleteNodePush records a green-path push: cloud revision set to
	// the server-assigned token, state idle, conflict cleared.
	CompleteNodePush(nodeID, revCloud string) error

	// AdoptRemoteRevision records a pull that won: both revisions set to
	// the server token, state idle, conflict cleared.
	AdoptRemoteRevision(nodeID, rev string) error

	// FlagNodeConflict marks a node needs_review and returns its sync
	// state to dirty so the local edit is preserved.
	FlagNodeConflict(nodeID string) error

	// Close closes the underlying database.
	Close() error
}
