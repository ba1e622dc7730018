package quill

import "time"

// AssetStatus represents the upload lifecycle of an asset.
type AssetStatus string

const (
	StatusPendingUpload AssetStatus = "pending_upload"
	StatusUploaded      AssetStatus = "uploaded"
	StatusFailed        AssetStatus = "failed"
)

// Valid reports whether s is a known asset status.
func (s AssetStatus) Valid() bool {
	switch s {
	case StatusPendingUpload, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

// Role names the relationship between an asset and the entity it is
// attached to. Singleton roles allow at most one active link per entity.
type Role string

const (
	RoleCover        Role = "cover"
	RoleAvatar       Role = "avatar"
	RoleGallery      Role = "gallery"
	RoleIllustration Role = "illustration"
)

var singletonRoles = map[Role]struct{}{
	RoleCover:  {},
	RoleAvatar: {},
}

// Singleton reports whether an entity may carry at most one link in this role.
func (r Role) Singleton() bool {
	_, ok := singletonRoles[r]
	return ok
}

// Entity types linkable to assets. The document hierarchy types double as
// sync node kinds.
const (
	EntityBook      = "book"
	EntityVersion   = "version"
	EntityChapter   = "chapter"
	EntityScene     = "scene"
	EntityCharacter = "character"
)

// Asset is one unique piece of content, identified by its digest within a
// book namespace. Many links may reference one asset.
type Asset struct {
	ID            string
	BookID        string
	ContentDigest string // SHA-256 hex of the raw bytes
	FileName      string
	Extension     string
	MimeType      string
	SizeBytes     int64
	Width         int // 0 when not probed (non-image content)
	Height        int
	LocalPath     string // store-relative path; empty until bytes are cached locally
	RemoteID      string // empty until uploaded
	RemoteURL     string
	Status        AssetStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Link associates an asset with an entity in a given role. Links own the
// association metadata; the asset's lifecycle is independent.
type Link struct {
	ID          string
	AssetID     string
	EntityType  string
	EntityID    string
	Role        Role
	SortOrder   int
	Tags        []string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LinkTarget names the entity+role an import should attach to.
type LinkTarget struct {
	EntityType string
	EntityID   string
	Role       Role
}

// LinkMeta is the per-link metadata supplied at import or link time.
type LinkMeta struct {
	SortOrder   int
	Tags        []string
	Description string
}

// Reference is what Import returns: a stable handle on the stored asset
// plus the link that was created or updated for the caller's target.
type Reference struct {
	AssetID   string
	LinkID    string
	Digest    string
	LocalPath string
	Status    AssetStatus
	WasReused bool
}

// SyncState tracks where a hierarchy node is in the push/pull cycle.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncDirty   SyncState = "dirty"
	SyncPushing SyncState = "pushing"
	SyncPulling SyncState = "pulling"
)

// ConflictState flags divergence that must not be reconciled silently.
type ConflictState string

const (
	ConflictNone        ConflictState = "none"
	ConflictNeedsReview ConflictState = "needs_review"
)

// Node is one hierarchy node (book, version, chapter or scene) with its
// sync bookkeeping. Revision tokens are opaque: the server is the source
// of truth for what "changed" means, so they are only compared for
// equality, never ordered.
type Node struct {
	ID            string
	BookID        string
	Kind          string // EntityBook, EntityVersion, EntityChapter or EntityScene
	ParentID      string
	Title         string
	RevLocal      string
	RevCloud      string
	SyncState     SyncState
	ConflictState ConflictState
	UpdatedAt     time.Time
}

// ResolveChoice selects which side wins when resolving a conflicted node.
type ResolveChoice string

const (
	ResolveLocal ResolveChoice = "local"
	ResolveCloud ResolveChoice = "cloud"
	ResolveMerge ResolveChoice = "merge"
)
