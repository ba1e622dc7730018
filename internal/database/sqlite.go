package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quill/internal/database/migrations"
	"quill/internal/quill"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteLedger implements the quill.Ledger interface using SQLite.
type SQLiteLedger struct {
	db    *sql.DB
	path  string
	clock quill.Clock
	idgen quill.IDGenerator
}

// NewSQLiteLedger creates a new SQLite-backed ledger.
// path can be a file path or ":memory:" for an in-memory database.
// clock and idgen may be nil, selecting the real implementations.
func NewSQLiteLedger(path string, clock quill.Clock, idgen quill.IDGenerator) (*SQLiteLedger, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	l := newLedgerFromDB(db, clock, idgen)
	l.path = path
	return l, nil
}

// NewSQLiteLedgerFromDB wraps an existing connection. The caller is
// responsible for ensuring the connection is properly configured.
func NewSQLiteLedgerFromDB(db *sql.DB, clock quill.Clock, idgen quill.IDGenerator) *SQLiteLedger {
	return newLedgerFromDB(db, clock, idgen)
}

func newLedgerFromDB(db *sql.DB, clock quill.Clock, idgen quill.IDGenerator) *SQLiteLedger {
	if clock == nil {
		clock = quill.RealClock{}
	}
	if idgen == nil {
		idgen = quill.UUIDGenerator{}
	}
	return &SQLiteLedger{db: db, clock: clock, idgen: idgen}
}

// OpenConnection opens and configures a SQLite connection with the
// PRAGMAs the ledger relies on.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys default to OFF in SQLite for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

const assetColumns = `id, book_id, content_digest, file_name, extension, mime_type,
	size_bytes, width, height, local_path, remote_id, remote_url, status,
	created_at, updated_at`

func scanAsset(row interface{ Scan(...any) error }) (*quill.Asset, error) {
	var a quill.Asset
	var status string
	err := row.Scan(&a.ID, &a.BookID, &a.ContentDigest, &a.FileName, &a.Extension,
		&a.MimeType, &a.SizeBytes, &a.Width, &a.Height, &a.LocalPath,
		&a.RemoteID, &a.RemoteURL, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = quill.AssetStatus(status)
	return &a, nil
}

// Books returns the distinct book namespaces across assets and nodes.
func (l *SQLiteLedger) Books() ([]string, error) {
	rows, err := l.db.Query(`SELECT book_id FROM assets UNION SELECT book_id FROM nodes ORDER BY book_id`)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning book id: %w", err)
		}
		books = append(books, id)
	}
	return books, rows.Err()
}

// Asset operations

func (l *SQLiteLedger) CreateAsset(asset *quill.Asset) error {
	now := l.clock.Now()
	asset.CreatedAt = now
	asset.UpdatedAt = now

	_, err := l.db.Exec(`INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID, asset.BookID, asset.ContentDigest, asset.FileName, asset.Extension,
		asset.MimeType, asset.SizeBytes, asset.Width, asset.Height, asset.LocalPath,
		asset.RemoteID, asset.RemoteURL, string(asset.Status), asset.CreatedAt, asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating asset: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) FindAssetByID(id string) (*quill.Asset, error) {
	row := l.db.QueryRow(`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", id, quill.ErrNotFound)
		}
		return nil, fmt.Errorf("finding asset by id: %w", err)
	}
	return asset, nil
}

func (l *SQLiteLedger) FindAssetByDigest(bookID, digest string) (*quill.Asset, error) {
	row := l.db.QueryRow(`SELECT `+assetColumns+` FROM assets WHERE book_id = ? AND content_digest = ?`,
		bookID, digest)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding asset by digest: %w", err)
	}
	return asset, nil
}

func (l *SQLiteLedger) FindAssetByRemoteID(bookID, remoteID string) (*quill.Asset, error) {
	if remoteID == "" {
		return nil, nil
	}
	row := l.db.QueryRow(`SELECT `+assetColumns+` FROM assets WHERE book_id = ? AND remote_id = ?`,
		bookID, remoteID)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding asset by remote id: %w", err)
	}
	return asset, nil
}

func (l *SQLiteLedger) listAssets(query string, args ...any) ([]*quill.Asset, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*quill.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (l *SQLiteLedger) ListAssets(bookID string) ([]*quill.Asset, error) {
	assets, err := l.listAssets(`SELECT `+assetColumns+` FROM assets WHERE book_id = ? ORDER BY created_at, id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	return assets, nil
}

func (l *SQLiteLedger) ListPending(bookID string) ([]*quill.Asset, error) {
	assets, err := l.listAssets(`SELECT `+assetColumns+` FROM assets
		WHERE book_id = ? AND status = ? ORDER BY created_at, id`,
		bookID, string(quill.StatusPendingUpload))
	if err != nil {
		return nil, fmt.Errorf("listing pending assets: %w", err)
	}
	return assets, nil
}

func (l *SQLiteLedger) MarkUploaded(assetID, remoteID, remoteURL string) error {
	if remoteURL == "" {
		return fmt.Errorf("marking asset %s uploaded: empty remote URL", assetID)
	}
	res, err := l.db.Exec(`UPDATE assets SET status = ?, remote_id = ?, remote_url = ?, updated_at = ?
		WHERE id = ?`,
		string(quill.StatusUploaded), remoteID, remoteURL, l.clock.Now(), assetID)
	if err != nil {
		return fmt.Errorf("marking asset uploaded: %w", err)
	}
	return requireRow(res, assetID)
}

func (l *SQLiteLedger) MarkFailed(assetID string) error {
	res, err := l.db.Exec(`UPDATE assets SET status = ?, updated_at = ? WHERE id = ?`,
		string(quill.StatusFailed), l.clock.Now(), assetID)
	if err != nil {
		return fmt.Errorf("marking asset failed: %w", err)
	}
	return requireRow(res, assetID)
}

// EnsureQueued flips an asset back to pending_upload when it is failed or
// has never reached the server. The condition lives here, in one place,
// so import-reuse and manual retry cannot drift apart.
func (l *SQLiteLedger) EnsureQueued(assetID string) error {
	if _, err := l.FindAssetByID(assetID); err != nil {
		return err
	}
	_, err := l.db.Exec(`UPDATE assets SET status = ?, updated_at = ?
		WHERE id = ? AND (status = ? OR remote_url = '')`,
		string(quill.StatusPendingUpload), l.clock.Now(), assetID,
		string(quill.StatusFailed))
	if err != nil {
		return fmt.Errorf("re-queueing asset: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) DeleteAsset(assetID string) error {
	var links int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM links WHERE asset_id = ?`, assetID).Scan(&links); err != nil {
		return fmt.Errorf("counting links: %w", err)
	}
	if links > 0 {
		return fmt.Errorf("asset %s still has %d link(s)", assetID, links)
	}

	res, err := l.db.Exec(`DELETE FROM assets WHERE id = ?`, assetID)
	if err != nil {
		return fmt.Errorf("deleting asset: %w", err)
	}
	return requireRow(res, assetID)
}

// Link operations

const linkColumns = `id, asset_id, entity_type, entity_id, role, sort_order, tags, description, created_at, updated_at`

func scanLink(row interface{ Scan(...any) error }) (*quill.Link, error) {
	var link quill.Link
	var role, tags string
	err := row.Scan(&link.ID, &link.AssetID, &link.EntityType, &link.EntityID, &role,
		&link.SortOrder, &tags, &link.Description, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return nil, err
	}
	link.Role = quill.Role(role)
	if err := json.Unmarshal([]byte(tags), &link.Tags); err != nil {
		return nil, fmt.Errorf("decoding link tags: %w", err)
	}
	return &link, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding link tags: %w", err)
	}
	return string(data), nil
}

// UpsertLink attaches an asset to an entity in a role, inside one
// transaction. For a singleton role an existing link for the
// (entityType, entityID, role) tuple is updated in place (same link id,
// new asset and metadata), so the previous cover or avatar is retired
// without deleting its asset.
func (l *SQLiteLedger) UpsertLink(assetID string, target quill.LinkTarget, meta quill.LinkMeta) (*quill.Link, error) {
	tags, err := encodeTags(meta.Tags)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	tx, err := l.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var linkID string
	if target.Role.Singleton() {
		err := tx.QueryRow(`SELECT id FROM links
			WHERE entity_type = ? AND entity_id = ? AND role = ?`,
			target.EntityType, target.EntityID, string(target.Role)).Scan(&linkID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("finding existing link: %w", err)
		}
	}

	if linkID != "" {
		_, err = tx.Exec(`UPDATE links SET asset_id = ?, sort_order = ?, tags = ?, description = ?, updated_at = ?
			WHERE id = ?`,
			assetID, meta.SortOrder, tags, meta.Description, now, linkID)
		if err != nil {
			return nil, fmt.Errorf("updating link: %w", err)
		}
	} else {
		linkID = l.idgen.New()
		_, err = tx.Exec(`INSERT INTO links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			linkID, assetID, target.EntityType, target.EntityID, string(target.Role),
			meta.SortOrder, tags, meta.Description, now, now)
		if err != nil {
			return nil, fmt.Errorf("inserting link: %w", err)
		}
	}

	row := tx.QueryRow(`SELECT `+linkColumns+` FROM links WHERE id = ?`, linkID)
	link, err := scanLink(row)
	if err != nil {
		return nil, fmt.Errorf("reloading link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return link, nil
}

func (l *SQLiteLedger) DeleteLink(linkID string) error {
	res, err := l.db.Exec(`DELETE FROM links WHERE id = ?`, linkID)
	if err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}
	return requireRow(res, linkID)
}

func (l *SQLiteLedger) DeleteLinksForEntityRole(entityType, entityID string, role quill.Role) error {
	_, err := l.db.Exec(`DELETE FROM links WHERE entity_type = ? AND entity_id = ? AND role = ?`,
		entityType, entityID, string(role))
	if err != nil {
		return fmt.Errorf("deleting links for entity role: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) listLinks(query string, args ...any) ([]*quill.Link, error) {
	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*quill.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (l *SQLiteLedger) LinksForAsset(assetID string) ([]*quill.Link, error) {
	links, err := l.listLinks(`SELECT `+linkColumns+` FROM links WHERE asset_id = ? ORDER BY created_at, id`, assetID)
	if err != nil {
		return nil, fmt.Errorf("listing links for asset: %w", err)
	}
	return links, nil
}

func (l *SQLiteLedger) LinksForEntity(entityType, entityID string) ([]*quill.Link, error) {
	links, err := l.listLinks(`SELECT `+linkColumns+` FROM links
		WHERE entity_type = ? AND entity_id = ? ORDER BY sort_order, created_at, id`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("listing links for entity: %w", err)
	}
	return links, nil
}

func (l *SQLiteLedger) PrimaryLink(assetID string) (*quill.Link, error) {
	row := l.db.QueryRow(`SELECT `+linkColumns+` FROM links WHERE asset_id = ?
		ORDER BY created_at, id LIMIT 1`, assetID)
	link, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Orphan
		}
		return nil, fmt.Errorf("finding primary link: %w", err)
	}
	return link, nil
}

func (l *SQLiteLedger) Orphans(bookID string) ([]*quill.Asset, error) {
	assets, err := l.listAssets(`SELECT a.id, a.book_id, a.content_digest, a.file_name, a.extension,
		a.mime_type, a.size_bytes, a.width, a.height, a.local_path,
		a.remote_id, a.remote_url, a.status, a.created_at, a.updated_at
		FROM assets a LEFT JOIN links l ON l.asset_id = a.id
		WHERE a.book_id = ? AND l.id IS NULL
		ORDER BY a.created_at, a.id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing orphans: %w", err)
	}
	return assets, nil
}

// Node operations

const nodeColumns = `id, book_id, kind, parent_id, title, rev_local, rev_cloud, sync_state, conflict_state, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*quill.Node, error) {
	var n quill.Node
	var syncState, conflictState string
	err := row.Scan(&n.ID, &n.BookID, &n.Kind, &n.ParentID, &n.Title,
		&n.RevLocal, &n.RevCloud, &syncState, &conflictState, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.SyncState = quill.SyncState(syncState)
	n.ConflictState = quill.ConflictState(conflictState)
	return &n, nil
}

func (l *SQLiteLedger) CreateNode(node *quill.Node) error {
	if node.SyncState == "" {
		node.SyncState = quill.SyncIdle
	}
	if node.ConflictState == "" {
		node.ConflictState = quill.ConflictNone
	}
	node.UpdatedAt = l.clock.Now()

	_, err := l.db.Exec(`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.BookID, node.Kind, node.ParentID, node.Title,
		node.RevLocal, node.RevCloud, string(node.SyncState), string(node.ConflictState), node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) FindNode(id string) (*quill.Node, error) {
	row := l.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", id, quill.ErrNotFound)
		}
		return nil, fmt.Errorf("finding node: %w", err)
	}
	return node, nil
}

func (l *SQLiteLedger) ListNodes(bookID string) ([]*quill.Node, error) {
	rows, err := l.db.Query(`SELECT `+nodeColumns+` FROM nodes WHERE book_id = ? ORDER BY kind, id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*quill.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (l *SQLiteLedger) MarkNodeDirty(nodeID, revLocal string) error {
	res, err := l.db.Exec(`UPDATE nodes SET rev_local = ?, sync_state = ?, updated_at = ? WHERE id = ?`,
		revLocal, string(quill.SyncDirty), l.clock.Now(), nodeID)
	if err != nil {
		return fmt.Errorf("marking node dirty: %w", err)
	}
	return requireRow(res, nodeID)
}

func (l *SQLiteLedger) SetNodeSyncState(nodeID string, state quill.SyncState) error {
	res, err := l.db.Exec(`UPDATE nodes SET sync_state = ?, updated_at = ? WHERE id = ?`,
		string(state), l.clock.Now(), nodeID)
	if err != nil {
		return fmt.Errorf("setting node sync state: %w", err)
	}
	return requireRow(res, nodeID)
}

func (l *SQLiteLedger) CompleteNodePush(nodeID, revCloud string) error {
	res, err := l.db.Exec(`UPDATE nodes SET rev_cloud = ?, sync_state = ?, conflict_state = ?, updated_at = ?
		WHERE id = ?`,
		revCloud, string(quill.SyncIdle), string(quill.ConflictNone), l.clock.Now(), nodeID)
	if err != nil {
		return fmt.Errorf("completing node push: %w", err)
	}
	return requireRow(res, nodeID)
}

func (l *SQLiteLedger) AdoptRemoteRevision(nodeID, rev string) error {
	res, err := l.db.Exec(`UPDATE nodes SET rev_local = ?, rev_cloud = ?, sync_state = ?, conflict_state = ?, updated_at = ?
		WHERE id = ?`,
		rev, rev, string(quill.SyncIdle), string(quill.ConflictNone), l.clock.Now(), nodeID)
	if err != nil {
		return fmt.Errorf("adopting remote revision: %w", err)
	}
	return requireRow(res, nodeID)
}

func (l *SQLiteLedger) FlagNodeConflict(nodeID string) error {
	res, err := l.db.Exec(`UPDATE nodes SET conflict_state = ?, sync_state = ?, updated_at = ? WHERE id = ?`,
		string(quill.ConflictNeedsReview), string(quill.SyncDirty), l.clock.Now(), nodeID)
	if err != nil {
		return fmt.Errorf("flagging node conflict: %w", err)
	}
	return requireRow(res, nodeID)
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, quill.ErrNotFound)
	}
	return nil
}

// Path returns the database file path (or ":memory:").
func (l *SQLiteLedger) Path() string {
	return l.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (l *SQLiteLedger) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(l.db)
}

// MigrateUp brings the database schema to the latest version.
func (l *SQLiteLedger) MigrateUp() error {
	return migrations.MigrateUp(l.db)
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteLedger implements quill.Ledger
var _ quill.Ledger = (*SQLiteLedger)(nil)
