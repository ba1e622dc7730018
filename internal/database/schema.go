package database

// Schema is the complete current schema, kept in sync with the migration
// files. Tests apply it directly to in-memory databases instead of
// running the migration chain.
const Schema = `
CREATE TABLE assets (
    id             TEXT PRIMARY KEY,
    book_id        TEXT NOT NULL,
    content_digest TEXT NOT NULL,
    file_name      TEXT NOT NULL,
    extension      TEXT NOT NULL DEFAULT '',
    mime_type      TEXT NOT NULL,
    size_bytes     INTEGER NOT NULL,
    width          INTEGER NOT NULL DEFAULT 0,
    height         INTEGER NOT NULL DEFAULT 0,
    local_path     TEXT NOT NULL DEFAULT '',
    remote_id      TEXT NOT NULL DEFAULT '',
    remote_url     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL,
    UNIQUE (book_id, content_digest)
);

CREATE INDEX idx_assets_pending ON assets (book_id, status);
CREATE INDEX idx_assets_remote  ON assets (book_id, remote_id);

CREATE TABLE links (
    id          TEXT PRIMARY KEY,
    asset_id    TEXT NOT NULL REFERENCES assets (id),
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    role        TEXT NOT NULL,
    sort_order  INTEGER NOT NULL DEFAULT 0,
    tags        TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX idx_links_entity ON links (entity_type, entity_id, role);
CREATE INDEX idx_links_asset  ON links (asset_id);

CREATE TABLE nodes (
    id             TEXT PRIMARY KEY,
    book_id        TEXT NOT NULL,
    kind           TEXT NOT NULL,
    parent_id      TEXT NOT NULL DEFAULT '',
    title          TEXT NOT NULL DEFAULT '',
    rev_local      TEXT NOT NULL DEFAULT '',
    rev_cloud      TEXT NOT NULL DEFAULT '',
    sync_state     TEXT NOT NULL DEFAULT 'idle',
    conflict_state TEXT NOT NULL DEFAULT 'none',
    updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX idx_nodes_book ON nodes (book_id);
`
