package store

// Schema notes:
//   - messages(project_id, ts) is the append-only primary key; a summary
//     row gets its own fresh ts just above the range it replaces.
//   - superseded rows stay in place until the grace-period purge so
//     concurrent readers never observe a gap.
//   - project_state carries a per-field updated_at for the DB-wins gate.
//   - blobs are keyed by BLAKE3 content address; expiry nulls the content
//     and leaves a tombstone row.
const schema = `
CREATE TABLE IF NOT EXISTS core_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS projects (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	tags           TEXT NOT NULL DEFAULT '[]',
	meta           TEXT NOT NULL DEFAULT '{}',
	archived       INTEGER NOT NULL DEFAULT 0,
	last_opened_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS project_state (
	project_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, key)
);

CREATE TABLE IF NOT EXISTS project_notes (
	project_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	note       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (project_id, seq)
);

CREATE TABLE IF NOT EXISTS messages (
	project_id      TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	id              TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	pinned          INTEGER NOT NULL DEFAULT 0,
	blob_id         TEXT,
	superseded_by   TEXT,
	superseded_at   INTEGER,
	supersedes_from INTEGER NOT NULL DEFAULT 0,
	supersedes_to   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, ts)
);

CREATE INDEX IF NOT EXISTS idx_messages_live
	ON messages(project_id, ts) WHERE superseded_by IS NULL;

CREATE TABLE IF NOT EXISTS snapshots (
	project_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	document   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (project_id, version)
);

CREATE TABLE IF NOT EXISTS kv (
	ns    TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (ns, key)
);

CREATE TABLE IF NOT EXISTS blobs (
	id         TEXT PRIMARY KEY,
	content    BLOB,
	size       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	tombstone  INTEGER NOT NULL DEFAULT 0
);
`
