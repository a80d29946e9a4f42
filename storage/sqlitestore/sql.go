package sqlitestore

// createSQL is a single inlined schema string run through
// sqlitex.ExecScript at Init time.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- Rows is the untrusted row store: a K2V-alike partitioned
-- key/value table where concurrent writers that raced on the same
-- (Shard, Sort) address each keep their own WriterTag sibling instead of
-- one clobbering the other.
CREATE TABLE IF NOT EXISTS Rows (
	Shard     TEXT    NOT NULL,
	Sort      TEXT    NOT NULL,
	WriterTag TEXT    NOT NULL,
	Version   INTEGER NOT NULL,
	Tombstone BOOLEAN NOT NULL,
	Value     BLOB    NOT NULL,

	PRIMARY KEY (Shard, Sort, WriterTag)
);

CREATE INDEX IF NOT EXISTS RowsByAddress ON Rows (Shard, Sort);

-- Blobs is the untrusted blob store. Content is written and
-- read through SQLite's incremental blob API (conn.OpenBlob), since
-- encrypted mail and calendar bodies can be large.
CREATE TABLE IF NOT EXISTS Blobs (
	BlobID   INTEGER PRIMARY KEY,
	Address  TEXT    NOT NULL UNIQUE,
	Metadata TEXT    NOT NULL, -- JSON-encoded map[string]string
	ETag     TEXT    NOT NULL,
	Content  BLOB    NOT NULL
);
`
