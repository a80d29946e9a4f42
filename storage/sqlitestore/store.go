// Package sqlitestore implements storage.Store over a local SQLite
// database: an untrusted, causality-tracked row store plus a blob store
// keyed by blob address.
//
// The package follows the pattern used throughout this codebase for every
// SQLite-backed component: a sqlitex.Pool opened with WAL mode, a single
// inline createSQL schema run through sqlitex.ExecScript, and large
// payloads read and written through the incremental blob API. BlobFetch
// buffers blob content in an iox.Filer buffer on the way out.
package sqlitestore

import (
	"context"
	"fmt"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Store is a SQLite-backed storage.Store. The zero value is not usable;
// construct with Open.
type Store struct {
	pool  *sqlitex.Pool
	filer *iox.Filer

	// Logf receives diagnostic messages. Defaults to a no-op.
	Logf func(format string, v ...interface{})
}

// Open opens (creating if necessary) a SQLite database at dbfile and
// initializes its schema.
func Open(dbfile string, filer *iox.Filer, poolSize int) (*Store, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: init open: %v", err)
	}
	if err := initSchema(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: init close: %v", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore.Open: pool: %v", err)
	}

	return &Store{
		pool:  pool,
		filer: filer,
		Logf:  func(string, ...interface{}) {},
	}, nil
}

func initSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

// withConn runs fn with a pooled connection, respecting ctx cancellation
// while waiting for one to free up.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn := s.pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer s.pool.Put(conn)
	return fn(conn)
}
