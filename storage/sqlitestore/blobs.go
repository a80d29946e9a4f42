package sqlitestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"postvault.dev/storage"
)

// BlobFetch implements storage.BlobStore, reading content through SQLite's
// incremental blob API rather than a plain column scan.
func (s *Store) BlobFetch(ctx context.Context, addr storage.BlobAddress) (storage.BlobVal, error) {
	var val storage.BlobVal
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT BlobID, Metadata, ETag FROM Blobs WHERE Address = $addr;`)
		stmt.SetText("$addr", string(addr))
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return err
		}
		if !hasRow {
			stmt.Reset()
			return storage.ErrNotFound
		}
		blobID := stmt.GetInt64("BlobID")
		metaJSON := stmt.GetText("Metadata")
		etag := stmt.GetText("ETag")
		stmt.Reset()

		meta, err := decodeMetadata(metaJSON)
		if err != nil {
			return err
		}

		buf := s.filer.BufferFile(0)
		defer buf.Close()
		blob, err := conn.OpenBlob("", "Blobs", "Content", blobID, false)
		if err != nil {
			return err
		}
		_, err = io.Copy(buf, blob)
		blob.Close()
		if err != nil {
			return err
		}
		if _, err := buf.Seek(0, 0); err != nil {
			return err
		}
		content, err := io.ReadAll(buf)
		if err != nil {
			return err
		}

		val = storage.BlobVal{
			Address:  addr,
			Metadata: meta,
			ETag:     etag,
			Value:    content,
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.BlobVal{}, newBlobErr("BlobFetch", storage.KindNotFound, nil)
		}
		return storage.BlobVal{}, newBlobErr("BlobFetch", storage.KindTransient, err)
	}
	return val, nil
}

// BlobInsert implements storage.BlobStore. The ETag is the hex SHA-256 of
// the content, so BlobCopy and repeated inserts of identical content are
// cheap to recognize — the store never trusts caller-supplied etags.
func (s *Store) BlobInsert(ctx context.Context, val storage.BlobVal) (string, error) {
	sum := sha256.Sum256(val.Value)
	etag := hex.EncodeToString(sum[:])

	metaJSON, err := encodeMetadata(val.Metadata)
	if err != nil {
		return "", newBlobErr("BlobInsert", storage.KindValidation, err)
	}

	err = s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)

		stmt := conn.Prep(`DELETE FROM Blobs WHERE Address = $addr;`)
		stmt.SetText("$addr", string(val.Address))
		if _, err := stmt.Step(); err != nil {
			return err
		}

		stmt = conn.Prep(`INSERT INTO Blobs (Address, Metadata, ETag, Content)
			VALUES ($addr, $meta, $etag, $content);`)
		stmt.SetText("$addr", string(val.Address))
		stmt.SetText("$meta", metaJSON)
		stmt.SetText("$etag", etag)
		stmt.SetZeroBlob("$content", int64(len(val.Value)))
		if _, err := stmt.Step(); err != nil {
			return err
		}
		if len(val.Value) == 0 {
			return nil
		}

		rowID := conn.LastInsertRowID()
		blob, err := conn.OpenBlob("", "Blobs", "Content", rowID, true)
		if err != nil {
			return err
		}
		_, err = io.Copy(blob, bytes.NewReader(val.Value))
		if cerr := blob.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return "", newBlobErr("BlobInsert", storage.KindTransient, err)
	}
	return etag, nil
}

// BlobCopy implements storage.BlobStore by duplicating the row, matching
// S3 CopyObject semantics: dst ends up with its own independent lifetime
// from src.
func (s *Store) BlobCopy(ctx context.Context, src, dst storage.BlobAddress) error {
	val, err := s.BlobFetch(ctx, src)
	if err != nil {
		return err
	}
	val.Address = dst
	if _, err := s.BlobInsert(ctx, val); err != nil {
		return err
	}
	return nil
}

// BlobList implements storage.BlobStore.
func (s *Store) BlobList(ctx context.Context, prefix string) ([]storage.BlobAddress, error) {
	var out []storage.BlobAddress
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		stmt := conn.Prep(`SELECT Address FROM Blobs WHERE Address GLOB $glob ORDER BY Address;`)
		stmt.SetText("$glob", prefix+"*")
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				stmt.Reset()
				return err
			}
			if !hasRow {
				break
			}
			out = append(out, storage.BlobAddress(stmt.GetText("Address")))
		}
		stmt.Reset()
		return nil
	})
	if err != nil {
		return nil, newBlobErr("BlobList", storage.KindTransient, err)
	}
	return out, nil
}

// BlobRm implements storage.BlobStore.
func (s *Store) BlobRm(ctx context.Context, addr storage.BlobAddress) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		stmt := conn.Prep(`DELETE FROM Blobs WHERE Address = $addr;`)
		stmt.SetText("$addr", string(addr))
		_, err = stmt.Step()
		return err
	})
	if err != nil {
		return newBlobErr("BlobRm", storage.KindTransient, err)
	}
	return nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: marshal blob metadata: %v", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode blob metadata: %v", err)
	}
	return m, nil
}

func newBlobErr(op string, kind storage.ErrorKind, err error) error {
	return &storage.Error{Op: op, Kind: kind, Err: err}
}
