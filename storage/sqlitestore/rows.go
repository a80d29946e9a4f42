package sqlitestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"postvault.dev/storage"
)

func newWriterTag() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// siblingsAt returns every live sibling physically stored at addr, in no
// particular order. conn must already be held by the caller.
func siblingsAt(conn *sqlite.Conn, addr storage.RowAddress) ([]sibling, error) {
	stmt := conn.Prep(`SELECT rowid, WriterTag, Version, Tombstone FROM Rows
		WHERE Shard = $shard AND Sort = $sort;`)
	stmt.SetText("$shard", addr.Shard)
	stmt.SetText("$sort", addr.Sort)

	var out []sibling
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, sibling{
			rowID:     stmt.GetInt64("rowid"),
			Tag:       stmt.GetText("WriterTag"),
			Version:   stmt.GetInt64("Version"),
			Tombstone: stmt.GetInt64("Tombstone") != 0,
		})
	}
	stmt.Reset()

	// Value is read through the incremental blob API rather than a plain
	// column scan, avoiding a full copy for large rows.
	for i := range out {
		buf := new(bytes.Buffer)
		blob, err := conn.OpenBlob("", "Rows", "Value", out[i].rowID, false)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(buf, blob)
		blob.Close()
		if err != nil {
			return nil, err
		}
		if buf.Len() > 0 {
			out[i].Value = buf.Bytes()
		}
	}
	return out, nil
}

func siblingsToRowVal(addr storage.RowAddress, sibs []sibling) []storage.RowVal {
	c := make(causality, len(sibs))
	for _, s := range sibs {
		c[s.Tag] = s.Version
	}
	tok := encodeCausality(c)

	out := make([]storage.RowVal, 0, len(sibs))
	for _, s := range sibs {
		out = append(out, storage.RowVal{
			Address:   addr,
			Causality: tok,
			Tombstone: s.Tombstone,
			Value:     s.Value,
		})
	}
	return out
}

// RowFetch implements storage.RowStore.
func (s *Store) RowFetch(ctx context.Context, sel storage.Selector) ([]storage.RowVal, error) {
	var out []storage.RowVal
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		switch {
		case sel.Single != nil:
			sibs, err := siblingsAt(conn, *sel.Single)
			if err != nil {
				return err
			}
			if len(sibs) == 0 {
				return storage.ErrNotFound
			}
			out = siblingsToRowVal(*sel.Single, sibs)
			return nil

		case sel.List != nil:
			for _, addr := range sel.List {
				sibs, err := siblingsAt(conn, addr)
				if err != nil {
					return err
				}
				out = append(out, siblingsToRowVal(addr, sibs)...)
			}
			return nil

		case sel.Shard != "" && (sel.SortBegin != "" || sel.SortEnd != ""):
			return rangeFetch(conn, sel.Shard, sel.SortBegin, sel.SortEnd, &out)

		case sel.ShardPrefix != "":
			return prefixFetch(conn, sel.ShardPrefix, sel.SortPrefix, &out)

		default:
			return fmt.Errorf("sqlitestore.RowFetch: empty selector")
		}
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, newRowErr("RowFetch", storage.KindNotFound, nil)
		}
		return nil, newRowErr("RowFetch", storage.KindTransient, err)
	}
	return out, nil
}

func rangeFetch(conn *sqlite.Conn, shard, begin, end string, out *[]storage.RowVal) error {
	query := `SELECT DISTINCT Sort FROM Rows WHERE Shard = $shard AND Sort >= $begin`
	if end != "" {
		query += ` AND Sort < $end`
	}
	query += ` ORDER BY Sort;`
	stmt := conn.Prep(query)
	stmt.SetText("$shard", shard)
	stmt.SetText("$begin", begin)
	if end != "" {
		stmt.SetText("$end", end)
	}
	var sorts []string
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return err
		}
		if !hasRow {
			break
		}
		sorts = append(sorts, stmt.GetText("Sort"))
	}
	stmt.Reset()

	for _, sk := range sorts {
		addr := storage.RowAddress{Shard: shard, Sort: sk}
		sibs, err := siblingsAt(conn, addr)
		if err != nil {
			return err
		}
		*out = append(*out, siblingsToRowVal(addr, sibs)...)
	}
	return nil
}

func prefixFetch(conn *sqlite.Conn, shard, sortPrefix string, out *[]storage.RowVal) error {
	stmt := conn.Prep(`SELECT DISTINCT Sort FROM Rows WHERE Shard = $shard AND Sort GLOB $glob ORDER BY Sort;`)
	stmt.SetText("$shard", shard)
	stmt.SetText("$glob", sortPrefix+"*")
	var sorts []string
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			stmt.Reset()
			return err
		}
		if !hasRow {
			break
		}
		sorts = append(sorts, stmt.GetText("Sort"))
	}
	stmt.Reset()

	for _, sk := range sorts {
		addr := storage.RowAddress{Shard: shard, Sort: sk}
		sibs, err := siblingsAt(conn, addr)
		if err != nil {
			return err
		}
		*out = append(*out, siblingsToRowVal(addr, sibs)...)
	}
	return nil
}

// RowInsert implements storage.RowStore.
func (s *Store) RowInsert(ctx context.Context, vals []storage.RowVal) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		for _, v := range vals {
			if err := insertOne(conn, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOne(conn *sqlite.Conn, v storage.RowVal) error {
	tag, err := newWriterTag()
	if err != nil {
		return err
	}

	var observed causality
	if v.Causality != nil {
		observed, err = decodeCausality(v.Causality)
		if err != nil {
			return err
		}
	}

	if observed != nil {
		sibs, err := siblingsAt(conn, v.Address)
		if err != nil {
			return err
		}
		for _, s := range sibs {
			if !observed.observedExact(s) {
				// A concurrent writer raced us; this sibling was never
				// seen by the writer issuing this insert, so it survives
				// as a fork instead of being clobbered.
				continue
			}
			if err := deleteSibling(conn, v.Address, s.Tag); err != nil {
				return err
			}
		}
	}

	stmt := conn.Prep(`INSERT INTO Rows (Shard, Sort, WriterTag, Version, Tombstone, Value)
		VALUES ($shard, $sort, $tag, 1, $tombstone, $value);`)
	stmt.SetText("$shard", v.Address.Shard)
	stmt.SetText("$sort", v.Address.Sort)
	stmt.SetText("$tag", tag)
	stmt.SetBool("$tombstone", v.Tombstone)
	stmt.SetZeroBlob("$value", int64(len(v.Value)))
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if len(v.Value) == 0 {
		return nil
	}

	rowID := conn.LastInsertRowID()
	blob, err := conn.OpenBlob("", "Rows", "Value", rowID, true)
	if err != nil {
		return err
	}
	_, err = io.Copy(blob, bytes.NewReader(v.Value))
	if cerr := blob.Close(); err == nil {
		err = cerr
	}
	return err
}

func deleteSibling(conn *sqlite.Conn, addr storage.RowAddress, tag string) error {
	stmt := conn.Prep(`DELETE FROM Rows WHERE Shard = $shard AND Sort = $sort AND WriterTag = $tag;`)
	stmt.SetText("$shard", addr.Shard)
	stmt.SetText("$sort", addr.Sort)
	stmt.SetText("$tag", tag)
	_, err := stmt.Step()
	return err
}

// RowRm implements storage.RowStore.
func (s *Store) RowRm(ctx context.Context, sel storage.Selector) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		switch {
		case sel.Single != nil:
			return insertOne(conn, storage.RowVal{Address: *sel.Single, Tombstone: true})
		case sel.List != nil:
			for _, addr := range sel.List {
				if err := insertOne(conn, storage.RowVal{Address: addr, Tombstone: true}); err != nil {
					return err
				}
			}
			return nil
		case sel.Shard != "":
			return deleteRange(conn, sel.Shard, sel.SortBegin, sel.SortEnd)
		case sel.ShardPrefix != "":
			return deletePrefix(conn, sel.ShardPrefix, sel.SortPrefix)
		default:
			return fmt.Errorf("sqlitestore.RowRm: empty selector")
		}
	})
}

func deleteRange(conn *sqlite.Conn, shard, begin, end string) error {
	query := `DELETE FROM Rows WHERE Shard = $shard AND Sort >= $begin`
	if end != "" {
		query += ` AND Sort < $end`
	}
	query += `;`
	stmt := conn.Prep(query)
	stmt.SetText("$shard", shard)
	stmt.SetText("$begin", begin)
	if end != "" {
		stmt.SetText("$end", end)
	}
	_, err := stmt.Step()
	return err
}

func deletePrefix(conn *sqlite.Conn, shard, sortPrefix string) error {
	stmt := conn.Prep(`DELETE FROM Rows WHERE Shard = $shard AND Sort GLOB $glob;`)
	stmt.SetText("$shard", shard)
	stmt.SetText("$glob", sortPrefix+"*")
	_, err := stmt.Step()
	return err
}

// RowPoll implements storage.RowStore. SQLite has no native change
// notification, so — like the rest of this single-process reference store —
// it polls at a short fixed interval until the observed sibling set departs
// from token, or ctx is done.
func (s *Store) RowPoll(ctx context.Context, addr storage.RowAddress, token storage.Causality) (storage.RowVal, error) {
	const interval = 50 * time.Millisecond
	observed, err := decodeCausality(token)
	if err != nil {
		return storage.RowVal{}, newRowErr("RowPoll", storage.KindValidation, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var sibs []sibling
		err := s.withConn(ctx, func(conn *sqlite.Conn) error {
			var err error
			sibs, err = siblingsAt(conn, addr)
			return err
		})
		if err != nil {
			return storage.RowVal{}, newRowErr("RowPoll", storage.KindTransient, err)
		}
		if pollAdvanced(observed, sibs) {
			vals := siblingsToRowVal(addr, sibs)
			if len(vals) == 0 {
				return storage.RowVal{Address: addr}, nil
			}
			return vals[0], nil
		}
		select {
		case <-ctx.Done():
			return storage.RowVal{}, newRowErr("RowPoll", storage.KindTransient, ctx.Err())
		case <-ticker.C:
		}
	}
}

func pollAdvanced(observed causality, sibs []sibling) bool {
	if len(sibs) != len(observed) {
		return true
	}
	for _, s := range sibs {
		if v, ok := observed[s.Tag]; !ok || v != s.Version {
			return true
		}
	}
	return false
}

func newRowErr(op string, kind storage.ErrorKind, err error) error {
	return &storage.Error{Op: op, Kind: kind, Err: err}
}
