// Package journal implements the CRDT log engine: an append-only,
// per-collection operation log backed by the Storage Backend Interface,
// generic over a State capability rather than over any particular mailbox
// or calendar shape.
//
// Rows live under one shard per collection, `<kind>/dag/<id>`, distinguished
// by sort-key prefix: `state <ts>` checkpoints, `op <ts>` operations,
// `watermark/<node> <ts>` per-writer progress markers.
package journal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postvault.dev/cryptobox"
	"postvault.dev/ident"
	"postvault.dev/storage"
)

// State is the capability a Journal folds operations into. Concrete state
// types (mailbox.State, caldav.State) implement it once each; the Journal
// never inspects an operation's shape.
type State interface {
	// Apply decodes and folds one already-decrypted operation into the
	// state, mutating it in place. Apply is pure CPU and must not block.
	Apply(opPlaintext []byte) error

	// Marshal serializes the full state for a checkpoint.
	Marshal() ([]byte, error)

	// Unmarshal replaces the state's contents from a checkpoint, rebuilding
	// any derived indexes.
	Unmarshal(data []byte) error

	// Snapshot returns an independent deep copy, safe for a caller to read
	// without racing a concurrent Push/Sync.
	Snapshot() State
}

const (
	sortPrefixState     = "state "
	sortPrefixOp        = "op "
	sortPrefixWatermark = "watermark/"

	// checkpointEvery controls how often a fresh checkpoint is folded and
	// stored: every 64 pushed ops since the last one.
	checkpointEvery = 64

	// opportunisticSyncThreshold bounds how stale OpportunisticSync will
	// tolerate the in-memory state before forcing a real Sync.
	opportunisticSyncThreshold = 2 * time.Second
)

// Journal owns one collection's op log.
type Journal struct {
	store    storage.Store
	shard    string
	key      cryptobox.Key
	newState func() State
	nodeID   string

	Logf func(format string, v ...interface{})

	mu            sync.Mutex
	state         State
	lastTs        ident.Timestamp
	opsSinceCkp   int
	lastSyncAt    time.Time
	lastWatermark string
}

// Open constructs a Journal over shard, using key to seal/open every row it
// writes or reads. newState must return a fresh, empty State each call.
func Open(store storage.Store, shard string, key cryptobox.Key, newState func() State) (*Journal, error) {
	nodeID, err := randNodeID()
	if err != nil {
		return nil, fmt.Errorf("journal.Open: %v", err)
	}
	j := &Journal{
		store:    store,
		shard:    shard,
		key:      key,
		newState: newState,
		nodeID:   nodeID,
		state:    newState(),
		Logf:     func(string, ...interface{}) {},
	}
	return j, nil
}

func randNodeID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Sync reads every checkpoint and subsequent operation row, folds them into
// a freshly materialized state, and installs it as current. Sync is
// idempotent: calling it again with no new rows reproduces the same state.
func (j *Journal) Sync(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked(ctx)
}

func (j *Journal) syncLocked(ctx context.Context) error {
	// Sort order is lexicographic, so the three prefixes interleave as
	// "op " < "state " < "watermark/" — every range below is bounded on
	// both sides to avoid bleeding into a neighboring prefix's rows.
	rows, err := j.store.RowFetch(ctx, storage.Selector{Shard: j.shard, SortBegin: sortPrefixState, SortEnd: sortPrefixWatermark})
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("journal.Sync: fetch checkpoints: %v", err)
	}

	var latestCkp *storage.RowVal
	var latestCkpTs ident.Timestamp
	for i := range rows {
		if !strings.HasPrefix(rows[i].Address.Sort, sortPrefixState) {
			continue
		}
		if rows[i].Tombstone {
			continue
		}
		ts, err := ident.ParseTimestamp(strings.TrimPrefix(rows[i].Address.Sort, sortPrefixState))
		if err != nil {
			j.Logf("journal.Sync: bad checkpoint sort key %q: %v", rows[i].Address.Sort, err)
			continue
		}
		if latestCkp == nil || latestCkpTs.Less(ts) {
			r := rows[i]
			latestCkp = &r
			latestCkpTs = ts
		}
	}

	state := j.newState()
	baseTs := ident.Zero
	if latestCkp != nil {
		plain, err := cryptobox.Open(latestCkp.Value, j.key)
		if err != nil {
			j.Logf("journal.Sync: checkpoint %s failed to open: %v (Integrity)", latestCkp.Address, err)
		} else if err := state.Unmarshal(plain); err != nil {
			j.Logf("journal.Sync: checkpoint %s failed to unmarshal: %v (Integrity)", latestCkp.Address, err)
		} else {
			baseTs = latestCkpTs
		}
	}

	opRows, err := j.store.RowFetch(ctx, storage.Selector{Shard: j.shard, SortBegin: sortPrefixOp, SortEnd: sortPrefixState})
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("journal.Sync: fetch ops: %v", err)
	}

	type decoded struct {
		ts  ident.Timestamp
		key string
	}
	var ops []decoded
	for _, r := range opRows {
		if r.Tombstone {
			continue
		}
		ts, err := ident.ParseTimestamp(strings.TrimPrefix(r.Address.Sort, sortPrefixOp))
		if err != nil {
			j.Logf("journal.Sync: bad op sort key %q: %v", r.Address.Sort, err)
			continue
		}
		if !baseTs.Less(ts) {
			continue
		}
		ops = append(ops, decoded{ts: ts, key: r.Address.Sort})
	}
	sort.Slice(ops, func(i, k int) bool { return ops[i].ts.Less(ops[k].ts) })

	lastTs := baseTs
	for _, o := range ops {
		addr := storage.RowAddress{Shard: j.shard, Sort: o.key}
		vals, err := j.store.RowFetch(ctx, storage.Selector{Single: &addr})
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("journal.Sync: fetch op %s: %v", o.key, err)
		}
		for _, v := range vals {
			if v.Tombstone {
				continue
			}
			plain, err := cryptobox.Open(v.Value, j.key)
			if err != nil {
				// A single op that fails to decrypt is logged and
				// skipped, not fatal.
				j.Logf("journal.Sync: op %s failed to open: %v (Integrity, skipped)", o.key, err)
				continue
			}
			if err := state.Apply(plain); err != nil {
				j.Logf("journal.Sync: op %s failed to apply: %v (Integrity, skipped)", o.key, err)
				continue
			}
		}
		lastTs = o.ts
	}

	j.state = state
	j.lastTs = lastTs
	j.lastSyncAt = time.Now()
	j.opsSinceCkp = 0
	return nil
}

// OpportunisticSync re-syncs only if the in-memory state might be stale:
// either the last sync is older than opportunisticSyncThreshold, or a
// non-blocking peek at the shard's watermark rows shows a writer made
// progress we haven't folded. It never blocks on row_poll —
// "opportunistic" means cheap, not exhaustive.
func (j *Journal) OpportunisticSync(ctx context.Context) error {
	j.mu.Lock()
	stale := time.Since(j.lastSyncAt) > opportunisticSyncThreshold
	j.mu.Unlock()
	if stale {
		return j.Sync(ctx)
	}

	moved, err := j.watermarkMoved(ctx)
	if err != nil {
		return err
	}
	if moved {
		return j.Sync(ctx)
	}
	return nil
}

func (j *Journal) watermarkMoved(ctx context.Context) (bool, error) {
	rows, err := j.store.RowFetch(ctx, storage.Selector{Shard: j.shard, SortBegin: sortPrefixWatermark})
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("journal.OpportunisticSync: fetch watermarks: %v", err)
	}
	// Every writer's watermark rows count, not just the greatest sort key,
	// so progress by any writer changes the signature.
	var seen []string
	for _, r := range rows {
		if !strings.HasPrefix(r.Address.Sort, sortPrefixWatermark) || r.Tombstone {
			continue
		}
		seen = append(seen, r.Address.Sort)
	}
	sort.Strings(seen)
	sig := strings.Join(seen, "\n")

	j.mu.Lock()
	defer j.mu.Unlock()
	if sig != j.lastWatermark {
		j.lastWatermark = sig
		return true, nil
	}
	return false, nil
}

// Push assigns opPlaintext a fresh Timestamp, seals it, writes it to the
// shard, and — only once the write is durable — folds it into the
// in-memory state. A cancelled or failed write never mutates State().
func (j *Journal) Push(ctx context.Context, opPlaintext []byte) (ident.Timestamp, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := ident.After(j.lastTs)
	ciphertext, err := cryptobox.Seal(opPlaintext, j.key)
	if err != nil {
		return ident.Timestamp{}, fmt.Errorf("journal.Push: seal: %v", err)
	}

	addr := storage.RowAddress{Shard: j.shard, Sort: sortPrefixOp + ts.String()}
	if err := j.store.RowInsert(ctx, []storage.RowVal{{Address: addr, Value: ciphertext}}); err != nil {
		return ident.Timestamp{}, fmt.Errorf("journal.Push: insert op: %v", err)
	}

	if err := j.state.Apply(opPlaintext); err != nil {
		return ident.Timestamp{}, fmt.Errorf("journal.Push: apply own op: %v", err)
	}
	j.lastTs = ts
	j.opsSinceCkp++

	wmAddr := storage.RowAddress{Shard: j.shard, Sort: sortPrefixWatermark + j.nodeID + " " + ts.String()}
	if err := j.store.RowInsert(ctx, []storage.RowVal{{Address: wmAddr, Value: []byte(ts.String())}}); err != nil {
		j.Logf("journal.Push: watermark update failed: %v", err)
	}

	if j.opsSinceCkp >= checkpointEvery {
		if err := j.checkpointLocked(ctx); err != nil {
			j.Logf("journal.Push: checkpoint failed: %v", err)
		}
	}

	return ts, nil
}

// State returns a snapshot of the currently folded state.
func (j *Journal) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Snapshot()
}

// Checkpoint writes a new state row capturing everything folded so far and
// reclaims operation rows it supersedes. At least one checkpoint always
// remains.
func (j *Journal) Checkpoint(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checkpointLocked(ctx)
}

func (j *Journal) checkpointLocked(ctx context.Context) error {
	plain, err := j.state.Marshal()
	if err != nil {
		return fmt.Errorf("journal.Checkpoint: marshal: %v", err)
	}
	ts := ident.After(j.lastTs)
	ciphertext, err := cryptobox.Seal(plain, j.key)
	if err != nil {
		return fmt.Errorf("journal.Checkpoint: seal: %v", err)
	}

	addr := storage.RowAddress{Shard: j.shard, Sort: sortPrefixState + ts.String()}
	if err := j.store.RowInsert(ctx, []storage.RowVal{{Address: addr, Value: ciphertext}}); err != nil {
		return fmt.Errorf("journal.Checkpoint: insert: %v", err)
	}

	if err := j.store.RowRm(ctx, storage.Selector{Shard: j.shard, SortBegin: sortPrefixOp, SortEnd: sortPrefixOp + ts.String()}); err != nil {
		j.Logf("journal.Checkpoint: reclaiming op rows failed: %v", err)
	}
	if err := j.store.RowRm(ctx, storage.Selector{Shard: j.shard, SortBegin: sortPrefixState, SortEnd: addr.Sort}); err != nil {
		j.Logf("journal.Checkpoint: reclaiming old checkpoints failed: %v", err)
	}

	j.lastTs = ts
	j.opsSinceCkp = 0
	return nil
}
