package journal_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"
	"postvault.dev/cryptobox"
	"postvault.dev/ident"
	"postvault.dev/journal"
	"postvault.dev/mailbox"
	"postvault.dev/storage/sqlitestore"
)

func openTestStore(t *testing.T) (*sqlitestore.Store, func()) {
	t.Helper()
	filer := iox.NewFiler(0)
	dir, err := ioutil.TempDir("", "journal-test-")
	if err != nil {
		t.Fatal(err)
	}
	st, err := sqlitestore.Open(filepath.Join(dir, "store.db"), filer, 4)
	if err != nil {
		t.Fatal(err)
	}
	return st, func() {
		st.Close()
		filer.Shutdown(context.Background())
	}
}

func addOp(t *testing.T, j *journal.Journal, idx *mailbox.State) ident.UniqueIdent {
	t.Helper()
	id, err := ident.Gen()
	if err != nil {
		t.Fatal(err)
	}
	op, err := mailbox.EncodeMailAdd(id, idx.UIDNext(), idx.HighestModseq()+1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Push(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPushFoldsIntoStateImmediately(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	k, _ := cryptobox.GenKey()
	j, err := journal.Open(st, "test/dag/1", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}

	idx := j.State().(*mailbox.State)
	id := addOp(t, j, idx)

	idx = j.State().(*mailbox.State)
	if _, ok := idx.Get(id); !ok {
		t.Fatal("pushed op not visible in State() immediately after Push")
	}
}

func TestSyncFromFreshJournalReproducesState(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()

	j1, err := journal.Open(st, "test/dag/2", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}
	var ids []ident.UniqueIdent
	for i := 0; i < 5; i++ {
		idx := j1.State().(*mailbox.State)
		ids = append(ids, addOp(t, j1, idx))
	}

	j2, err := journal.Open(st, "test/dag/2", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}
	if err := j2.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	idx2 := j2.State().(*mailbox.State)
	for _, id := range ids {
		if _, ok := idx2.Get(id); !ok {
			t.Fatalf("id %s missing after Sync on fresh Journal", id)
		}
	}
	if idx2.UIDNext() != uint32(len(ids)+1) {
		t.Errorf("UIDNext = %d, want %d", idx2.UIDNext(), len(ids)+1)
	}
}

// Folding a checkpoint plus its trailing ops on a fresh Journal must
// reproduce exactly the state the writer has in memory, whether or not a
// checkpoint ever ran.
func TestCheckpointThenSyncIsEquivalentToFullReplay(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()

	j, err := journal.Open(st, "test/dag/ckp", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}

	var want []ident.UniqueIdent
	for i := 0; i < 10; i++ {
		idx := j.State().(*mailbox.State)
		want = append(want, addOp(t, j, idx))
		if i == 4 {
			if err := j.Checkpoint(ctx); err != nil {
				t.Fatal(err)
			}
		}
	}
	live := j.State().(*mailbox.State)

	jReload, err := journal.Open(st, "test/dag/ckp", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}
	if err := jReload.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	reloaded := jReload.State().(*mailbox.State)

	for _, id := range want {
		rEntry, rOk := reloaded.Get(id)
		lEntry, lOk := live.Get(id)
		if rOk != lOk || rEntry.UID != lEntry.UID || rEntry.Modseq != lEntry.Modseq {
			t.Errorf("id %s: reloaded entry %+v (ok=%v) != live entry %+v (ok=%v)", id, rEntry, rOk, lEntry, lOk)
		}
	}
	if reloaded.UIDNext() != live.UIDNext() {
		t.Errorf("UIDNext after reload = %d, want %d", reloaded.UIDNext(), live.UIDNext())
	}
	if reloaded.HighestModseq() != live.HighestModseq() {
		t.Errorf("HighestModseq after reload = %d, want %d", reloaded.HighestModseq(), live.HighestModseq())
	}
}

func TestOpportunisticSyncPicksUpAnotherWriter(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()

	jA, err := journal.Open(st, "test/dag/multi", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}
	jB, err := journal.Open(st, "test/dag/multi", k, func() journal.State { return mailbox.New() })
	if err != nil {
		t.Fatal(err)
	}
	// A freshly synced jB is not stale, so only the watermark can make it
	// re-sync.
	if err := jB.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	idxA := jA.State().(*mailbox.State)
	id := addOp(t, jA, idxA)

	if err := jB.OpportunisticSync(ctx); err != nil {
		t.Fatal(err)
	}
	idxB := jB.State().(*mailbox.State)
	if _, ok := idxB.Get(id); !ok {
		t.Fatal("OpportunisticSync on jB did not observe jA's watermark-signaled write")
	}
}
