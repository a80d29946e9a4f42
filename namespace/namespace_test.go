package namespace_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"
	"postvault.dev/cryptobox"
	"postvault.dev/namespace"
	"postvault.dev/storage"
	"postvault.dev/storage/sqlitestore"
)

func openTestStore(t *testing.T) (*sqlitestore.Store, func()) {
	t.Helper()
	filer := iox.NewFiler(0)
	dir, err := ioutil.TempDir("", "namespace-test-")
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

// The default collection name exists after first load, and re-creating it
// manually fails.
func TestDefaultNameAutoCreatedAndUnmakeable(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, err := cryptobox.GenKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := storage.RowAddress{Shard: "user/1", Sort: "calendars/list"}

	dir, created, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("created = false on first load, want true")
	}
	if err := namespace.Save(ctx, st, addr, k, dir); err != nil {
		t.Fatal(err)
	}
	if !dir.Has("Personal") {
		t.Fatal("default name not bound after auto-create")
	}

	if _, err := dir.Create("Personal"); err == nil {
		t.Fatal("Create(default name) succeeded, want Validation error")
	} else if se, ok := err.(*storage.Error); !ok || se.Kind != storage.KindValidation {
		t.Errorf("Create(default name) err = %v, want *storage.Error{Kind: Validation}", err)
	}

	dir2, created2, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	if created2 {
		t.Error("created = true on second load, want false (already present)")
	}
	if !dir2.Has("Personal") {
		t.Error("default name missing on reload")
	}
}

func TestCreateRenameDelete(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()
	addr := storage.RowAddress{Shard: "user/1", Sort: "calendars/list"}

	dir, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	id, err := dir.Create("Work")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := dir.Get("Work"); !ok || got != id {
		t.Fatalf("Get(Work) = %v, %v, want %v, true", got, ok, id)
	}

	if err := dir.Rename("Work", "Office"); err != nil {
		t.Fatal(err)
	}
	if dir.Has("Work") {
		t.Error("old name still bound after rename")
	}
	if got, ok := dir.Get("Office"); !ok || got != id {
		t.Fatalf("Get(Office) after rename = %v, %v", got, ok)
	}

	if err := dir.Delete("Office"); err != nil {
		t.Fatal(err)
	}
	if dir.Has("Office") {
		t.Error("name still bound after delete")
	}

	if err := dir.Delete("NoSuchName"); err == nil {
		t.Fatal("Delete(unknown) succeeded, want NotFound")
	} else if se, ok := err.(*storage.Error); !ok || se.Kind != storage.KindNotFound {
		t.Errorf("Delete(unknown) err = %v, want NotFound", err)
	}
}

func TestDeleteDefaultNameRejected(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()
	addr := storage.RowAddress{Shard: "user/1", Sort: "calendars/list"}

	dir, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}

	if err := dir.Delete("Personal"); err == nil {
		t.Fatal("Delete(default name) succeeded, want Validation error")
	} else if se, ok := err.(*storage.Error); !ok || se.Kind != storage.KindValidation {
		t.Errorf("Delete(default name) err = %v, want *storage.Error{Kind: Validation}", err)
	}
	if !dir.Has("Personal") {
		t.Error("default name unbound despite Delete returning an error")
	}
}

// Two concurrent siblings bind the same name to different ids; loading
// merges them into one directory that keeps the name bound to one of the
// two ids. The bind timestamps come from the wall clock, so which id wins
// is not asserted here.
func TestScenarioDirectoryLWW(t *testing.T) {
	st, cleanup := openTestStore(t)
	defer cleanup()
	ctx := context.Background()
	k, _ := cryptobox.GenKey()
	addr := storage.RowAddress{Shard: "user/1", Sort: "calendars/list"}

	base, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	if err := namespace.Save(ctx, st, addr, k, base); err != nil {
		t.Fatal(err)
	}

	// Two processes load the same base independently (simulating a blind,
	// concurrent write by never re-fetching between them) and each binds
	// "Work" to a distinct id.
	p, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	q, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Create("Work"); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Create("Work"); err != nil {
		t.Fatal(err)
	}

	if err := namespace.Save(ctx, st, addr, k, p); err != nil {
		t.Fatal(err)
	}
	if err := namespace.Save(ctx, st, addr, k, q); err != nil {
		t.Fatal(err)
	}

	merged, _, err := namespace.Load(ctx, st, addr, k, "Personal")
	if err != nil {
		t.Fatal(err)
	}
	if !merged.Has("Work") {
		t.Fatal("merged directory lost the Work binding")
	}
	pID, _ := p.Get("Work")
	qID, _ := q.Get("Work")
	mID, _ := merged.Get("Work")
	if mID != pID && mID != qID {
		t.Fatalf("merged Work id %v is neither sibling's id (%v, %v)", mID, pID, qID)
	}
}
