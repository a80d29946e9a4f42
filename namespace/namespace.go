// Package namespace implements the Namespace Directory: the single
// encrypted row that maps a user's human-readable collection names
// (mailbox or calendar) to their UniqueIdent, with LWW merge across
// concurrent siblings.
package namespace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"postvault.dev/cryptobox"
	"postvault.dev/ident"
	"postvault.dev/storage"
)

const maxNameChars = 32

// entry is one name's Last-Writer-Wins slot. ID is nil when the name has
// been deleted but the tombstone is still the newest write LWW has seen.
type entry struct {
	Ts uint64
	ID *ident.UniqueIdent
}

// merge applies the CRDT rule (ts_b, id_b) > (ts_a, id_a) lexicographically:
// ties on ts break on hex id order.
func (e entry) merge(o entry) entry {
	if o.Ts > e.Ts {
		return o
	}
	if o.Ts == e.Ts && idGreater(o.ID, e.ID) {
		return o
	}
	return e
}

func idGreater(a, b *ident.UniqueIdent) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.String() > b.String()
	}
}

// Directory is a loaded, mergeable Namespace Directory row. Callers obtain
// one via Load, mutate it with Create/Rename/Delete, and persist it with
// Save.
type Directory struct {
	entries map[string]entry
	// causality is the token this Directory was loaded under. Save writes
	// conditionally on it: a concurrent writer's sibling is merged in on the
	// next Load rather than silently clobbered.
	causality storage.Causality
	// defaultName is the name Load auto-creates (e.g. "INBOX"/"Personal").
	// Delete refuses to unbind it.
	defaultName string
}

// wireEntry pairs a name with its LWW slot for msgpack encoding.
type wireEntry struct {
	Name string
	Ts   uint64
	ID   *ident.UniqueIdent `msgpack:",omitempty"`
}

type wireDirectory struct {
	Entries []wireEntry
}

func newEmpty() *Directory {
	return &Directory{entries: make(map[string]entry)}
}

func encode(d *Directory, k cryptobox.Key) ([]byte, error) {
	w := wireDirectory{Entries: make([]wireEntry, 0, len(d.entries))}
	for name, e := range d.entries {
		w.Entries = append(w.Entries, wireEntry{Name: name, Ts: e.Ts, ID: e.ID})
	}
	return cryptobox.SealSerialize(w, k)
}

func decode(ciphertext []byte, k cryptobox.Key) (*Directory, error) {
	var w wireDirectory
	if err := cryptobox.OpenDeserialize(ciphertext, k, &w); err != nil {
		return nil, err
	}
	d := newEmpty()
	for _, we := range w.Entries {
		d.entries[we.Name] = entry{Ts: we.Ts, ID: we.ID}
	}
	return d, nil
}

func (d *Directory) mergeIn(o *Directory) {
	for name, oe := range o.entries {
		if e, ok := d.entries[name]; ok {
			d.entries[name] = e.merge(oe)
		} else {
			d.entries[name] = oe
		}
	}
}

// validateName enforces the collection-naming rule: 1-32 alphanumeric
// characters.
func validateName(name string) error {
	if name == "" || len(name) > maxNameChars {
		return &storage.Error{Op: "namespace", Kind: storage.KindValidation, Err: fmt.Errorf("name %q: must be 1-%d bytes", name, maxNameChars)}
	}
	for _, r := range name {
		if !isAlphanumeric(r) {
			return &storage.Error{Op: "namespace", Kind: storage.KindValidation, Err: fmt.Errorf("name %q: only alphanumeric characters allowed", name)}
		}
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Load fetches and merges every sibling at addr, auto-inserting defaultName
// (bound to a fresh id) if the directory is empty or the name is otherwise
// absent. The caller must Save the result if created is true, to persist
// the newly-minted default.
func Load(ctx context.Context, store storage.Store, addr storage.RowAddress, k cryptobox.Key, defaultName string) (dir *Directory, created bool, err error) {
	vals, err := store.RowFetch(ctx, storage.Selector{Single: &addr})
	if err != nil {
		if storage.IsNotFound(err) {
			dir = newEmpty()
		} else {
			return nil, false, err
		}
	} else {
		dir = newEmpty()
		for _, v := range vals {
			if v.Tombstone {
				continue
			}
			sib, derr := decode(v.Value, k)
			if derr != nil {
				// Integrity failure on one sibling: skip it, not the whole
				// directory.
				continue
			}
			dir.mergeIn(sib)
			dir.causality = longerCausality(dir.causality, v.Causality)
		}
	}

	dir.defaultName = defaultName
	if _, ok := dir.get(defaultName); !ok {
		id, genErr := ident.Gen()
		if genErr != nil {
			return nil, false, genErr
		}
		dir.bind(defaultName, &id)
		created = true
	}
	return dir, created, nil
}

// longerCausality keeps whichever non-nil causality token was seen; with
// multiple siblings any one of their tokens is valid to echo back since the
// store compares by token identity, not by content.
func longerCausality(have, cand storage.Causality) storage.Causality {
	if have == nil {
		return cand
	}
	return have
}

// Save persists dir at addr, conditional on the causality token it was
// loaded with.
func Save(ctx context.Context, store storage.Store, addr storage.RowAddress, k cryptobox.Key, dir *Directory) error {
	ciphertext, err := encode(dir, k)
	if err != nil {
		return err
	}
	val := storage.RowVal{Address: addr, Causality: dir.causality, Value: ciphertext}
	return store.RowInsert(ctx, []storage.RowVal{val})
}

func (d *Directory) get(name string) (ident.UniqueIdent, bool) {
	e, ok := d.entries[name]
	if !ok || e.ID == nil {
		return ident.UniqueIdent{}, false
	}
	return *e.ID, true
}

// Get returns the id bound to name, if any.
func (d *Directory) Get(name string) (ident.UniqueIdent, bool) { return d.get(name) }

// Has reports whether name currently resolves to an id.
func (d *Directory) Has(name string) bool {
	_, ok := d.get(name)
	return ok
}

// Names lists every currently-bound name.
func (d *Directory) Names() []string {
	out := make([]string, 0, len(d.entries))
	for name, e := range d.entries {
		if e.ID != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Directory) bind(name string, id *ident.UniqueIdent) {
	cur, ok := d.entries[name]
	if ok && ptrEqual(cur.ID, id) {
		return
	}
	ts := uint64(time.Now().UnixMilli())
	if ok && ts <= cur.Ts {
		ts = cur.Ts + 1
	}
	d.entries[name] = entry{Ts: ts, ID: id}
}

func ptrEqual(a, b *ident.UniqueIdent) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Create binds name to a fresh id, failing with Validation if the name is
// malformed or already bound.
func (d *Directory) Create(name string) (ident.UniqueIdent, error) {
	if err := validateName(name); err != nil {
		return ident.UniqueIdent{}, err
	}
	if _, ok := d.get(name); ok {
		return ident.UniqueIdent{}, &storage.Error{Op: "namespace.Create", Kind: storage.KindValidation, Err: fmt.Errorf("%q already exists", name)}
	}
	id, err := ident.Gen()
	if err != nil {
		return ident.UniqueIdent{}, err
	}
	d.bind(name, &id)
	return id, nil
}

// Rename moves the binding from old to new.
func (d *Directory) Rename(old, new string) error {
	if err := validateName(new); err != nil {
		return err
	}
	if _, ok := d.get(new); ok {
		return &storage.Error{Op: "namespace.Rename", Kind: storage.KindValidation, Err: fmt.Errorf("%q already exists", new)}
	}
	id, ok := d.get(old)
	if !ok {
		return &storage.Error{Op: "namespace.Rename", Kind: storage.KindNotFound, Err: fmt.Errorf("%q does not exist", old)}
	}
	d.bind(old, nil)
	d.bind(new, &id)
	return nil
}

// Delete unbinds name. The directory's default name can never be deleted.
func (d *Directory) Delete(name string) error {
	if name == d.defaultName {
		return &storage.Error{Op: "namespace.Delete", Kind: storage.KindValidation, Err: fmt.Errorf("%q is the default collection and cannot be deleted", name)}
	}
	if _, ok := d.get(name); !ok {
		return &storage.Error{Op: "namespace.Delete", Kind: storage.KindNotFound, Err: fmt.Errorf("%q does not exist", name)}
	}
	d.bind(name, nil)
	return nil
}
