// Package collection implements the Collection Facade: the per-mailbox and
// per-calendar entry point that ties a Journal's CRDT state to the blob
// store holding the actual message/event bodies, under a crypto-with-
// metadata pattern of a fresh per-item key sealed into the blob's own
// metadata.
package collection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"postvault.dev/caldav"
	"postvault.dev/cryptobox"
	"postvault.dev/ident"
	"postvault.dev/journal"
	"postvault.dev/mailbox"
	"postvault.dev/storage"
)

const messageKeyMeta = "message-key"

// sealBody generates a fresh per-item key, encrypts body under it, and
// seals that key under masterKey into blob metadata — so each item can be
// rotated or shared independently of the collection's master key.
func sealBody(body []byte, masterKey cryptobox.Key) (ciphertext []byte, meta map[string]string, err error) {
	itemKey, err := cryptobox.GenKey()
	if err != nil {
		return nil, nil, err
	}
	sealedKey, err := cryptobox.Seal(itemKey[:], masterKey)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err = cryptobox.Seal(body, itemKey)
	if err != nil {
		return nil, nil, err
	}
	meta = map[string]string{messageKeyMeta: base64.StdEncoding.EncodeToString(sealedKey)}
	return ciphertext, meta, nil
}

func openBody(ciphertext []byte, meta map[string]string, masterKey cryptobox.Key) ([]byte, error) {
	header, ok := meta[messageKeyMeta]
	if !ok {
		return nil, &storage.Error{Op: "collection.get", Kind: storage.KindIntegrity, Err: fmt.Errorf("missing %s metadata", messageKeyMeta)}
	}
	sealedKey, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, &storage.Error{Op: "collection.get", Kind: storage.KindIntegrity, Err: err}
	}
	itemKeyRaw, err := cryptobox.Open(sealedKey, masterKey)
	if err != nil {
		return nil, &storage.Error{Op: "collection.get", Kind: storage.KindIntegrity, Err: err}
	}
	itemKey, err := cryptobox.KeyFromBytes(itemKeyRaw)
	if err != nil {
		return nil, &storage.Error{Op: "collection.get", Kind: storage.KindIntegrity, Err: err}
	}
	body, err := cryptobox.Open(ciphertext, itemKey)
	if err != nil {
		return nil, &storage.Error{Op: "collection.get", Kind: storage.KindIntegrity, Err: err}
	}
	return body, nil
}

func blobAddress(prefix string, id ident.UniqueIdent) storage.BlobAddress {
	return storage.BlobAddress(prefix + "/" + id.String())
}

// Mailbox is the Collection Facade over a mailbox's UID Index State.
type Mailbox struct {
	blobs      storage.BlobStore
	masterKey  cryptobox.Key
	blobPrefix string

	// mu separates writers (Put/Delete, which mutate the Journal) from
	// readers (UIDIndex); Get touches only the blob store and takes no lock.
	// Blob I/O is never done with mu held.
	mu sync.RWMutex
	j  *journal.Journal
}

// OpenMailbox opens (and immediately syncs) the mailbox collection id,
// rooted at shard `mailbox/dag/<id>` and blobs under `mailbox/<id>/`
//.
func OpenMailbox(ctx context.Context, store storage.Store, id ident.UniqueIdent, masterKey cryptobox.Key) (*Mailbox, error) {
	shard := fmt.Sprintf("mailbox/dag/%s", id)
	j, err := journal.Open(store, shard, masterKey, func() journal.State { return mailbox.New() })
	if err != nil {
		return nil, err
	}
	if err := j.Sync(ctx); err != nil {
		return nil, err
	}
	return &Mailbox{
		blobs:      store,
		masterKey:  masterKey,
		blobPrefix: fmt.Sprintf("mailbox/%s", id),
		j:          j,
	}, nil
}

// ForceSync wraps the Journal's unconditional sync.
func (m *Mailbox) ForceSync(ctx context.Context) error { return m.j.Sync(ctx) }

// OpportunisticSync wraps the Journal's cheap, approximate sync.
func (m *Mailbox) OpportunisticSync(ctx context.Context) error { return m.j.OpportunisticSync(ctx) }

// UIDIndex returns a read-only snapshot of the current UID Index State,
// after an opportunistic sync.
func (m *Mailbox) UIDIndex(ctx context.Context) (*mailbox.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.j.OpportunisticSync(ctx); err != nil {
		return nil, err
	}
	st, ok := m.j.State().(*mailbox.State)
	if !ok {
		return nil, &storage.Error{Op: "Mailbox.UIDIndex", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T, want *mailbox.State", m.j.State())}
	}
	return st, nil
}

// Get fetches, unseals, and decrypts one message body.
func (m *Mailbox) Get(ctx context.Context, id ident.UniqueIdent) ([]byte, error) {
	val, err := m.blobs.BlobFetch(ctx, blobAddress(m.blobPrefix, id))
	if err != nil {
		return nil, err
	}
	return openBody(val.Value, val.Metadata, m.masterKey)
}

// Put encrypts and stores a new message body, then pushes a MailAdd op.
// The blob write happens before the log append so a crash never leaves an
// index entry pointing at a missing blob.
func (m *Mailbox) Put(ctx context.Context, flags []string, body []byte) (ident.UniqueIdent, mailbox.Entry, error) {
	id, err := ident.Gen()
	if err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}
	ciphertext, meta, err := sealBody(body, m.masterKey)
	if err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}
	if _, err := m.blobs.BlobInsert(ctx, storage.BlobVal{Address: blobAddress(m.blobPrefix, id), Metadata: meta, Value: ciphertext}); err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.j.OpportunisticSync(ctx); err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}
	idx, ok := m.j.State().(*mailbox.State)
	if !ok {
		return ident.UniqueIdent{}, mailbox.Entry{}, &storage.Error{Op: "Mailbox.Put", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T", m.j.State())}
	}
	proposedModseq := idx.HighestModseq() + 1
	op, err := mailbox.EncodeMailAdd(id, idx.UIDNext(), proposedModseq, flags)
	if err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}
	if _, err := m.j.Push(ctx, op); err != nil {
		return ident.UniqueIdent{}, mailbox.Entry{}, err
	}

	entry, _ := m.j.State().(*mailbox.State).Get(id)
	return id, entry, nil
}

// Delete pushes a MailDel op, then best-effort removes the blob.
func (m *Mailbox) Delete(ctx context.Context, id ident.UniqueIdent) error {
	m.mu.Lock()
	op, err := mailbox.EncodeMailDel(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	_, pushErr := m.j.Push(ctx, op)
	m.mu.Unlock()
	if pushErr != nil {
		return pushErr
	}

	// Best-effort: an orphaned blob here is reclaimed by the offline GC
	// pass.
	_ = m.blobs.BlobRm(ctx, blobAddress(m.blobPrefix, id))
	return nil
}

// Calendar is the Collection Facade over a calendar's DAV DAG State.
type Calendar struct {
	blobs      storage.BlobStore
	masterKey  cryptobox.Key
	blobPrefix string

	mu sync.RWMutex
	j  *journal.Journal
}

// OpenCalendar opens (and immediately syncs) the calendar collection id,
// rooted at shard `calendar/dag/<id>` and blobs under `calendar/<id>/`.
func OpenCalendar(ctx context.Context, store storage.Store, id ident.UniqueIdent, masterKey cryptobox.Key) (*Calendar, error) {
	shard := fmt.Sprintf("calendar/dag/%s", id)
	j, err := journal.Open(store, shard, masterKey, func() journal.State { return caldav.New() })
	if err != nil {
		return nil, err
	}
	if err := j.Sync(ctx); err != nil {
		return nil, err
	}
	return &Calendar{
		blobs:      store,
		masterKey:  masterKey,
		blobPrefix: fmt.Sprintf("calendar/%s", id),
		j:          j,
	}, nil
}

func (c *Calendar) ForceSync(ctx context.Context) error { return c.j.Sync(ctx) }

func (c *Calendar) OpportunisticSync(ctx context.Context) error { return c.j.OpportunisticSync(ctx) }

// DAG returns a read-only snapshot of the current DAV DAG State.
func (c *Calendar) DAG(ctx context.Context) (*caldav.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.j.OpportunisticSync(ctx); err != nil {
		return nil, err
	}
	st, ok := c.j.State().(*caldav.State)
	if !ok {
		return nil, &storage.Error{Op: "Calendar.DAG", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T, want *caldav.State", c.j.State())}
	}
	return st, nil
}

// Get fetches, unseals, and decrypts one event body.
func (c *Calendar) Get(ctx context.Context, id ident.UniqueIdent) ([]byte, error) {
	val, err := c.blobs.BlobFetch(ctx, blobAddress(c.blobPrefix, id))
	if err != nil {
		return nil, err
	}
	return openBody(val.Value, val.Metadata, c.masterKey)
}

// Put encrypts and stores a new event body under filename, then pushes a
// Put op whose parents are the DAG's current heads.
func (c *Calendar) Put(ctx context.Context, filename string, body []byte) (ident.UniqueIdent, caldav.IndexEntry, error) {
	id, err := ident.Gen()
	if err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}
	ciphertext, meta, err := sealBody(body, c.masterKey)
	if err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}
	etag, err := c.blobs.BlobInsert(ctx, storage.BlobVal{Address: blobAddress(c.blobPrefix, id), Metadata: meta, Value: ciphertext})
	if err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.j.OpportunisticSync(ctx); err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}
	dag, ok := c.j.State().(*caldav.State)
	if !ok {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, &storage.Error{Op: "Calendar.Put", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T", c.j.State())}
	}
	entry := caldav.IndexEntry{FileName: filename, Etag: etag}
	op, err := caldav.EncodePut(id, dag.Heads(), entry)
	if err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}
	if _, err := c.j.Push(ctx, op); err != nil {
		return ident.UniqueIdent{}, caldav.IndexEntry{}, err
	}
	return id, entry, nil
}

// Delete pushes a Delete op, then best-effort removes the blob. It fails
// with NotFound — from the facade, not from the store — when id is not a
// currently-registered entity.
func (c *Calendar) Delete(ctx context.Context, id ident.UniqueIdent) (ident.UniqueIdent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.j.OpportunisticSync(ctx); err != nil {
		return ident.UniqueIdent{}, err
	}
	dag, ok := c.j.State().(*caldav.State)
	if !ok {
		return ident.UniqueIdent{}, &storage.Error{Op: "Calendar.Delete", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T", c.j.State())}
	}
	if _, exists := dag.Get(id); !exists {
		return ident.UniqueIdent{}, &storage.Error{Op: "Calendar.Delete", Kind: storage.KindNotFound, Err: fmt.Errorf("event %s does not exist", id)}
	}

	token, err := ident.Gen()
	if err != nil {
		return ident.UniqueIdent{}, err
	}
	op, err := caldav.EncodeDelete(token, dag.Heads())
	if err != nil {
		return ident.UniqueIdent{}, err
	}
	if _, err := c.j.Push(ctx, op); err != nil {
		return ident.UniqueIdent{}, err
	}

	_ = c.blobs.BlobRm(ctx, blobAddress(c.blobPrefix, id))
	return token, nil
}

// Diff implements the Diff contract: it resolves every change
// recorded since sync_token, synthesizing and pushing a Merge op — and
// returning its id as the new token — whenever more than one head exists.
func (c *Calendar) Diff(ctx context.Context, syncToken ident.UniqueIdent) (ident.UniqueIdent, []caldav.SyncChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.j.OpportunisticSync(ctx); err != nil {
		return ident.UniqueIdent{}, nil, err
	}
	dag, ok := c.j.State().(*caldav.State)
	if !ok {
		return ident.UniqueIdent{}, nil, &storage.Error{Op: "Calendar.Diff", Kind: storage.KindInvariant, Err: fmt.Errorf("journal state is %T", c.j.State())}
	}
	changes, ok := dag.Resolve(syncToken)
	if !ok {
		return ident.UniqueIdent{}, nil, &storage.Error{Op: "Calendar.Diff", Kind: storage.KindNotFound, Err: fmt.Errorf("sync token %s is not a known DAG vertex", syncToken)}
	}

	heads := dag.Heads()
	if len(heads) == 1 {
		return heads[0], changes, nil
	}

	mergeID, err := ident.Gen()
	if err != nil {
		return ident.UniqueIdent{}, nil, err
	}
	op, err := caldav.EncodeMerge(mergeID, heads)
	if err != nil {
		return ident.UniqueIdent{}, nil, err
	}
	if _, err := c.j.Push(ctx, op); err != nil {
		return ident.UniqueIdent{}, nil, err
	}
	return mergeID, changes, nil
}
