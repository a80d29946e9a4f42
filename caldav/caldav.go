// Package caldav implements the DAV DAG State: a CalDAV
// collection's entity index plus the partial synchronization DAG used to
// answer "what changed since token X" without replaying the full log.
package caldav

import (
	"bytes"
	"fmt"
	"log"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"postvault.dev/ident"
	"postvault.dev/journal"
)

// OpKind discriminates the DAV DAG op sum type across msgpack encoding.
type OpKind string

const (
	OpPut    OpKind = "Put"
	OpDelete OpKind = "Delete"
	OpMerge  OpKind = "Merge"
)

// IndexEntry is the visible (filename, etag) pair for one calendar object.
type IndexEntry struct {
	FileName string
	Etag     string
}

// Op is the wire form of one DAV DAG mutation. Parents are the
// heads observed at creation time; they are only ever carried in the op log,
// never in a checkpoint.
type Op struct {
	Kind    OpKind
	ID      ident.UniqueIdent
	Parents []ident.UniqueIdent `msgpack:",omitempty"`
	Entry   IndexEntry          `msgpack:",omitempty"`
}

func encodeOp(op Op) ([]byte, error) {
	b, err := msgpack.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("caldav: encode op: %v", err)
	}
	return b, nil
}

func decodeOp(data []byte) (Op, error) {
	var op Op
	if err := msgpack.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("caldav: decode op: %v", err)
	}
	return op, nil
}

// SyncChange is one recorded mutation, keyed by the token (op id) that
// produced it. Merge ops carry no entity change and are never recorded.
type SyncChange struct {
	Token ident.UniqueIdent
	ID    ident.UniqueIdent
	Kind  OpKind
	Entry IndexEntry
}

// State is the DAV DAG State. It implements journal.State.
type State struct {
	Table map[ident.UniqueIdent]IndexEntry

	// idxByFilename, successors and heads are derived/partial and rebuilt on
	// load — only Table and the DAG's heads are serialized.
	idxByFilename map[string]ident.UniqueIdent
	successors    map[ident.UniqueIdent]map[ident.UniqueIdent]bool
	heads         map[ident.UniqueIdent]bool

	// change records the SyncChange for every Put/Delete folded since this
	// State was last loaded from a checkpoint. It is never serialized: the
	// partial DAG (and the changes it can explain) is rebuilt from the
	// unfolded op tail on the next sync, exactly like successors.
	change map[ident.UniqueIdent]SyncChange
}

var _ journal.State = (*State)(nil)

// New returns an empty DAV DAG State.
func New() *State {
	s := &State{Table: make(map[ident.UniqueIdent]IndexEntry)}
	s.rebuildIndexes()
	return s
}

func (s *State) rebuildIndexes() {
	s.idxByFilename = make(map[string]ident.UniqueIdent, len(s.Table))
	for id, e := range s.Table {
		s.idxByFilename[e.FileName] = id
	}
	if s.successors == nil {
		s.successors = make(map[ident.UniqueIdent]map[ident.UniqueIdent]bool)
	}
	if s.heads == nil {
		s.heads = make(map[ident.UniqueIdent]bool)
	}
	if s.change == nil {
		s.change = make(map[ident.UniqueIdent]SyncChange)
	}
}

func (s *State) register(id ident.UniqueIdent, entry IndexEntry) {
	s.Table[id] = entry
	s.idxByFilename[entry.FileName] = id
}

func (s *State) unregister(id ident.UniqueIdent) {
	entry, ok := s.Table[id]
	if !ok {
		return
	}
	delete(s.idxByFilename, entry.FileName)
	delete(s.Table, id)
}

// Get returns the entry for id, if present.
func (s *State) Get(id ident.UniqueIdent) (IndexEntry, bool) {
	e, ok := s.Table[id]
	return e, ok
}

// Lookup returns the id registered for a filename, if present.
func (s *State) Lookup(filename string) (ident.UniqueIdent, bool) {
	id, ok := s.idxByFilename[filename]
	return id, ok
}

// Heads returns the current DAG heads, sorted for deterministic output.
func (s *State) Heads() []ident.UniqueIdent {
	out := make([]ident.UniqueIdent, 0, len(s.heads))
	for id := range s.heads {
		out = append(out, id)
	}
	sortIdents(out)
	return out
}

func sortIdents(ids []ident.UniqueIdent) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
}

// syncDAG is the partial-DAG acceptance rule, applied trial-then-commit:
// every parent must already be a known vertex before anything is mutated,
// so a rejected op never leaves successors/heads partially updated.
func (s *State) syncDAG(child ident.UniqueIdent, parents []ident.UniqueIdent) bool {
	trial := make(map[ident.UniqueIdent]map[ident.UniqueIdent]bool, len(s.successors))
	for id, kids := range s.successors {
		cp := make(map[ident.UniqueIdent]bool, len(kids))
		for k := range kids {
			cp[k] = true
		}
		trial[id] = cp
	}
	for _, par := range parents {
		kids, ok := trial[par]
		if !ok {
			// An event is missing from the partial DAG; skip and let the
			// next full sync (or a client resync) recover.
			log.Printf("caldav: op %s names unknown parent %s, skipped", child, par)
			return false
		}
		kids[child] = true
	}
	s.successors = trial

	for _, par := range parents {
		delete(s.heads, par)
	}
	s.heads[child] = true
	s.successors[child] = make(map[ident.UniqueIdent]bool)
	return true
}

// Apply implements journal.State.
func (s *State) Apply(opPlaintext []byte) error {
	op, err := decodeOp(opPlaintext)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpPut:
		if s.syncDAG(op.ID, op.Parents) {
			s.register(op.ID, op.Entry)
			s.change[op.ID] = SyncChange{Token: op.ID, ID: op.ID, Kind: OpPut, Entry: op.Entry}
		}
	case OpDelete:
		if s.syncDAG(op.ID, op.Parents) {
			s.unregister(op.ID)
			s.change[op.ID] = SyncChange{Token: op.ID, ID: op.ID, Kind: OpDelete}
		}
	case OpMerge:
		// Merge always runs the DAG acceptance rule, regardless of whether
		// it succeeds — it carries no entity change to gate on the result.
		s.syncDAG(op.ID, op.Parents)
	default:
		return fmt.Errorf("caldav: unknown op kind %q", op.Kind)
	}
	return nil
}

// predecessors inverts successors into a parent lookup: for each vertex, the
// set of vertices that named it as a child.
func (s *State) predecessors() map[ident.UniqueIdent][]ident.UniqueIdent {
	pred := make(map[ident.UniqueIdent][]ident.UniqueIdent, len(s.successors))
	for parent, kids := range s.successors {
		for kid := range kids {
			pred[kid] = append(pred[kid], parent)
		}
	}
	return pred
}

// ancestorClosure returns token and every vertex reachable from it by
// following parent edges backward — everything the token holder has already
// observed. An unknown token — one this State's partial DAG has never seen
// as a vertex — is reported so the caller can fall back to a full resync.
func (s *State) ancestorClosure(token ident.UniqueIdent) (map[ident.UniqueIdent]bool, bool) {
	if _, ok := s.successors[token]; !ok {
		return nil, false
	}
	pred := s.predecessors()
	seen := map[ident.UniqueIdent]bool{token: true}
	queue := []ident.UniqueIdent{token}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, p := range pred[id] {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen, true
}

// Resolve returns the recorded changes for every vertex outside token's
// ancestor closure: the ops the token holder has not yet observed, whether
// true descendants or concurrent siblings it never saw. Vertices whose
// change predates this State's load are dropped, since change is never
// serialized. An unknown token is reported via ok=false.
func (s *State) Resolve(token ident.UniqueIdent) ([]SyncChange, bool) {
	anc, ok := s.ancestorClosure(token)
	if !ok {
		return nil, false
	}
	ids := make([]ident.UniqueIdent, 0, len(s.successors))
	for id := range s.successors {
		if !anc[id] {
			ids = append(ids, id)
		}
	}
	sortIdents(ids)
	out := make([]SyncChange, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.change[id]; ok {
			out = append(out, c)
		}
	}
	return out, true
}

// wireEntry pairs an entity id with its IndexEntry for serialization.
type wireEntry struct {
	ID    ident.UniqueIdent
	Entry IndexEntry
}

type wireState struct {
	Table []wireEntry
	Heads []ident.UniqueIdent
}

// Marshal implements journal.State. Only the table and the current heads
// are kept; successors and change are rebuilt from the op tail.
func (s *State) Marshal() ([]byte, error) {
	w := wireState{
		Table: make([]wireEntry, 0, len(s.Table)),
		Heads: s.Heads(),
	}
	for id, e := range s.Table {
		w.Table = append(w.Table, wireEntry{ID: id, Entry: e})
	}
	b, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("caldav: marshal state: %v", err)
	}
	return b, nil
}

// Unmarshal implements journal.State. The partial DAG is reinitialized with
// the loaded heads as roots (successors[head] = {}), so a child op naming a
// restored head as parent is accepted immediately after reload.
func (s *State) Unmarshal(data []byte) error {
	var w wireState
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("caldav: unmarshal state: %v", err)
	}
	s.Table = make(map[ident.UniqueIdent]IndexEntry, len(w.Table))
	s.idxByFilename = make(map[string]ident.UniqueIdent, len(w.Table))
	s.successors = make(map[ident.UniqueIdent]map[ident.UniqueIdent]bool)
	s.heads = make(map[ident.UniqueIdent]bool)
	s.change = make(map[ident.UniqueIdent]SyncChange)
	for _, we := range w.Table {
		s.register(we.ID, we.Entry)
	}
	for _, id := range w.Heads {
		s.successors[id] = make(map[ident.UniqueIdent]bool)
		s.heads[id] = true
	}
	return nil
}

// Snapshot implements journal.State.
func (s *State) Snapshot() journal.State {
	cp := &State{
		Table:         make(map[ident.UniqueIdent]IndexEntry, len(s.Table)),
		idxByFilename: make(map[string]ident.UniqueIdent, len(s.idxByFilename)),
		successors:    make(map[ident.UniqueIdent]map[ident.UniqueIdent]bool, len(s.successors)),
		heads:         make(map[ident.UniqueIdent]bool, len(s.heads)),
		change:        make(map[ident.UniqueIdent]SyncChange, len(s.change)),
	}
	for id, e := range s.Table {
		cp.Table[id] = e
	}
	for name, id := range s.idxByFilename {
		cp.idxByFilename[name] = id
	}
	for id, kids := range s.successors {
		kidsCp := make(map[ident.UniqueIdent]bool, len(kids))
		for k := range kids {
			kidsCp[k] = true
		}
		cp.successors[id] = kidsCp
	}
	for id := range s.heads {
		cp.heads[id] = true
	}
	for id, c := range s.change {
		cp.change[id] = c
	}
	return cp
}

// Encode helpers used by the collection facade to build Journal ops.
// Parents is always the caller's current Heads() at op-construction time.

func EncodePut(id ident.UniqueIdent, parents []ident.UniqueIdent, entry IndexEntry) ([]byte, error) {
	return encodeOp(Op{Kind: OpPut, ID: id, Parents: parents, Entry: entry})
}

func EncodeDelete(id ident.UniqueIdent, parents []ident.UniqueIdent) ([]byte, error) {
	return encodeOp(Op{Kind: OpDelete, ID: id, Parents: parents})
}

func EncodeMerge(id ident.UniqueIdent, parents []ident.UniqueIdent) ([]byte, error) {
	return encodeOp(Op{Kind: OpMerge, ID: id, Parents: parents})
}
