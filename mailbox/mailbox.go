// Package mailbox implements the UID Index State: the IMAP-shaped fold of
// a Journal's operations into a UID/MODSEQ/flag index.
package mailbox

import (
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"postvault.dev/ident"
	"postvault.dev/journal"
)

// OpKind discriminates the mailbox op sum type across msgpack encoding,
// since msgpack has no native tagged union.
type OpKind string

const (
	OpMailAdd          OpKind = "MailAdd"
	OpMailDel          OpKind = "MailDel"
	OpFlagAdd          OpKind = "FlagAdd"
	OpFlagDel          OpKind = "FlagDel"
	OpFlagSet          OpKind = "FlagSet"
	OpBumpUidvalidity  OpKind = "BumpUidvalidity"
)

// Op is the wire form of one mailbox mutation.
type Op struct {
	Kind OpKind

	ID             ident.UniqueIdent `msgpack:",omitempty"`
	ProposedUID    uint32            `msgpack:",omitempty"`
	ProposedModseq uint64            `msgpack:",omitempty"`
	Flags          []string          `msgpack:",omitempty"`
	N              uint32            `msgpack:",omitempty"`
}

func encodeOp(op Op) ([]byte, error) {
	b, err := msgpack.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("mailbox: encode op: %v", err)
	}
	return b, nil
}

func decodeOp(data []byte) (Op, error) {
	var op Op
	if err := msgpack.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("mailbox: decode op: %v", err)
	}
	return op, nil
}

// Entry is one mailbox entity's visible state.
type Entry struct {
	UID    uint32
	Modseq uint64
	Flags  []string
}

// State is the UID Index State. It implements journal.State.
type State struct {
	Table map[ident.UniqueIdent]Entry

	Uidvalidity    uint32
	internalseq    uint32
	internalmodseq uint64

	// derived indexes, rebuilt on load from Table — only Table and the
	// counters above are serialized.
	byUID    map[uint32]ident.UniqueIdent
	byModseq map[uint64]ident.UniqueIdent
	byFlag   map[string]map[uint32]bool
}

var _ journal.State = (*State)(nil)

// New returns an empty UID Index State with Uidvalidity, internalseq and
// internalmodseq starting at 1, matching invariant "uidnext == 1" on an
// empty table.
func New() *State {
	s := &State{Table: make(map[ident.UniqueIdent]Entry), Uidvalidity: 1, internalseq: 1, internalmodseq: 1}
	s.rebuildIndexes()
	return s
}

func (s *State) rebuildIndexes() {
	s.byUID = make(map[uint32]ident.UniqueIdent, len(s.Table))
	s.byModseq = make(map[uint64]ident.UniqueIdent, len(s.Table))
	s.byFlag = make(map[string]map[uint32]bool)
	for id, e := range s.Table {
		s.byUID[e.UID] = id
		s.byModseq[e.Modseq] = id
		for _, f := range e.Flags {
			s.registerFlag(f, e.UID)
		}
	}
}

func (s *State) registerFlag(flag string, uid uint32) {
	set, ok := s.byFlag[flag]
	if !ok {
		set = make(map[uint32]bool)
		s.byFlag[flag] = set
	}
	set[uid] = true
}

func (s *State) unregisterFlag(flag string, uid uint32) {
	if set, ok := s.byFlag[flag]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(s.byFlag, flag)
		}
	}
}

// UIDNext reports the next UID that will be assigned.
func (s *State) UIDNext() uint32 { return s.internalseq }

// HighestModseq reports the highest MODSEQ currently observable.
func (s *State) HighestModseq() uint64 {
	if s.internalmodseq == 0 {
		return 0
	}
	return s.internalmodseq - 1
}

// Get returns the entry for id, if present.
func (s *State) Get(id ident.UniqueIdent) (Entry, bool) {
	e, ok := s.Table[id]
	return e, ok
}

// UIDsWithFlag returns every UID currently carrying flag, sorted.
func (s *State) UIDsWithFlag(flag string) []uint32 {
	set := s.byFlag[flag]
	out := make([]uint32, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *State) unregister(id ident.UniqueIdent) {
	e, ok := s.Table[id]
	if !ok {
		return
	}
	delete(s.Table, id)
	delete(s.byUID, e.UID)
	delete(s.byModseq, e.Modseq)
	for _, f := range e.Flags {
		s.unregisterFlag(f, e.UID)
	}
}

func saturatingAddUint32(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}

// applyMailAdd is the MailAdd fold rule.
func (s *State) applyMailAdd(op Op) {
	s.unregister(op.ID)

	gap := uint32(0)
	if op.ProposedUID < s.internalseq {
		gap += s.internalseq - op.ProposedUID
	}
	if op.ProposedModseq < s.internalmodseq {
		gap += uint32(s.internalmodseq - op.ProposedModseq)
	}
	if gap > 0 {
		s.Uidvalidity = saturatingAddUint32(s.Uidvalidity, gap)
	}

	uid := s.internalseq
	modseq := s.internalmodseq
	entry := Entry{UID: uid, Modseq: modseq, Flags: append([]string(nil), op.Flags...)}
	s.Table[op.ID] = entry
	s.byUID[uid] = op.ID
	s.byModseq[modseq] = op.ID
	for _, f := range op.Flags {
		s.registerFlag(f, uid)
	}

	s.internalseq++
	s.internalmodseq++
}

// applyMailDel is the MailDel fold rule: unregister, advance internalseq
// only — MODSEQ is unaffected by deletion.
func (s *State) applyMailDel(op Op) {
	s.unregister(op.ID)
	s.internalseq++
}

func (s *State) applyFlags(op Op, mutate func(existing map[string]bool, flags []string)) {
	entry, ok := s.Table[op.ID]
	if !ok {
		return
	}

	if op.ProposedModseq < s.internalmodseq {
		gap := uint32(s.internalmodseq - op.ProposedModseq)
		s.Uidvalidity = saturatingAddUint32(s.Uidvalidity, gap)
	}

	have := make(map[string]bool, len(entry.Flags))
	for _, f := range entry.Flags {
		have[f] = true
	}
	mutate(have, op.Flags)

	newFlags := make([]string, 0, len(have))
	for f := range have {
		newFlags = append(newFlags, f)
	}
	sort.Strings(newFlags)

	for _, f := range entry.Flags {
		s.unregisterFlag(f, entry.UID)
	}
	for _, f := range newFlags {
		s.registerFlag(f, entry.UID)
	}

	delete(s.byModseq, entry.Modseq)
	entry.Flags = newFlags
	entry.Modseq = s.internalmodseq
	s.Table[op.ID] = entry
	s.byModseq[entry.Modseq] = op.ID

	s.internalmodseq++
}

// Apply implements journal.State.
func (s *State) Apply(opPlaintext []byte) error {
	op, err := decodeOp(opPlaintext)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpMailAdd:
		s.applyMailAdd(op)
	case OpMailDel:
		s.applyMailDel(op)
	case OpFlagAdd:
		s.applyFlags(op, func(have map[string]bool, flags []string) {
			for _, f := range flags {
				have[f] = true
			}
		})
	case OpFlagDel:
		s.applyFlags(op, func(have map[string]bool, flags []string) {
			for _, f := range flags {
				delete(have, f)
			}
		})
	case OpFlagSet:
		s.applyFlags(op, func(have map[string]bool, flags []string) {
			for f := range have {
				delete(have, f)
			}
			for _, f := range flags {
				have[f] = true
			}
		})
	case OpBumpUidvalidity:
		s.Uidvalidity = saturatingAddUint32(s.Uidvalidity, op.N)
	default:
		return fmt.Errorf("mailbox: unknown op kind %q", op.Kind)
	}
	return nil
}

// wireEntry pairs an entity id with its Entry for serialization — msgpack
// encodes struct slices more predictably across versions than a map keyed
// by a fixed-size byte array.
type wireEntry struct {
	ID    ident.UniqueIdent
	Entry Entry
}

type wireState struct {
	Table          []wireEntry
	Uidvalidity    uint32
	Internalseq    uint32
	Internalmodseq uint64
}

// Marshal implements journal.State. Only Table and the counters are kept;
// every derived index is rebuilt by Unmarshal.
func (s *State) Marshal() ([]byte, error) {
	w := wireState{
		Table:          make([]wireEntry, 0, len(s.Table)),
		Uidvalidity:    s.Uidvalidity,
		Internalseq:    s.internalseq,
		Internalmodseq: s.internalmodseq,
	}
	for id, e := range s.Table {
		w.Table = append(w.Table, wireEntry{ID: id, Entry: e})
	}
	b, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("mailbox: marshal state: %v", err)
	}
	return b, nil
}

// Unmarshal implements journal.State.
func (s *State) Unmarshal(data []byte) error {
	var w wireState
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("mailbox: unmarshal state: %v", err)
	}
	s.Table = make(map[ident.UniqueIdent]Entry, len(w.Table))
	for _, we := range w.Table {
		s.Table[we.ID] = we.Entry
	}
	s.Uidvalidity = w.Uidvalidity
	s.internalseq = w.Internalseq
	s.internalmodseq = w.Internalmodseq
	s.rebuildIndexes()
	return nil
}

// Snapshot implements journal.State.
func (s *State) Snapshot() journal.State {
	cp := &State{
		Table:          make(map[ident.UniqueIdent]Entry, len(s.Table)),
		Uidvalidity:    s.Uidvalidity,
		internalseq:    s.internalseq,
		internalmodseq: s.internalmodseq,
	}
	for id, e := range s.Table {
		cp.Table[id] = Entry{UID: e.UID, Modseq: e.Modseq, Flags: append([]string(nil), e.Flags...)}
	}
	cp.rebuildIndexes()
	return cp
}

// Encode helpers used by the collection facade to build Journal ops.

func EncodeMailAdd(id ident.UniqueIdent, proposedUID uint32, proposedModseq uint64, flags []string) ([]byte, error) {
	return encodeOp(Op{Kind: OpMailAdd, ID: id, ProposedUID: proposedUID, ProposedModseq: proposedModseq, Flags: flags})
}

func EncodeMailDel(id ident.UniqueIdent) ([]byte, error) {
	return encodeOp(Op{Kind: OpMailDel, ID: id})
}

func EncodeFlagAdd(id ident.UniqueIdent, proposedModseq uint64, flags []string) ([]byte, error) {
	return encodeOp(Op{Kind: OpFlagAdd, ID: id, ProposedModseq: proposedModseq, Flags: flags})
}

func EncodeFlagDel(id ident.UniqueIdent, proposedModseq uint64, flags []string) ([]byte, error) {
	return encodeOp(Op{Kind: OpFlagDel, ID: id, ProposedModseq: proposedModseq, Flags: flags})
}

func EncodeFlagSet(id ident.UniqueIdent, proposedModseq uint64, flags []string) ([]byte, error) {
	return encodeOp(Op{Kind: OpFlagSet, ID: id, ProposedModseq: proposedModseq, Flags: flags})
}

func EncodeBumpUidvalidity(n uint32) ([]byte, error) {
	return encodeOp(Op{Kind: OpBumpUidvalidity, N: n})
}
