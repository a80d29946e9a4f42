package mailbox_test

import (
	"testing"

	"postvault.dev/ident"
	"postvault.dev/mailbox"
)

func mustID(t *testing.T) ident.UniqueIdent {
	t.Helper()
	id, err := ident.Gen()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func apply(t *testing.T, s *mailbox.State, op []byte, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(op); err != nil {
		t.Fatal(err)
	}
}

func mailAdd(t *testing.T, s *mailbox.State, id ident.UniqueIdent, proposedUID uint32, proposedModseq uint64, flags []string) {
	t.Helper()
	op, err := mailbox.EncodeMailAdd(id, proposedUID, proposedModseq, flags)
	apply(t, s, op, err)
}

func mailDel(t *testing.T, s *mailbox.State, id ident.UniqueIdent) {
	t.Helper()
	op, err := mailbox.EncodeMailDel(id)
	apply(t, s, op, err)
}

func flagAdd(t *testing.T, s *mailbox.State, id ident.UniqueIdent, proposedModseq uint64, flags []string) {
	t.Helper()
	op, err := mailbox.EncodeFlagAdd(id, proposedModseq, flags)
	apply(t, s, op, err)
}

func flagDel(t *testing.T, s *mailbox.State, id ident.UniqueIdent, proposedModseq uint64, flags []string) {
	t.Helper()
	op, err := mailbox.EncodeFlagDel(id, proposedModseq, flags)
	apply(t, s, op, err)
}

func bumpUidvalidity(t *testing.T, s *mailbox.State, n uint32) {
	t.Helper()
	op, err := mailbox.EncodeBumpUidvalidity(n)
	apply(t, s, op, err)
}

// Two sequential MailAdd ops on an empty mailbox, each proposing the current
// UIDNext/MODSEQ, get UIDs 1 and 2 without a uidvalidity bump, and
// UIDsWithFlag reflects the flags each carried.
func TestScenarioUIDAssignment(t *testing.T) {
	s := mailbox.New()
	a, b := mustID(t), mustID(t)

	mailAdd(t, s, a, s.UIDNext(), s.HighestModseq()+1, []string{"\\Recent", "\\Archive"})
	mailAdd(t, s, b, s.UIDNext(), s.HighestModseq()+1, []string{"\\Seen", "\\Archive"})

	ea, ok := s.Get(a)
	if !ok || ea.UID != 1 {
		t.Fatalf("A entry = %+v, ok=%v, want UID=1", ea, ok)
	}
	eb, ok := s.Get(b)
	if !ok || eb.UID != 2 {
		t.Fatalf("B entry = %+v, ok=%v, want UID=2", eb, ok)
	}
	if got, want := s.UIDNext(), uint32(3); got != want {
		t.Errorf("UIDNext = %d, want %d", got, want)
	}
	if got, want := s.Uidvalidity, uint32(1); got != want {
		t.Errorf("Uidvalidity = %d, want %d", got, want)
	}
	if got := s.UIDsWithFlag("\\Archive"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("UIDsWithFlag(Archive) = %v, want [1 2]", got)
	}
}

// On a state with internalseq=2, internalmodseq=2 (i.e. after exactly one
// prior MailAdd), a MailAdd proposing (uid=1, modseq=1) collides and bumps
// uidvalidity by the gap (2-1)+(2-1) = 2, from its initial 1 to 3.
func TestScenarioConcurrentUIDCollision(t *testing.T) {
	s := mailbox.New()
	a := mustID(t)
	mailAdd(t, s, a, s.UIDNext(), s.HighestModseq()+1, nil)
	if got, want := s.UIDNext(), uint32(2); got != want {
		t.Fatalf("UIDNext = %d, want %d (setup: internalseq=2)", got, want)
	}

	c := mustID(t)
	mailAdd(t, s, c, 1, 1, []string{"\\Archive", "\\Recent"})

	if got, want := s.Uidvalidity, uint32(3); got != want {
		t.Errorf("Uidvalidity = %d, want %d", got, want)
	}
	ec, ok := s.Get(c)
	if !ok || ec.UID != 2 {
		t.Fatalf("C entry = %+v, ok=%v, want UID=2", ec, ok)
	}
	if got, want := s.UIDNext(), uint32(3); got != want {
		t.Errorf("UIDNext = %d, want %d", got, want)
	}
}

// A flag delete followed by a mail delete leaves the surviving entry's
// flags trimmed and the deleted entry gone, with UIDNext unaffected.
func TestScenarioFlagDeleteThenExpunge(t *testing.T) {
	s := mailbox.New()
	a, b := mustID(t), mustID(t)
	mailAdd(t, s, a, 0, 0, []string{"\\Recent", "\\Archive"})
	mailAdd(t, s, b, 0, 0, []string{"\\Seen", "\\Archive"})

	flagDel(t, s, a, s.HighestModseq()+1, []string{"\\Recent"})
	mailDel(t, s, b)

	ea, ok := s.Get(a)
	if !ok || len(ea.Flags) != 1 || ea.Flags[0] != "\\Archive" {
		t.Fatalf("A.Flags = %v, want [\\Archive]", ea.Flags)
	}
	if _, ok := s.Get(b); ok {
		t.Fatal("B still present after MailDel")
	}
	if got := s.UIDsWithFlag("\\Archive"); len(got) != 1 || got[0] != 1 {
		t.Errorf("UIDsWithFlag(Archive) = %v, want [1]", got)
	}
	if got, want := s.UIDNext(), uint32(3); got != want {
		t.Errorf("UIDNext = %d, want %d (unchanged by flag/delete ops)", got, want)
	}
}

// uidnext tracks max(uid)+1 when non-empty, else 1.
func TestPropertyUIDNextTracksMax(t *testing.T) {
	s := mailbox.New()
	if got, want := s.UIDNext(), uint32(1); got != want {
		t.Fatalf("empty UIDNext = %d, want %d", got, want)
	}
	ids := make([]ident.UniqueIdent, 5)
	for i := range ids {
		ids[i] = mustID(t)
		mailAdd(t, s, ids[i], 0, 0, nil)
	}
	maxUID := uint32(0)
	for _, id := range ids {
		e, _ := s.Get(id)
		if e.UID > maxUID {
			maxUID = e.UID
		}
	}
	if got, want := s.UIDNext(), maxUID+1; got != want {
		t.Errorf("UIDNext = %d, want %d", got, want)
	}
}

// highestmodseq tracks max(modseq) when non-empty.
func TestPropertyHighestModseqTracksMax(t *testing.T) {
	s := mailbox.New()
	a, b := mustID(t), mustID(t)
	mailAdd(t, s, a, 0, 0, nil)
	mailAdd(t, s, b, 0, 0, nil)
	flagAdd(t, s, a, s.HighestModseq()+1, []string{"\\Seen"})

	ea, _ := s.Get(a)
	eb, _ := s.Get(b)
	maxModseq := ea.Modseq
	if eb.Modseq > maxModseq {
		maxModseq = eb.Modseq
	}
	if got, want := s.HighestModseq(), maxModseq; got != want {
		t.Errorf("HighestModseq = %d, want %d", got, want)
	}
}

// Concurrent MailAdd ops with colliding proposed UIDs bump uidvalidity by
// at least 1 and both mails get distinct UIDs.
func TestPropertyCollidingMailAddBumpsUidvalidityAndSeparatesUIDs(t *testing.T) {
	s := mailbox.New()
	a, b := mustID(t), mustID(t)
	mailAdd(t, s, a, 1, 1, nil)
	before := s.Uidvalidity
	mailAdd(t, s, b, 1, 1, nil)

	if s.Uidvalidity < before+1 {
		t.Errorf("Uidvalidity did not bump: before=%d after=%d", before, s.Uidvalidity)
	}
	ea, _ := s.Get(a)
	eb, _ := s.Get(b)
	if ea.UID == eb.UID {
		t.Errorf("colliding MailAdds got the same UID %d", ea.UID)
	}
}

func TestBumpUidvaliditySaturates(t *testing.T) {
	s := mailbox.New()
	bumpUidvalidity(t, s, 4294967295)
	bumpUidvalidity(t, s, 10)
	if s.Uidvalidity != 4294967295 {
		t.Errorf("Uidvalidity = %d, want saturated at max uint32", s.Uidvalidity)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	s := mailbox.New()
	a, b := mustID(t), mustID(t)
	mailAdd(t, s, a, 0, 0, []string{"\\Seen"})
	mailAdd(t, s, b, 0, 0, []string{"\\Flagged"})

	data, err := s.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	s2 := mailbox.New()
	if err := s2.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	e1, ok := s2.Get(a)
	if !ok || e1.UID != 1 {
		t.Fatalf("after round-trip, A = %+v, ok=%v", e1, ok)
	}
	if got := s2.UIDsWithFlag("\\Seen"); len(got) != 1 || got[0] != 1 {
		t.Errorf("UIDsWithFlag(Seen) after round-trip = %v, want [1]", got)
	}
	if s2.UIDNext() != s.UIDNext() {
		t.Errorf("UIDNext after round-trip = %d, want %d", s2.UIDNext(), s.UIDNext())
	}
}
