package sqlitestore

import (
	"encoding/json"
	"fmt"

	"postvault.dev/storage"
)

// sibling is one physical value stored for a given (Shard, Sort) address.
type sibling struct {
	Tag       string
	Version   int64
	Tombstone bool
	Value     []byte

	// rowID is the SQLite rowid backing this sibling's Value blob column,
	// used to read/write it through the incremental blob API. It is never
	// exposed outside this package.
	rowID int64
}

// causality is the set of (tag, version) pairs a reader observed for an
// address. It round-trips through storage.Causality as JSON, so a future
// schema change can still decode an old token.
type causality map[string]int64

func encodeCausality(c causality) storage.Causality {
	if len(c) == 0 {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		// c is a map[string]int64; marshaling cannot fail.
		panic(fmt.Sprintf("sqlitestore: marshal causality: %v", err))
	}
	return storage.Causality(b)
}

func decodeCausality(tok storage.Causality) (causality, error) {
	if len(tok) == 0 {
		return causality{}, nil
	}
	var c causality
	if err := json.Unmarshal(tok, &c); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode causality token: %v", err)
	}
	return c, nil
}

// observedExact reports whether the reader who produced tok had already seen
// sibling s — i.e. this exact (tag, version) pair was part of what they
// read back before issuing their conditional write. Siblings that were NOT
// observed represent a genuine concurrent write raced against the reader
// and must never be silently dropped.
func (c causality) observedExact(s sibling) bool {
	v, ok := c[s.Tag]
	return ok && v == s.Version
}
