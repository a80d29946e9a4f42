package ident_test

import (
	"testing"

	"postvault.dev/ident"
)

func TestUniqueIdentRoundTrip(t *testing.T) {
	id, err := ident.Gen()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ident.Parse(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("Parse(String()) = %v, want %v", got, id)
	}
}

func TestParseBadLength(t *testing.T) {
	if _, err := ident.Parse("abcd"); err == nil {
		t.Error("Parse: want error for short hex string")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := ident.Now()
	got, err := ident.ParseTimestamp(ts.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != ts {
		t.Errorf("ParseTimestamp(String()) = %v, want %v", got, ts)
	}
	if len(ts.String()) != 32 {
		t.Errorf("len(String()) = %d, want 32", len(ts.String()))
	}
}

func TestAfterIsStrictlyGreater(t *testing.T) {
	base := ident.Timestamp{Msec: 1000, Rand: 42}
	for i := 0; i < 100; i++ {
		next := ident.After(base)
		if !base.Less(next) {
			t.Fatalf("After(%v) = %v, not greater", base, next)
		}
		base = next
	}
}

func TestCompare(t *testing.T) {
	a := ident.Timestamp{Msec: 1, Rand: 5}
	b := ident.Timestamp{Msec: 1, Rand: 6}
	c := ident.Timestamp{Msec: 2, Rand: 0}

	if a.Compare(b) >= 0 {
		t.Error("a should be < b")
	}
	if b.Compare(c) >= 0 {
		t.Error("b should be < c")
	}
	if a.Compare(a) != 0 {
		t.Error("a should equal a")
	}
}
