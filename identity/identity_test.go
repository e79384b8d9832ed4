package identity

import (
	"crypto/sha256"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	a := Derive("alice.near")
	b := Derive("alice.near")
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
	if a == Derive("bob.near") {
		t.Fatalf("distinct accounts must not collide on %s", a)
	}
}

func TestDeriveRoundTrip(t *testing.T) {
	id := Derive("carol.near")
	want := sha256.Sum256([]byte("carol.near"))
	got := id.Bytes()
	if len(got) != len(want) {
		t.Fatalf("decoded digest length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded digest mismatch at byte %d", i)
		}
	}
}

func TestFromEncoded(t *testing.T) {
	id := Derive("dave.near")
	if FromEncoded(id.String()) != id {
		t.Fatalf("FromEncoded must reproduce the original id")
	}
	if !FromEncoded("").IsZero() {
		t.Fatalf("empty encoding must be the zero id")
	}
	if id.Len() != len(id.String()) {
		t.Fatalf("Len must match the encoded form")
	}
}
