package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestKeyedLinkDeterministicAndKeyBound(t *testing.T) {
	k := NewKeyed("client-key")
	a := k.Link(GenesisSentinel, "id-1", "ts", "email")
	b := k.Link(GenesisSentinel, "id-1", "ts", "email")
	if a != b {
		t.Fatalf("expected deterministic link, got %s vs %s", a, b)
	}
	if other := NewKeyed("client-keY").Link(GenesisSentinel, "id-1", "ts", "email"); other == a {
		t.Fatal("expected different key to change link")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestKeyedLinkMatchesHMACOverJoinedFields(t *testing.T) {
	m := hmac.New(sha256.New, []byte("k"))
	m.Write([]byte("prev|a|b"))
	want := hex.EncodeToString(m.Sum(nil))
	if got := NewKeyed("k").Link("prev", "a", "b"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := NewKeyed("k").Sum("prev|a|b"); got != want {
		t.Fatalf("expected Sum to match, got %s", got)
	}
}

func TestPlainLinkMatchesSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte(ZeroGenesis + "|1|file_access|{}"))
	want := hex.EncodeToString(sum[:])
	if got := (Plain{}).Link(ZeroGenesis, "1", "file_access", "{}"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestFieldBoundariesMatter(t *testing.T) {
	p := Plain{}
	if p.Link("x", "ab", "c") == p.Link("x", "a", "bc") {
		t.Fatal("expected field boundaries to change the link")
	}
}

func TestGenesisHelpers(t *testing.T) {
	empty := ""
	sentinel := GenesisSentinel
	prev := "abc"
	cases := []struct {
		in      *string
		genesis bool
		want    string
	}{
		{nil, true, GenesisSentinel},
		{&empty, true, GenesisSentinel},
		{&sentinel, true, GenesisSentinel},
		{&prev, false, "abc"},
	}
	for _, tc := range cases {
		if IsGenesis(tc.in) != tc.genesis {
			t.Fatalf("IsGenesis(%v) mismatch", tc.in)
		}
		if got := PrevOrGenesis(tc.in); got != tc.want {
			t.Fatalf("PrevOrGenesis: expected %q, got %q", tc.want, got)
		}
	}
	if len(ZeroGenesis) != 64 {
		t.Fatalf("expected 64 zero chars, got %d", len(ZeroGenesis))
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abc", "abc") || Equal("abc", "abd") {
		t.Fatal("Equal mismatch")
	}
}

func TestKeyedDigest(t *testing.T) {
	k := NewKeyed("k")
	if k.Digest("a", "b", "c") != k.Link("a", "b", "c") {
		t.Fatal("expected Digest to join like Link")
	}
	if k.Digest() != k.Sum("") {
		t.Fatal("expected empty Digest to equal Sum of empty string")
	}
}
