// Package hashchain computes chain links shared by the evidence log and the
// agent envelope chain.
package hashchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

const (
	// GenesisSentinel stands in for the previous hash of the first evidence record.
	GenesisSentinel = "genesis"
	// FieldSeparator joins link fields before hashing.
	FieldSeparator = "|"
)

// ZeroGenesis is the previous hash of the first envelope in a session.
var ZeroGenesis = strings.Repeat("0", 64)

// Hasher produces the next link from the previous link and the new record's fields.
type Hasher interface {
	Link(prev string, fields ...string) string
}

// Keyed is an HMAC-SHA256 hasher.
type Keyed struct {
	Key []byte
}

func NewKeyed(key string) Keyed {
	return Keyed{Key: []byte(key)}
}

func (k Keyed) Link(prev string, fields ...string) string {
	return digest(hmac.New(sha256.New, k.Key), prev, fields)
}

// Digest keys the separator-joined fields; fields[0] need not be a link.
func (k Keyed) Digest(fields ...string) string {
	if len(fields) == 0 {
		return k.Sum("")
	}
	return k.Link(fields[0], fields[1:]...)
}

// Sum returns the HMAC-SHA256 hex of a single message.
func (k Keyed) Sum(msg string) string {
	m := hmac.New(sha256.New, k.Key)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

// Plain is an unkeyed SHA-256 hasher.
type Plain struct{}

func (Plain) Link(prev string, fields ...string) string {
	return digest(sha256.New(), prev, fields)
}

func digest(h hash.Hash, prev string, fields []string) string {
	h.Write([]byte(prev))
	for _, f := range fields {
		h.Write([]byte(FieldSeparator))
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex links in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// IsGenesis reports whether prev denotes the start of an evidence chain.
func IsGenesis(prev *string) bool {
	return prev == nil || *prev == "" || *prev == GenesisSentinel
}

// PrevOrGenesis returns the previous link, substituting the sentinel at genesis.
func PrevOrGenesis(prev *string) string {
	if IsGenesis(prev) {
		return GenesisSentinel
	}
	return *prev
}
