package models

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalJSON returns the RFC 8785 (JCS) form of v.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical input: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return canon, nil
}

// CanonicalResourceRef renders a resource reference for chain hashing.
// A nil or empty map canonicalizes to "{}".
func CanonicalResourceRef(ref map[string]string) (string, error) {
	if len(ref) == 0 {
		return "{}", nil
	}
	canon, err := CanonicalJSON(ref)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}
