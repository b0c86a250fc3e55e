package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"qshield/pkg/models"
)

// Keys whose values identify files or hosts on the monitored machine. They
// are replaced by <key>Hash wherever they appear, including nested objects.
var sensitiveKeys = map[string]bool{
	"path":     true,
	"domain":   true,
	"zonePath": true,
	"resource": true,
}

// redactor hashes sensitive values with HMAC-SHA256 keyed by the audit salt,
// or plain SHA-256 when no salt is configured.
type redactor struct {
	salt []byte
}

func (r redactor) record(rec Record) Record {
	rec.Resource = r.raw(rec.Resource)
	rec.Metadata = r.raw(rec.Metadata)
	return rec
}

func (r redactor) raw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return in
	}
	var doc any
	if err := json.Unmarshal(in, &doc); err != nil {
		out, _ := json.Marshal(map[string]string{
			"payloadHash":    r.sum(in),
			"redactionError": "invalid_json",
		})
		return out
	}
	out, err := models.CanonicalJSON(r.walk(doc))
	if err != nil {
		return in
	}
	return out
}

func (r redactor) walk(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			if !sensitiveKeys[k] {
				out[k] = r.walk(child)
				continue
			}
			if s, ok := child.(string); ok {
				out[k+"Hash"] = r.sum([]byte(s))
				continue
			}
			canon, err := models.CanonicalJSON(child)
			if err != nil {
				continue
			}
			out[k+"Hash"] = r.sum(canon)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = r.walk(child)
		}
		return out
	default:
		return v
	}
}

func (r redactor) sum(b []byte) string {
	if len(r.salt) == 0 {
		digest := sha256.Sum256(b)
		return hex.EncodeToString(digest[:])
	}
	mac := hmac.New(sha256.New, r.salt)
	mac.Write(b)
	return hex.EncodeToString(mac.Sum(nil))
}
