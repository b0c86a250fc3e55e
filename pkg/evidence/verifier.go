package evidence

import (
	"context"
	"strconv"
	"time"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the outcome of a chain walk. ServerSignature is bound to
// VerifiedAt, so two verifications of the same input sign differently.
type Result struct {
	Valid           bool      `json:"valid"`
	RecordCount     int       `json:"recordCount"`
	BrokenAt        *int      `json:"brokenAt,omitempty"`
	ServerSignature string    `json:"serverSignature"`
	VerifiedAt      time.Time `json:"verifiedAt"`
	// VerifiedIDs lists the records whose hash recomputed correctly, in chain order.
	VerifiedIDs []string `json:"-"`
}

// Verifier re-verifies evidence chains independently of the client that wrote them.
// It holds no per-chain state and is safe for concurrent use.
type Verifier struct {
	ServerKey hashchain.Keyed
	Now       func() time.Time
}

func NewVerifier(serverKey string) *Verifier {
	return &Verifier{ServerKey: hashchain.NewKeyed(serverKey), Now: time.Now}
}

// VerifyChain walks records from genesis, recomputing each link with clientKey.
// Input order does not matter. The walk stops at the first hash mismatch and
// reports its position; in that case RecordCount is the full input length.
// Records unreachable from genesis are orphans: they are left out of
// RecordCount and do not invalidate the connected prefix.
func (v *Verifier) VerifyChain(records []models.EvidenceRecord, clientKey string) Result {
	_, span := otel.Tracer("qshield/evidence").Start(context.Background(), "evidence.VerifyChain")
	defer span.End()

	byPrev := make(map[string]int, len(records))
	for i, rec := range records {
		prev := hashchain.PrevOrGenesis(rec.PreviousHash)
		if _, taken := byPrev[prev]; !taken {
			byPrev[prev] = i
		}
	}
	key := hashchain.NewKeyed(clientKey)
	res := Result{Valid: true}
	seen := make(map[string]struct{}, len(records))
	cur := hashchain.GenesisSentinel
	for pos := 0; ; pos++ {
		idx, ok := byPrev[cur]
		if !ok {
			break
		}
		rec := records[idx]
		if !hashchain.Equal(hashWith(key, rec), rec.Hash) {
			broken := pos
			res.Valid = false
			res.BrokenAt = &broken
			res.RecordCount = len(records)
			break
		}
		res.VerifiedIDs = append(res.VerifiedIDs, rec.ID)
		res.RecordCount++
		if _, loop := seen[rec.Hash]; loop {
			break
		}
		seen[rec.Hash] = struct{}{}
		cur = rec.Hash
	}
	v.sign(&res)
	span.SetAttributes(
		attribute.Bool("evidence.valid", res.Valid),
		attribute.Int("evidence.record_count", res.RecordCount),
		attribute.Int("evidence.input_count", len(records)),
	)
	return res
}

func (v *Verifier) sign(res *Result) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	res.VerifiedAt = now().UTC()
	res.ServerSignature = v.Signature(res.Valid, res.RecordCount, res.VerifiedAt)
}

// Signature is the server's keyed digest over (valid, recordCount, timestamp).
func (v *Verifier) Signature(valid bool, recordCount int, at time.Time) string {
	return v.ServerKey.Digest(strconv.FormatBool(valid), strconv.Itoa(recordCount), FormatTimestamp(at))
}

// CheckSignature reports whether res carries this server's signature.
func (v *Verifier) CheckSignature(res Result) bool {
	return hashchain.Equal(v.Signature(res.Valid, res.RecordCount, res.VerifiedAt), res.ServerSignature)
}
