// Package evidence holds the append-only evidence ledger and its server-side
// re-verification.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrDuplicateID   = errors.New("evidence id already recorded")
	ErrInvalidRecord = errors.New("invalid evidence record")
)

// FormatTimestamp is the timestamp rendering covered by the record hash.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns the keyed link for rec:
// HMAC(id | prevOrGenesis | timestamp | source | eventType | payload, clientKey).
func ComputeHash(clientKey string, rec models.EvidenceRecord) string {
	return hashWith(hashchain.NewKeyed(clientKey), rec)
}

func hashWith(k hashchain.Keyed, rec models.EvidenceRecord) string {
	return k.Digest(
		rec.ID,
		hashchain.PrevOrGenesis(rec.PreviousHash),
		FormatTimestamp(rec.Timestamp),
		string(rec.Source),
		rec.EventType,
		rec.Payload,
	)
}

// Validate checks the fields an adapter must supply before appending.
func Validate(rec models.EvidenceRecord) error {
	switch {
	case strings.TrimSpace(rec.ID) == "":
		return fmt.Errorf("%w: id required", ErrInvalidRecord)
	case strings.TrimSpace(rec.Hash) == "":
		return fmt.Errorf("%w: hash required", ErrInvalidRecord)
	case strings.TrimSpace(rec.SessionID) == "":
		return fmt.Errorf("%w: sessionId required", ErrInvalidRecord)
	case !rec.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRecord, rec.Source)
	case strings.TrimSpace(rec.EventType) == "":
		return fmt.Errorf("%w: eventType required", ErrInvalidRecord)
	case rec.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp required", ErrInvalidRecord)
	}
	return nil
}

// Chain is the adapter-side writer: it links each new record to the current
// head of its session and appends it.
type Chain struct {
	Store Store
	Key   hashchain.Keyed
	Now   func() time.Time

	mu sync.Mutex
}

func NewChain(store Store, clientKey string) *Chain {
	return &Chain{Store: store, Key: hashchain.NewKeyed(clientKey), Now: time.Now}
}

// Record builds, hashes and appends a record for sessionID.
func (c *Chain) Record(ctx context.Context, sessionID string, source models.Source, eventType, payload string) (models.EvidenceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	head, err := c.Store.Head(ctx, sessionID)
	if err != nil {
		return models.EvidenceRecord{}, fmt.Errorf("read chain head: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	rec := models.EvidenceRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: now().UTC(),
		Source:    source,
		EventType: eventType,
		Payload:   payload,
	}
	if head != hashchain.GenesisSentinel {
		prev := head
		rec.PreviousHash = &prev
	}
	rec.Hash = hashWith(c.Key, rec)
	if err := Validate(rec); err != nil {
		return models.EvidenceRecord{}, err
	}
	if err := c.Store.Append(ctx, rec); err != nil {
		return models.EvidenceRecord{}, fmt.Errorf("append evidence: %w", err)
	}
	return rec, nil
}
