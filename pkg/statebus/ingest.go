package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qshield/pkg/evidence"
	"qshield/pkg/models"
	"qshield/pkg/store"

	"github.com/rs/zerolog/log"
)

const defaultDedupeTTL = 24 * time.Hour

// Ingestor appends evidence records published by channel adapters. Records are
// stored as received; integrity is judged later by the verifier.
type Ingestor struct {
	Bus       Consumer
	Store     evidence.Store
	Cache     store.Cache
	DedupeTTL time.Duration
	// RetryDelay spaces fetches after a bus error and retries of one message.
	RetryDelay time.Duration
}

var (
	errDuplicate = errors.New("duplicate evidence delivery")
	// errRetry marks failures worth redelivering; anything else is poison
	// and gets committed past.
	errRetry = errors.New("retryable")
)

// Run fetches, appends and commits until ctx ends. A retryable failure keeps
// the message uncommitted and tries it again after RetryDelay.
func (in *Ingestor) Run(ctx context.Context) {
	delay := in.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
			return true
		}
	}
	for {
		msg, err := in.Bus.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("evidence_bus_read_failed")
			if !wait() {
				return
			}
			continue
		}
		for {
			rec, err := in.Ingest(ctx, msg)
			if errors.Is(err, errRetry) {
				log.Warn().Err(err).Str("id", rec.ID).Int64("offset", msg.Offset).Msg("evidence_ingest_retry")
				if !wait() {
					return
				}
				continue
			}
			switch {
			case errors.Is(err, errDuplicate):
				log.Debug().Str("id", rec.ID).Msg("evidence_duplicate_skipped")
			case err != nil:
				log.Warn().Err(err).Str("id", rec.ID).Int64("offset", msg.Offset).Msg("evidence_ingest_rejected")
			}
			break
		}
		if err := in.Bus.Commit(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("evidence_commit_failed")
		}
	}
}

// Ingest decodes and appends one message. The message key and source header
// fill in a record's session and source when the payload omits them.
func (in *Ingestor) Ingest(ctx context.Context, msg Message) (models.EvidenceRecord, error) {
	var rec models.EvidenceRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return rec, fmt.Errorf("decode evidence: %w", err)
	}
	if rec.SessionID == "" && len(msg.Key) > 0 {
		rec.SessionID = string(msg.Key)
	}
	if rec.Source == "" {
		rec.Source = models.Source(msg.Headers[HeaderSource])
	}
	if err := evidence.Validate(rec); err != nil {
		return rec, err
	}
	seenKey := "evidence:seen:" + rec.ID
	if in.Cache != nil {
		ttl := in.DedupeTTL
		if ttl <= 0 {
			ttl = defaultDedupeTTL
		}
		fresh, err := in.Cache.SetNX(ctx, seenKey, "1", ttl)
		if err != nil {
			return rec, fmt.Errorf("dedupe evidence: %w: %w", errRetry, err)
		}
		if !fresh {
			return rec, errDuplicate
		}
	}
	if err := in.Store.Append(ctx, rec); err != nil {
		if errors.Is(err, evidence.ErrDuplicateID) {
			return rec, errDuplicate
		}
		if in.Cache != nil {
			_ = in.Cache.Del(ctx, seenKey)
		}
		return rec, fmt.Errorf("append evidence: %w: %w", errRetry, err)
	}
	return rec, nil
}
