package audit

import (
	"context"
	"encoding/json"
	"time"

	"qshield/pkg/models"

	"github.com/rs/zerolog/log"
)

// Journal drains hub events into the audit writer.
type Journal struct {
	Writer  *Writer
	Timeout time.Duration
}

var journaled = map[models.EventType]struct{}{
	models.EventEnvelopeAppended: {},
	models.EventSessionFrozen:    {},
	models.EventSessionUnfrozen:  {},
	models.EventZoneViolation:    {},
}

func (j *Journal) Run(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			rec, keep := RecordFromEvent(evt)
			if !keep {
				continue
			}
			timeout := j.Timeout
			if timeout <= 0 {
				timeout = 3 * time.Second
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := j.Writer.Append(writeCtx, rec); err != nil {
				log.Warn().Err(err).Str("session", evt.SessionID).Str("event", string(evt.Type)).Msg("audit_append_failed")
			}
			cancel()
		}
	}
}

// RecordFromEvent maps an engine event to its audit row. Events that are not
// part of the governance trail report false.
func RecordFromEvent(evt models.Event) (Record, bool) {
	if _, ok := journaled[evt.Type]; !ok {
		return Record{}, false
	}
	rec := Record{
		SessionID:   evt.SessionID,
		AgentName:   evt.AgentName,
		EventType:   string(evt.Type),
		TrustImpact: evt.TrustImpact,
		CreatedAt:   evt.At,
	}
	meta := evt.Metadata
	if env, ok := meta["envelope"].(models.AgentEnvelope); ok {
		rec.ActionType = env.ActionType
		rec.Step = env.Step
		rec.ChainHash = env.ChainHash
		rec.PrevChainHash = env.PrevChainHash
		rec.TrustState = string(env.AITrustState)
		rec.Resource, _ = json.Marshal(env.ResourceRef)
		meta = nil
	}
	if len(meta) > 0 {
		rec.Metadata, _ = json.Marshal(meta)
	}
	return rec, true
}
