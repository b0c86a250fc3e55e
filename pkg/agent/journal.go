package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"qshield/pkg/models"
	"qshield/pkg/store"

	"github.com/rs/zerolog/log"
)

const frozenKeyPrefix = "frozen:"

// FrozenJournal keeps frozen sessions in the cache so a restart does not
// forget them. It consumes hub events and never touches the registry lock.
type FrozenJournal struct {
	Cache    store.Cache
	Registry *Registry
	Timeout  time.Duration
}

func FrozenKey(sessionID string) string {
	return frozenKeyPrefix + sessionID
}

// Run applies freeze and unfreeze events until ch closes or ctx ends.
func (j *FrozenJournal) Run(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Handle(ctx, evt); err != nil {
				log.Warn().Err(err).Str("session", evt.SessionID).Msg("frozen_journal_write_failed")
			}
		}
	}
}

func (j *FrozenJournal) Handle(ctx context.Context, evt models.Event) error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	switch evt.Type {
	case models.EventSessionFrozen:
		s, ok := j.Registry.Session(evt.SessionID)
		if !ok || !s.Frozen {
			return nil
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return j.Cache.Set(ctx, FrozenKey(evt.SessionID), string(raw), 0)
	case models.EventSessionUnfrozen:
		return j.Cache.Del(ctx, FrozenKey(evt.SessionID))
	}
	return nil
}

// Load reads every journaled frozen session in session id order. Corrupt
// entries are logged and skipped.
func (j *FrozenJournal) Load(ctx context.Context) ([]models.AgentSession, error) {
	entries, err := j.Cache.Scan(ctx, frozenKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list frozen sessions: %w", err)
	}
	out := make([]models.AgentSession, 0, len(entries))
	for key, raw := range entries {
		var s models.AgentSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("frozen_journal_entry_corrupt")
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SessionID < out[b].SessionID })
	return out, nil
}
