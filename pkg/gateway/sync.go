package gateway

import (
	"context"
	"time"

	"qshield/pkg/evidence"
	"qshield/pkg/models"

	"github.com/rs/zerolog/log"
)

type chainVerifier interface {
	VerifyChain(ctx context.Context, records []models.EvidenceRecord, clientKey string) (evidence.Result, error)
}

// Syncer periodically submits every local session chain to the remote
// verifier. Records the remote accepts are marked verified locally.
type Syncer struct {
	Remote    chainVerifier
	Store     evidence.Store
	ClientKey string
	Interval  time.Duration
	// OnResult, when set, observes each remote verdict.
	OnResult func(sessionID string, res evidence.Result)
}

type SyncReport struct {
	Sessions int
	Valid    int
	Invalid  int
	Failed   int
}

func (s *Syncer) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.SyncOnce(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("gateway_sync_failed")
				continue
			}
			log.Debug().Int("sessions", rep.Sessions).Int("valid", rep.Valid).Int("invalid", rep.Invalid).Int("failed", rep.Failed).Msg("gateway_sync_done")
		}
	}
}

func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	sessions, err := s.Store.Sessions(ctx)
	if err != nil {
		return rep, err
	}
	local := evidence.NewVerifier("")
	for _, id := range sessions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		records, err := s.Store.List(ctx, id)
		if err != nil || len(records) == 0 {
			if err != nil {
				rep.Failed++
				log.Warn().Err(err).Str("session", id).Msg("gateway_sync_list_failed")
			}
			continue
		}
		rep.Sessions++
		res, err := s.Remote.VerifyChain(ctx, records, s.ClientKey)
		if err != nil {
			rep.Failed++
			log.Warn().Err(err).Str("session", id).Msg("gateway_sync_verify_failed")
			continue
		}
		if s.OnResult != nil {
			s.OnResult(id, res)
		}
		if !res.Valid {
			rep.Invalid++
			ev := log.Warn().Str("session", id).Int("records", res.RecordCount)
			if res.BrokenAt != nil {
				ev = ev.Int("broken_at", *res.BrokenAt)
			}
			ev.Msg("gateway_chain_rejected")
			continue
		}
		rep.Valid++
		ids := local.VerifyChain(records, s.ClientKey).VerifiedIDs
		if len(ids) == 0 {
			continue
		}
		if err := s.Store.MarkVerified(ctx, ids); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("gateway_mark_verified_failed")
		}
	}
	return rep, nil
}
