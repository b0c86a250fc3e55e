// Package audit persists the agent governance trail: every envelope and
// every freeze, unfreeze and zone violation.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	SessionID     string          `json:"sessionId"`
	AgentName     string          `json:"agentName"`
	EventType     string          `json:"eventType"`
	ActionType    string          `json:"actionType,omitempty"`
	Step          int             `json:"step,omitempty"`
	ChainHash     string          `json:"chainHash,omitempty"`
	PrevChainHash string          `json:"prevChainHash,omitempty"`
	TrustState    string          `json:"trustState,omitempty"`
	TrustImpact   int             `json:"trustImpact"`
	Resource      json.RawMessage `json:"resource,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactor{salt: w.HashSalt}.record(rec)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO agent_audit
		(session_id, agent_name, event_type, action_type, step, chain_hash, prev_chain_hash, trust_state, trust_impact, resource, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.SessionID, rec.AgentName, rec.EventType, rec.ActionType, rec.Step, rec.ChainHash, rec.PrevChainHash, rec.TrustState, rec.TrustImpact, rec.Resource, rec.Metadata, rec.CreatedAt)
	return err
}

// List returns a session's trail oldest first, at most limit rows.
func (w *Writer) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := w.DB.Query(ctx, `
		SELECT session_id, agent_name, event_type, action_type, step, chain_hash, prev_chain_hash, trust_state, trust_impact, resource, metadata, created_at
		FROM agent_audit WHERE session_id=$1 ORDER BY id ASC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.SessionID, &rec.AgentName, &rec.EventType, &rec.ActionType, &rec.Step, &rec.ChainHash, &rec.PrevChainHash, &rec.TrustState, &rec.TrustImpact, &rec.Resource, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
