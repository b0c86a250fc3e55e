package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type evidenceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the server-side ledger. Timestamps are stored as
// RFC 3339 text so the hashed rendering survives the round trip.
type PostgresStore struct {
	DB evidenceDB
}

const uniqueViolation = "23505"

func (s *PostgresStore) Append(ctx context.Context, rec models.EvidenceRecord) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO evidence_records
		(id, session_id, hash, previous_hash, ts, source, event_type, payload, verified, iv, auth_tag, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.SessionID, rec.Hash, rec.PreviousHash, FormatTimestamp(rec.Timestamp), string(rec.Source), rec.EventType, rec.Payload, rec.Verified, rec.IV, rec.AuthTag, rec.Signature)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateID
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Head(ctx context.Context, sessionID string) (string, error) {
	var hash string
	err := s.DB.QueryRow(ctx, `
		SELECT hash FROM evidence_records WHERE session_id=$1 ORDER BY seq DESC LIMIT 1
	`, sessionID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return hashchain.GenesisSentinel, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]models.EvidenceRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, session_id, hash, previous_hash, ts, source, event_type, payload, verified, iv, auth_tag, signature
		FROM evidence_records WHERE session_id=$1 ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.EvidenceRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT DISTINCT session_id FROM evidence_records ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkVerified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `UPDATE evidence_records SET verified=TRUE WHERE id = ANY($1)`, ids)
	return err
}

func scanRecord(scan func(dest ...any) error) (models.EvidenceRecord, error) {
	var (
		rec     models.EvidenceRecord
		prev    *string
		ts      string
		source  string
		iv      *string
		authTag *string
		sig     *string
	)
	if err := scan(&rec.ID, &rec.SessionID, &rec.Hash, &prev, &ts, &source, &rec.EventType, &rec.Payload, &rec.Verified, &iv, &authTag, &sig); err != nil {
		return rec, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return rec, fmt.Errorf("parse evidence timestamp %q: %w", ts, err)
	}
	rec.Timestamp = parsed
	rec.PreviousHash = prev
	rec.Source = models.Source(source)
	rec.IV = deref(iv)
	rec.AuthTag = deref(authTag)
	rec.Signature = deref(sig)
	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
