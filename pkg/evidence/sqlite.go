package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evidence_records (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	session_id    TEXT NOT NULL,
	hash          TEXT NOT NULL,
	previous_hash TEXT,
	ts            TEXT NOT NULL,
	source        TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       TEXT NOT NULL,
	verified      INTEGER NOT NULL DEFAULT 0,
	iv            TEXT,
	auth_tag      TEXT,
	signature     TEXT
);
CREATE INDEX IF NOT EXISTS evidence_records_session ON evidence_records(session_id, seq);
`

// SQLiteStore is the device-local ledger adapters append to before sync.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger at path. Use ":memory:" in tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, rec models.EvidenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_records
		(id, session_id, hash, previous_hash, ts, source, event_type, payload, verified, iv, auth_tag, signature)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, rec.ID, rec.SessionID, rec.Hash, rec.PreviousHash, FormatTimestamp(rec.Timestamp), string(rec.Source), rec.EventType, rec.Payload, rec.Verified, rec.IV, rec.AuthTag, rec.Signature)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return ErrDuplicateID
	}
	return err
}

func (s *SQLiteStore) Head(ctx context.Context, sessionID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT hash FROM evidence_records WHERE session_id=? ORDER BY seq DESC LIMIT 1
	`, sessionID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return hashchain.GenesisSentinel, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]models.EvidenceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, hash, previous_hash, ts, source, event_type, payload, verified, iv, auth_tag, signature
		FROM evidence_records WHERE session_id=? ORDER BY seq ASC
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

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM evidence_records ORDER BY session_id`)
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

func (s *SQLiteStore) MarkVerified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE evidence_records SET verified=1 WHERE id=?`, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
