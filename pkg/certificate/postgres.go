package certificate

import (
	"context"
	"errors"

	"qshield/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type certDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	DB certDB
}

func (s *PostgresStore) Put(ctx context.Context, cert models.Certificate) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO certificates
		(id, session_id, trust_score, trust_level, evidence_count, evidence_hashes, signature_chain, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, cert.ID, cert.SessionID, cert.TrustScore, cert.TrustLevel, cert.EvidenceCount, cert.EvidenceHashes, cert.SignatureChain, cert.IssuedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Certificate, error) {
	var cert models.Certificate
	err := s.DB.QueryRow(ctx, `
		SELECT id, session_id, trust_score, trust_level, evidence_count, evidence_hashes, signature_chain, issued_at
		FROM certificates WHERE id=$1
	`, id).Scan(&cert.ID, &cert.SessionID, &cert.TrustScore, &cert.TrustLevel, &cert.EvidenceCount, &cert.EvidenceHashes, &cert.SignatureChain, &cert.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Certificate{}, ErrNotFound
	}
	if err != nil {
		return models.Certificate{}, err
	}
	if cert.EvidenceHashes == nil {
		cert.EvidenceHashes = []string{}
	}
	return cert, nil
}
