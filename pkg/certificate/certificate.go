// Package certificate issues and checks trust certificates: a trust score
// bound by HMAC to the evidence hashes it was derived from.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qshield/pkg/evidence"
	"qshield/pkg/hashchain"
	"qshield/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("certificate not found")
	ErrInvalidRequest = errors.New("invalid certificate request")
)

// SignatureChain binds hashes, in order, under key.
func SignatureChain(hashes []string, key string) string {
	return hashchain.NewKeyed(key).Sum(strings.Join(hashes, hashchain.FieldSeparator))
}

// Verify recomputes the signature chain and compares it in constant time.
// An empty hash list is valid input.
func Verify(signatureChain string, hashes []string, key string) bool {
	return hashchain.Equal(SignatureChain(hashes, key), signatureChain)
}

type Store interface {
	Put(ctx context.Context, cert models.Certificate) error
	Get(ctx context.Context, id string) (models.Certificate, error)
}

// Request names the session and score to certify. When EvidenceHashes is
// empty the session's full chain is used.
type Request struct {
	SessionID      string   `json:"sessionId"`
	TrustScore     int      `json:"trustScore"`
	TrustLevel     string   `json:"trustLevel"`
	EvidenceHashes []string `json:"evidenceHashes,omitempty"`
}

type Issuer struct {
	Key      string
	Evidence evidence.Store
	Store    Store
	Now      func() time.Time
}

func NewIssuer(key string, ev evidence.Store, store Store) *Issuer {
	return &Issuer{Key: key, Evidence: ev, Store: store, Now: time.Now}
}

func (i *Issuer) Issue(ctx context.Context, req Request) (models.Certificate, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return models.Certificate{}, fmt.Errorf("%w: sessionId required", ErrInvalidRequest)
	}
	if req.TrustScore < 0 || req.TrustScore > 100 {
		return models.Certificate{}, fmt.Errorf("%w: trustScore %d out of range", ErrInvalidRequest, req.TrustScore)
	}
	hashes := append([]string(nil), req.EvidenceHashes...)
	if len(hashes) == 0 && i.Evidence != nil {
		recs, err := i.Evidence.List(ctx, req.SessionID)
		if err != nil {
			return models.Certificate{}, fmt.Errorf("load evidence: %w", err)
		}
		for _, rec := range recs {
			hashes = append(hashes, rec.Hash)
		}
	}
	if hashes == nil {
		hashes = []string{}
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	cert := models.Certificate{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		TrustScore:     req.TrustScore,
		TrustLevel:     req.TrustLevel,
		EvidenceCount:  len(hashes),
		EvidenceHashes: hashes,
		SignatureChain: SignatureChain(hashes, i.Key),
		IssuedAt:       now().UTC(),
	}
	if i.Store != nil {
		if err := i.Store.Put(ctx, cert); err != nil {
			return models.Certificate{}, fmt.Errorf("store certificate: %w", err)
		}
	}
	return cert, nil
}

func (i *Issuer) Get(ctx context.Context, id string) (models.Certificate, error) {
	if i.Store == nil {
		return models.Certificate{}, ErrNotFound
	}
	return i.Store.Get(ctx, id)
}

type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]models.Certificate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: map[string]models.Certificate{}}
}

func (m *MemoryStore) Put(ctx context.Context, cert models.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs[cert.ID] = cert
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cert, ok := m.certs[id]
	if !ok {
		return models.Certificate{}, ErrNotFound
	}
	return cert, nil
}
