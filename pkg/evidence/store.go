package evidence

import (
	"context"
	"sort"
	"sync"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"
)

// Store is the append-only evidence ledger. Append does not check that the
// record links to the current head; that is the verifier's job.
type Store interface {
	Append(ctx context.Context, rec models.EvidenceRecord) error
	// Head returns the hash of the last record appended for sessionID, or
	// hashchain.GenesisSentinel when the session has none.
	Head(ctx context.Context, sessionID string) (string, error)
	// List returns a session's records in append order.
	List(ctx context.Context, sessionID string) ([]models.EvidenceRecord, error)
	Sessions(ctx context.Context) ([]string, error)
	MarkVerified(ctx context.Context, ids []string) error
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]models.EvidenceRecord
	ids      map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string][]models.EvidenceRecord{},
		ids:      map[string]struct{}{},
	}
}

func (m *MemoryStore) Append(ctx context.Context, rec models.EvidenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ids[rec.ID]; exists {
		return ErrDuplicateID
	}
	m.ids[rec.ID] = struct{}{}
	m.sessions[rec.SessionID] = append(m.sessions[rec.SessionID], rec)
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.sessions[sessionID]
	if len(recs) == 0 {
		return hashchain.GenesisSentinel, nil
	}
	return recs[len(recs)-1].Hash, nil
}

func (m *MemoryStore) List(ctx context.Context, sessionID string) ([]models.EvidenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.EvidenceRecord(nil), m.sessions[sessionID]...), nil
}

func (m *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, recs := range m.sessions {
		for i := range recs {
			if _, ok := want[recs[i].ID]; ok {
				m.sessions[sid][i].Verified = true
			}
		}
	}
	return nil
}
