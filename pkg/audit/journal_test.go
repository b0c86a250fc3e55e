package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"qshield/pkg/models"
)

func TestRecordFromEventEnvelope(t *testing.T) {
	at := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	env := models.AgentEnvelope{
		AgentSessionID: "codex:9",
		Step:           3,
		ActionType:     models.ActionNetworkRequest,
		ResourceRef:    map[string]string{"domain": "api.example.com"},
		PrevChainHash:  "p",
		ChainHash:      "c",
		AITrustState:   models.StateDegraded,
	}
	rec, ok := RecordFromEvent(models.Event{
		Type:      models.EventEnvelopeAppended,
		SessionID: "codex:9",
		AgentName: "codex",
		Metadata:  map[string]any{"envelope": env},
		At:        at,
	})
	if !ok {
		t.Fatal("envelope events belong in the trail")
	}
	if rec.Step != 3 || rec.ChainHash != "c" || rec.TrustState != "DEGRADED" || !rec.CreatedAt.Equal(at) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !strings.Contains(string(rec.Resource), "api.example.com") || rec.Metadata != nil {
		t.Fatalf("unexpected payloads: resource=%s metadata=%s", rec.Resource, rec.Metadata)
	}

	if _, ok := RecordFromEvent(models.Event{Type: models.EventScopeExpansion}); ok {
		t.Fatal("scope expansions are not journaled")
	}
}

func TestJournalRunAppendsUntilClosed(t *testing.T) {
	t.Parallel()
	db := &fakeAuditDB{}
	j := &Journal{Writer: &Writer{DB: db}}
	ch := make(chan models.Event, 2)
	ch <- models.Event{Type: models.EventSessionStarted, SessionID: "a:1"}
	ch <- models.Event{Type: models.EventSessionFrozen, SessionID: "a:1", TrustImpact: -50, Metadata: map[string]any{"reason": "r"}}
	close(ch)

	done := make(chan struct{})
	go func() {
		j.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("journal did not stop on closed channel")
	}
	if len(db.execArgs) == 0 || db.execArgs[2] != "session-frozen" {
		t.Fatalf("expected frozen event appended, got %v", db.execArgs)
	}
}
