package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"qshield/pkg/evidence"
	"qshield/pkg/models"
	"qshield/pkg/store"
)

type fakeBus struct {
	mu        sync.Mutex
	messages  []Message
	errs      []error
	committed []int64
}

func (b *fakeBus) FetchMessage(ctx context.Context) (Message, error) {
	b.mu.Lock()
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		b.mu.Unlock()
		return Message{}, err
	}
	if len(b.messages) > 0 {
		msg := b.messages[0]
		b.messages = b.messages[1:]
		b.mu.Unlock()
		return msg, nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return Message{}, ctx.Err()
}

func (b *fakeBus) Commit(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, msg.Offset)
	return nil
}

func (b *fakeBus) commits() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.committed...)
}

func (b *fakeBus) Close() error { return nil }

// flakyStore fails the first n appends.
type flakyStore struct {
	*evidence.MemoryStore
	mu   sync.Mutex
	fail int
}

func (f *flakyStore) Append(ctx context.Context, rec models.EvidenceRecord) error {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, rec)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func evidenceMessage(t *testing.T, rec models.EvidenceRecord) Message {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Message{Key: []byte(rec.SessionID), Value: b}
}

func sampleRecord(id string) models.EvidenceRecord {
	return models.EvidenceRecord{
		ID:        id,
		SessionID: "mail-1",
		Hash:      "h-" + id,
		Timestamp: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Source:    models.SourceEmail,
		EventType: "message_received",
		Payload:   "{}",
	}
}

func TestIngestDedupesAndValidates(t *testing.T) {
	ctx := context.Background()
	st := evidence.NewMemoryStore()
	in := &Ingestor{Store: st, Cache: store.NewMemoryCache()}

	if _, err := in.Ingest(ctx, evidenceMessage(t, sampleRecord("r1"))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := in.Ingest(ctx, evidenceMessage(t, sampleRecord("r1"))); !errors.Is(err, errDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	bad := sampleRecord("r2")
	bad.Source = "fax"
	if _, err := in.Ingest(ctx, evidenceMessage(t, bad)); !errors.Is(err, evidence.ErrInvalidRecord) {
		t.Fatalf("expected invalid record, got %v", err)
	}
	if _, err := in.Ingest(ctx, Message{Value: []byte("{")}); err == nil {
		t.Fatal("expected decode error")
	}

	keyed := sampleRecord("r3")
	keyed.SessionID = ""
	msg := evidenceMessage(t, keyed)
	msg.Key = []byte("mail-1")
	if _, err := in.Ingest(ctx, msg); err != nil {
		t.Fatalf("message key should supply session id: %v", err)
	}

	recs, err := st.List(ctx, "mail-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "r1" || recs[1].ID != "r3" {
		t.Fatalf("unexpected stored records: %+v", recs)
	}
}

func TestIngestWithoutCacheFallsBackToStoreUniqueness(t *testing.T) {
	in := &Ingestor{Store: evidence.NewMemoryStore()}
	ctx := context.Background()
	if _, err := in.Ingest(ctx, evidenceMessage(t, sampleRecord("r1"))); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := in.Ingest(ctx, evidenceMessage(t, sampleRecord("r1"))); !errors.Is(err, errDuplicate) {
		t.Fatalf("expected duplicate from store, got %v", err)
	}
}

func TestIngestSourceHeader(t *testing.T) {
	in := &Ingestor{Store: evidence.NewMemoryStore()}
	rec := sampleRecord("r9")
	rec.Source = ""
	msg := evidenceMessage(t, rec)
	msg.Headers = map[string]string{HeaderSource: string(models.SourceMeeting)}
	got, err := in.Ingest(context.Background(), msg)
	if err != nil || got.Source != models.SourceMeeting {
		t.Fatalf("expected source from header, got %q, %v", got.Source, err)
	}
}

func TestIngestorRunSurvivesBusErrors(t *testing.T) {
	st := evidence.NewMemoryStore()
	bad := Message{Value: []byte("{"), Offset: 6}
	good := evidenceMessage(t, sampleRecord("r1"))
	good.Offset = 7
	bus := &fakeBus{
		errs:     []error{errors.New("broker down")},
		messages: []Message{bad, good},
	}
	in := &Ingestor{Bus: bus, Store: st, RetryDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()

	waitFor(t, "both offsets committed", func() bool { return len(bus.commits()) == 2 })
	cancel()
	<-done
	if c := bus.commits(); c[0] != 6 || c[1] != 7 {
		t.Fatalf("poison message should be committed past, got %v", c)
	}
	if recs, _ := st.List(context.Background(), "mail-1"); len(recs) != 1 {
		t.Fatalf("expected one stored record, got %d", len(recs))
	}
}

func TestIngestorRunRetriesStoreFailures(t *testing.T) {
	st := &flakyStore{MemoryStore: evidence.NewMemoryStore(), fail: 2}
	msg := evidenceMessage(t, sampleRecord("r1"))
	msg.Offset = 42
	bus := &fakeBus{messages: []Message{msg}}
	in := &Ingestor{Bus: bus, Store: st, Cache: store.NewMemoryCache(), RetryDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()

	waitFor(t, "commit after retries", func() bool { return len(bus.commits()) == 1 })
	cancel()
	<-done
	recs, _ := st.List(context.Background(), "mail-1")
	if len(recs) != 1 || recs[0].ID != "r1" {
		t.Fatalf("expected record stored after retries, got %+v", recs)
	}
}
