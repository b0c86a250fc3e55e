package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qshield/pkg/evidence"
	"qshield/pkg/models"
)

func seedChain(t *testing.T, st evidence.Store, key, session string, n int) []models.EvidenceRecord {
	t.Helper()
	c := evidence.NewChain(st, key)
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	c.Now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	out := make([]models.EvidenceRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := c.Record(context.Background(), session, models.SourceFile, "file_modified", `{"i":1}`)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestClientVerifyChainAgainstRemote(t *testing.T) {
	verifier := evidence.NewVerifier("server-key")
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/evidence/verify" {
			http.NotFound(w, r)
			return
		}
		gotToken = r.Header.Get("X-Service-Token")
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(verifier.VerifyChain(req.Records, req.ClientKey))
	}))
	defer srv.Close()

	st := evidence.NewMemoryStore()
	records := seedChain(t, st, "client-key", "s1", 3)
	c := NewClient(srv.URL+"/", srv.Client(), 0)
	c.AuthHeader, c.AuthToken = "X-Service-Token", "tok"
	res, err := c.VerifyChain(context.Background(), records, "client-key")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.RecordCount != 3 || res.ServerSignature == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotToken != "tok" {
		t.Fatalf("auth header not sent, got %q", gotToken)
	}

	if _, err := (&Client{}).VerifyChain(context.Background(), records, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestClientVerifyChainNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client(), 100)
	if _, err := c.VerifyChain(context.Background(), nil, "k"); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestClientRateLimitHonoursContext(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, 0.001)
	_ = c.Limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.VerifyChain(ctx, nil, "k"); err == nil {
		t.Fatal("expected limiter wait to fail")
	}
}

type fakeRemote struct {
	results map[string]evidence.Result
	err     error
}

func (f *fakeRemote) VerifyChain(ctx context.Context, records []models.EvidenceRecord, clientKey string) (evidence.Result, error) {
	if f.err != nil {
		return evidence.Result{}, f.err
	}
	return f.results[records[0].SessionID], nil
}

func TestSyncOnceMarksAcceptedChains(t *testing.T) {
	st := evidence.NewMemoryStore()
	seedChain(t, st, "client-key", "good", 2)
	seedChain(t, st, "client-key", "bad", 2)
	broken := 1
	remote := &fakeRemote{results: map[string]evidence.Result{
		"good": {Valid: true, RecordCount: 2},
		"bad":  {Valid: false, RecordCount: 2, BrokenAt: &broken},
	}}
	var seen []string
	s := &Syncer{Remote: remote, Store: st, ClientKey: "client-key", OnResult: func(id string, _ evidence.Result) {
		seen = append(seen, id)
	}}
	rep, err := s.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Sessions != 2 || rep.Valid != 1 || rep.Invalid != 1 || len(seen) != 2 {
		t.Fatalf("unexpected report: %+v seen=%v", rep, seen)
	}
	good, _ := st.List(context.Background(), "good")
	bad, _ := st.List(context.Background(), "bad")
	for _, r := range good {
		if !r.Verified {
			t.Fatalf("accepted record %s not marked verified", r.ID)
		}
	}
	for _, r := range bad {
		if r.Verified {
			t.Fatalf("rejected record %s marked verified", r.ID)
		}
	}

	remote.err = errors.New("unreachable")
	rep, err = s.SyncOnce(context.Background())
	if err != nil || rep.Failed != 2 {
		t.Fatalf("expected per-session failures, got rep=%+v err=%v", rep, err)
	}
}
