package models

import (
	"testing"
)

func TestCanonicalResourceRefSortsKeys(t *testing.T) {
	got, err := CanonicalResourceRef(map[string]string{"z": "1", "a": "2", "m": "x\"y"})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":"2","m":"x\"y","z":"1"}`
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCanonicalResourceRefEmpty(t *testing.T) {
	for _, ref := range []map[string]string{nil, {}} {
		got, err := CanonicalResourceRef(ref)
		if err != nil {
			t.Fatalf("canonicalize empty: %v", err)
		}
		if got != "{}" {
			t.Fatalf("expected {}, got %s", got)
		}
	}
}

func TestCanonicalJSONDeterminism(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": []int{2, 1}, "a": true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON(map[string]any{"a": true, "b": []int{2, 1}})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if string(a) != `{"a":true,"b":[2,1]}` {
		t.Fatalf("unexpected canonical output: %s", a)
	}
}

func TestNewSessionEventClampsImpact(t *testing.T) {
	s := &AgentSession{SessionID: "claude:1", AgentName: "claude", ExecutionMode: ModeAIAutonomous}
	evt := NewSessionEvent(EventZoneViolation, s, -250, nil)
	if evt.TrustImpact != -100 {
		t.Fatalf("expected impact clamped to -100, got %d", evt.TrustImpact)
	}
	if evt.SessionID != "claude:1" || evt.AgentName != "claude" || evt.ExecutionMode != ModeAIAutonomous {
		t.Fatalf("identity fields not copied: %+v", evt)
	}
	if evt.At.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestAgentSessionCloneIsDeep(t *testing.T) {
	reason := "manual"
	s := &AgentSession{AllowedPaths: []string{"/a"}, FrozenReason: &reason}
	c := s.Clone()
	c.AllowedPaths[0] = "/b"
	*c.FrozenReason = "changed"
	if s.AllowedPaths[0] != "/a" || *s.FrozenReason != "manual" {
		t.Fatal("clone shares state with original")
	}
}
