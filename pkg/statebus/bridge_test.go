package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"qshield/pkg/models"
)

type fakeProducer struct {
	msgs []Message
	err  error
}

func (p *fakeProducer) WriteMessages(ctx context.Context, msgs ...Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestBridgeForwardsKeyedEvents(t *testing.T) {
	p := &fakeProducer{}
	b := &Bridge{Producer: p}
	ch := make(chan models.Event, 2)
	ch <- models.Event{Type: models.EventSessionStarted, SessionID: "aider:1", TrustImpact: -15}
	ch <- models.Event{Type: models.EventSessionEnded, SessionID: "aider:1", TrustImpact: 5}
	close(ch)
	b.Run(context.Background(), ch)

	if len(p.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(p.msgs))
	}
	var evt models.Event
	if err := json.Unmarshal(p.msgs[0].Value, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(p.msgs[0].Key) != "aider:1" || evt.Type != models.EventSessionStarted || evt.TrustImpact != -15 {
		t.Fatalf("unexpected forwarded event key=%s evt=%+v", p.msgs[0].Key, evt)
	}
	if got := p.msgs[1].Headers[HeaderEventType]; got != string(models.EventSessionEnded) {
		t.Fatalf("expected event type header, got %q", got)
	}
}

func TestBridgeForwardError(t *testing.T) {
	b := &Bridge{Producer: &fakeProducer{err: errors.New("no leader")}}
	if err := b.Forward(context.Background(), models.Event{Type: models.EventSessionFrozen}); err == nil {
		t.Fatal("expected producer error")
	}
}
