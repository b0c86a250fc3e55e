package models

import "time"

type EventType string

const (
	EventSessionStarted    EventType = "session-started"
	EventSessionEnded      EventType = "session-ended"
	EventSessionFrozen     EventType = "session-frozen"
	EventSessionUnfrozen   EventType = "session-unfrozen"
	EventScopeExpansion    EventType = "scope-expansion"
	EventZoneViolation     EventType = "zone-violation"
	EventTrustStateChanged EventType = "trust-state-changed"
	// EventEnvelopeAppended carries every envelope to audit consumers.
	EventEnvelopeAppended EventType = "envelope-appended"
)

// Event is what the engine publishes back to its collaborators.
// TrustImpact is advisory and always within [-100, 100].
type Event struct {
	Type          EventType      `json:"type"`
	SessionID     string         `json:"sessionId"`
	AgentName     string         `json:"agentName"`
	ExecutionMode ExecutionMode  `json:"executionMode"`
	TrustImpact   int            `json:"trustImpact"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	At            time.Time      `json:"at"`
}

// NewSessionEvent stamps an event with the identity fields of s.
func NewSessionEvent(t EventType, s *AgentSession, impact int, meta map[string]any) Event {
	if impact > 100 {
		impact = 100
	}
	if impact < -100 {
		impact = -100
	}
	return Event{
		Type:          t,
		SessionID:     s.SessionID,
		AgentName:     s.AgentName,
		ExecutionMode: s.ExecutionMode,
		TrustImpact:   impact,
		Metadata:      meta,
		At:            time.Now().UTC(),
	}
}
