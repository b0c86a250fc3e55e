// Package risk scores agent sessions and drives the trust-state machine
// VALID -> DEGRADED -> INVALID -> FROZEN. Functions mutate the session in
// place and return the events the change produced; callers hold the lock.
package risk

import (
	"errors"
	"fmt"

	"qshield/pkg/models"
)

const (
	ThresholdDegraded = 40
	ThresholdInvalid  = 70
	ThresholdFrozen   = 90

	MaxVelocity = 100

	IncNewFile       = 5
	IncNewDomain     = 8
	IncZoneBlock     = 30
	IncZoneWarn      = 15
	DecayPerCycle    = 1
	AllowSessionDrop = 20
)

// Advisory trust impacts carried on emitted events.
const (
	ImpactFrozen    = -50
	ImpactUnfrozen  = 10
	ImpactDegraded  = -10
	ImpactInvalid   = -25
	ImpactZoneBlock = -30
	ImpactZoneWarn  = -15
	ImpactNewFile   = -5
	ImpactNewDomain = -8
	ImpactEnded     = 5
)

// StartImpact is the penalty for a newly detected agent by execution mode.
func StartImpact(mode models.ExecutionMode) int {
	switch mode {
	case models.ModeAIAutonomous:
		return -15
	case models.ModeAIAssisted:
		return -5
	default:
		return 0
	}
}

var ErrInvalidTransition = errors.New("invalid trust-state transition")

type AllowScope string

const (
	AllowOnce    AllowScope = "once"
	AllowSession AllowScope = "session"
)

func (s AllowScope) Valid() bool {
	return s == AllowOnce || s == AllowSession
}

func Clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxVelocity {
		return MaxVelocity
	}
	return v
}

// StateFor maps a velocity onto its band.
func StateFor(velocity int) models.TrustState {
	switch {
	case velocity >= ThresholdFrozen:
		return models.StateFrozen
	case velocity >= ThresholdInvalid:
		return models.StateInvalid
	case velocity >= ThresholdDegraded:
		return models.StateDegraded
	default:
		return models.StateValid
	}
}

func rank(s models.TrustState) int {
	switch s {
	case models.StateDegraded:
		return 1
	case models.StateInvalid:
		return 2
	case models.StateFrozen:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether automatic evaluation may move from one state
// to another. Leaving FROZEN is reserved for Unfreeze.
func CanTransition(from, to models.TrustState) bool {
	if from == to {
		return false
	}
	return from != models.StateFrozen
}

func Transition(from, to models.TrustState) (models.TrustState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// Adjust adds delta to the velocity, clamps it and re-evaluates.
func Adjust(s *models.AgentSession, delta int) []models.Event {
	if s.Frozen {
		return nil
	}
	s.RiskVelocity = Clamp(s.RiskVelocity + delta)
	return Evaluate(s)
}

// Decay applies the passive per-cycle relief.
func Decay(s *models.AgentSession) []models.Event {
	return Adjust(s, -DecayPerCycle)
}

// Evaluate moves the session to the band its velocity falls in. Upward moves
// are announced; downward moves are silent. FROZEN is sticky.
func Evaluate(s *models.AgentSession) []models.Event {
	if s.Frozen {
		return nil
	}
	next := StateFor(s.RiskVelocity)
	if next == models.StateFrozen {
		return Freeze(s, fmt.Sprintf("Risk velocity reached %d", s.RiskVelocity))
	}
	prev := s.AITrustState
	to, err := Transition(prev, next)
	if err != nil {
		return nil
	}
	s.AITrustState = to
	if rank(to) < rank(prev) {
		return nil
	}
	impact := ImpactDegraded
	if to == models.StateInvalid {
		impact = ImpactInvalid
	}
	return []models.Event{models.NewSessionEvent(models.EventTrustStateChanged, s, impact, map[string]any{
		"from":         string(prev),
		"to":           string(to),
		"riskVelocity": s.RiskVelocity,
	})}
}

// Freeze forces the session into FROZEN. Freezing a frozen session is a no-op.
func Freeze(s *models.AgentSession, reason string) []models.Event {
	if s.Frozen {
		return nil
	}
	s.Frozen = true
	s.FrozenReason = &reason
	s.AITrustState = models.StateFrozen
	return []models.Event{models.NewSessionEvent(models.EventSessionFrozen, s, ImpactFrozen, map[string]any{
		"reason":       reason,
		"riskVelocity": s.RiskVelocity,
	})}
}

// Unfreeze is the human override: state returns to VALID and the reason is
// cleared whatever the velocity. The velocity itself is left alone.
func Unfreeze(s *models.AgentSession) []models.Event {
	if !s.Frozen {
		return nil
	}
	prevReason := ""
	if s.FrozenReason != nil {
		prevReason = *s.FrozenReason
	}
	s.Frozen = false
	s.FrozenReason = nil
	s.AITrustState = models.StateValid
	return []models.Event{models.NewSessionEvent(models.EventSessionUnfrozen, s, ImpactUnfrozen, map[string]any{
		"previousReason": prevReason,
		"riskVelocity":   s.RiskVelocity,
	})}
}

// Allow applies an operator grant. A session-wide grant lowers the velocity
// by AllowSessionDrop and forces VALID. Frozen sessions ignore grants.
func Allow(s *models.AgentSession, scope AllowScope) []models.Event {
	if s.Frozen || scope != AllowSession {
		return nil
	}
	s.RiskVelocity = Clamp(s.RiskVelocity - AllowSessionDrop)
	s.AITrustState = models.StateValid
	return nil
}
