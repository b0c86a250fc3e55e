package risk

import (
	"errors"
	"testing"

	"qshield/pkg/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newSession() *models.AgentSession {
	return &models.AgentSession{
		SessionID:     "claude:100",
		AgentName:     "claude",
		PID:           100,
		ExecutionMode: models.ModeAIAutonomous,
		AITrustState:  models.StateValid,
	}
}

func TestStateFor(t *testing.T) {
	t.Parallel()
	cases := map[int]models.TrustState{
		0: models.StateValid, 39: models.StateValid,
		40: models.StateDegraded, 69: models.StateDegraded,
		70: models.StateInvalid, 89: models.StateInvalid,
		90: models.StateFrozen, 100: models.StateFrozen,
	}
	for v, want := range cases {
		if got := StateFor(v); got != want {
			t.Fatalf("StateFor(%d) = %s want %s", v, got, want)
		}
	}
}

func TestTransitionRejectsLeavingFrozen(t *testing.T) {
	t.Parallel()
	if _, err := Transition(models.StateFrozen, models.StateValid); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := Transition(models.StateValid, models.StateValid); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("self transition should be rejected, got %v", err)
	}
	if got, err := Transition(models.StateInvalid, models.StateDegraded); err != nil || got != models.StateDegraded {
		t.Fatalf("downward transition = %s, %v", got, err)
	}
}

func TestAdjustAnnouncesUpwardOnly(t *testing.T) {
	t.Parallel()
	s := newSession()
	if evs := Adjust(s, 40); len(evs) != 1 || evs[0].Type != models.EventTrustStateChanged || evs[0].TrustImpact != ImpactDegraded {
		t.Fatalf("expected one DEGRADED announcement, got %+v", evs)
	}
	if evs := Adjust(s, 5); len(evs) != 0 {
		t.Fatalf("staying in band must be silent, got %+v", evs)
	}
	if evs := Adjust(s, -4); len(evs) != 0 || s.AITrustState != models.StateDegraded {
		t.Fatalf("expected DEGRADED at 41, state=%s evs=%+v", s.AITrustState, evs)
	}
	if evs := Adjust(s, -2); len(evs) != 0 || s.AITrustState != models.StateValid {
		t.Fatalf("downward move should be silent, state=%s evs=%+v", s.AITrustState, evs)
	}
	evs := Adjust(s, 40)
	if len(evs) != 1 || evs[0].Metadata["to"] != "INVALID" || evs[0].TrustImpact != ImpactInvalid {
		t.Fatalf("expected INVALID announcement, got %+v", evs)
	}
}

func TestVelocityAtFreezeThresholdFreezes(t *testing.T) {
	t.Parallel()
	s := newSession()
	evs := Adjust(s, 95)
	if len(evs) != 1 || evs[0].Type != models.EventSessionFrozen || evs[0].TrustImpact != ImpactFrozen {
		t.Fatalf("expected session-frozen, got %+v", evs)
	}
	if !s.Frozen || s.FrozenReason == nil || s.AITrustState != models.StateFrozen {
		t.Fatalf("session not frozen: %+v", s)
	}
}

func TestFreezeIsSticky(t *testing.T) {
	t.Parallel()
	s := newSession()
	Freeze(s, "manual")
	for i := 0; i < 200; i++ {
		if evs := Decay(s); len(evs) != 0 {
			t.Fatalf("decay on frozen session emitted %+v", evs)
		}
	}
	Adjust(s, -100)
	if s.AITrustState != models.StateFrozen || !s.Frozen {
		t.Fatalf("frozen state escaped: %+v", s)
	}
	if evs := Freeze(s, "again"); evs != nil || *s.FrozenReason != "manual" {
		t.Fatalf("re-freeze should be a no-op")
	}
}

func TestUnfreezeResetsRegardlessOfVelocity(t *testing.T) {
	t.Parallel()
	s := newSession()
	s.RiskVelocity = 60
	Freeze(s, "zone")
	evs := Unfreeze(s)
	if len(evs) != 1 || evs[0].Type != models.EventSessionUnfrozen || evs[0].Metadata["previousReason"] != "zone" {
		t.Fatalf("unexpected unfreeze events %+v", evs)
	}
	if s.Frozen || s.FrozenReason != nil || s.AITrustState != models.StateValid || s.RiskVelocity != 60 {
		t.Fatalf("unexpected session after unfreeze %+v", s)
	}
	if evs := Unfreeze(s); evs != nil {
		t.Fatal("unfreezing a live session should be a no-op")
	}
}

func TestAllowSessionScenario(t *testing.T) {
	t.Parallel()
	s := newSession()
	Adjust(s, 55)
	if s.AITrustState != models.StateDegraded {
		t.Fatalf("state = %s", s.AITrustState)
	}
	Allow(s, AllowSession)
	if s.RiskVelocity != 35 || s.AITrustState != models.StateValid {
		t.Fatalf("velocity=%d state=%s", s.RiskVelocity, s.AITrustState)
	}
	Allow(s, AllowSession)
	Allow(s, AllowSession)
	if s.RiskVelocity != 0 {
		t.Fatalf("allow should floor at 0, got %d", s.RiskVelocity)
	}
}

func TestAllowOnceAndFrozenIgnored(t *testing.T) {
	t.Parallel()
	s := newSession()
	Adjust(s, 75)
	Allow(s, AllowOnce)
	if s.RiskVelocity != 75 || s.AITrustState != models.StateInvalid {
		t.Fatalf("once grant changed state: %+v", s)
	}
	Freeze(s, "x")
	Allow(s, AllowSession)
	if s.RiskVelocity != 75 || s.AITrustState != models.StateFrozen {
		t.Fatalf("frozen session accepted grant: %+v", s)
	}
}

func TestStartImpact(t *testing.T) {
	t.Parallel()
	if StartImpact(models.ModeAIAutonomous) != -15 || StartImpact(models.ModeAIAssisted) != -5 || StartImpact(models.ModeHumanDirect) != 0 {
		t.Fatal("unexpected start impacts")
	}
}

func TestClampProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("velocity stays within [0,100]", prop.ForAll(
		func(deltas []int) bool {
			s := newSession()
			for _, d := range deltas {
				Adjust(s, d)
				if s.RiskVelocity < 0 || s.RiskVelocity > MaxVelocity {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-150, 150)),
	))
	properties.Property("frozen sessions never leave FROZEN without unfreeze", prop.ForAll(
		func(deltas []int) bool {
			s := newSession()
			Freeze(s, "test")
			for _, d := range deltas {
				Adjust(s, d)
				Decay(s)
			}
			return s.AITrustState == models.StateFrozen && s.Frozen
		},
		gen.SliceOf(gen.IntRange(-150, 150)),
	))
	properties.TestingRun(t)
}
