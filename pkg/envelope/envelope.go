// Package envelope keeps the per-session hash chain of agent actions.
package envelope

import (
	"fmt"
	"strconv"
	"time"

	"qshield/pkg/hashchain"
	"qshield/pkg/models"
)

// Hash returns SHA-256(prev | step | actionType | canonical(resourceRef)) as hex.
func Hash(prev string, step int, actionType string, resourceRef map[string]string) (string, error) {
	ref, err := models.CanonicalResourceRef(resourceRef)
	if err != nil {
		return "", fmt.Errorf("canonicalize resource ref: %w", err)
	}
	return hashchain.Plain{}.Link(prev, strconv.Itoa(step), actionType, ref), nil
}

// Chain is one session's envelope chain. It is not safe for concurrent use;
// callers serialize through the registry lock.
type Chain struct {
	SessionID string
	head      string
	step      int
	envelopes []models.AgentEnvelope
}

func NewChain(sessionID string) *Chain {
	return &Chain{SessionID: sessionID, head: hashchain.ZeroGenesis}
}

func (c *Chain) Head() string { return c.head }

// Step is the number of envelopes appended so far.
func (c *Chain) Step() int { return c.step }

// Append links a new envelope to the head and advances it.
func (c *Chain) Append(actionType string, resourceRef map[string]string, state models.TrustState, scopeChange bool, at time.Time) (models.AgentEnvelope, error) {
	step := c.step + 1
	hash, err := Hash(c.head, step, actionType, resourceRef)
	if err != nil {
		return models.AgentEnvelope{}, err
	}
	ref := make(map[string]string, len(resourceRef))
	for k, v := range resourceRef {
		ref[k] = v
	}
	env := models.AgentEnvelope{
		AgentSessionID: c.SessionID,
		Step:           step,
		ActionType:     actionType,
		ResourceRef:    ref,
		PrevChainHash:  c.head,
		ChainHash:      hash,
		Timestamp:      at.UTC(),
		AITrustState:   state,
		ScopeChange:    scopeChange,
	}
	c.step = step
	c.head = hash
	c.envelopes = append(c.envelopes, env)
	return env, nil
}

// Envelopes returns a copy of the chain in step order.
func (c *Chain) Envelopes() []models.AgentEnvelope {
	return append([]models.AgentEnvelope(nil), c.envelopes...)
}

// Verify recomputes a session chain from the zero genesis. It returns the
// index of the first envelope that does not link, or -1 when all do.
func Verify(envelopes []models.AgentEnvelope) int {
	prev := hashchain.ZeroGenesis
	for i, env := range envelopes {
		if env.Step != i+1 || env.PrevChainHash != prev {
			return i
		}
		want, err := Hash(prev, env.Step, env.ActionType, env.ResourceRef)
		if err != nil || !hashchain.Equal(want, env.ChainHash) {
			return i
		}
		prev = env.ChainHash
	}
	return -1
}
