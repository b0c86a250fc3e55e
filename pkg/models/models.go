package models

import (
	"time"
)

// Source is the monitored channel an evidence record came from.
type Source string

const (
	SourceEmail        Source = "email"
	SourceFile         Source = "file"
	SourceMeeting      Source = "meeting"
	SourceCryptoWallet Source = "crypto_wallet"
	SourceAIAgent      Source = "ai_agent"
)

func (s Source) Valid() bool {
	switch s {
	case SourceEmail, SourceFile, SourceMeeting, SourceCryptoWallet, SourceAIAgent:
		return true
	default:
		return false
	}
}

// EvidenceRecord is one hash-chained fact about a monitored channel.
// Hash covers id, previous hash, timestamp, source, event type and payload.
type EvidenceRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId,omitempty"`
	Hash         string    `json:"hash"`
	PreviousHash *string   `json:"previousHash"`
	Timestamp    time.Time `json:"timestamp"`
	Source       Source    `json:"source"`
	EventType    string    `json:"eventType"`
	Payload      string    `json:"payload"`
	Verified     bool      `json:"verified"`
	IV           string    `json:"iv,omitempty"`
	AuthTag      string    `json:"authTag,omitempty"`
	Signature    string    `json:"signature,omitempty"`
}

// Certificate lets a third party check a trust score against the evidence hashes it names.
type Certificate struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	TrustScore     int       `json:"trustScore"`
	TrustLevel     string    `json:"trustLevel"`
	EvidenceCount  int       `json:"evidenceCount"`
	EvidenceHashes []string  `json:"evidenceHashes"`
	SignatureChain string    `json:"signatureChain"`
	IssuedAt       time.Time `json:"issuedAt"`
}

type ExecutionMode string

const (
	ModeHumanDirect  ExecutionMode = "HUMAN_DIRECT"
	ModeAIAssisted   ExecutionMode = "AI_ASSISTED"
	ModeAIAutonomous ExecutionMode = "AI_AUTONOMOUS"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeHumanDirect, ModeAIAssisted, ModeAIAutonomous:
		return true
	default:
		return false
	}
}

type TrustState string

const (
	StateValid    TrustState = "VALID"
	StateDegraded TrustState = "DEGRADED"
	StateInvalid  TrustState = "INVALID"
	StateFrozen   TrustState = "FROZEN"
)

// AgentSession tracks one detected agent process. SessionID is agentName:pid.
type AgentSession struct {
	SessionID       string        `json:"sessionId"`
	AgentName       string        `json:"agentName"`
	PID             int32         `json:"pid"`
	ExecutionMode   ExecutionMode `json:"executionMode"`
	AITrustState    TrustState    `json:"aiTrustState"`
	RiskVelocity    int           `json:"riskVelocity"`
	ScopeExpansions int           `json:"scopeExpansions"`
	TotalActions    int           `json:"totalActions"`
	AllowedPaths    []string      `json:"allowedPaths"`
	AllowedDomains  []string      `json:"allowedDomains"`
	AllowedAPIs     []string      `json:"allowedApis"`
	DelegationDepth int           `json:"delegationDepth"`
	Frozen          bool          `json:"frozen"`
	FrozenReason    *string       `json:"frozenReason"`
	StartedAt       time.Time     `json:"startedAt"`
	LastActivityAt  time.Time     `json:"lastActivityAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *AgentSession) Clone() AgentSession {
	out := *s
	out.AllowedPaths = append([]string(nil), s.AllowedPaths...)
	out.AllowedDomains = append([]string(nil), s.AllowedDomains...)
	out.AllowedAPIs = append([]string(nil), s.AllowedAPIs...)
	if s.FrozenReason != nil {
		reason := *s.FrozenReason
		out.FrozenReason = &reason
	}
	return out
}

const (
	ActionFileAccess     = "file_access"
	ActionNetworkRequest = "network_request"
	ActionZoneViolation  = "zone_violation"
	ActionAllow          = "allow_action"
)

// AgentEnvelope is one hash-chained fact about an agent action.
type AgentEnvelope struct {
	AgentSessionID string            `json:"agentSessionId"`
	Step           int               `json:"step"`
	ActionType     string            `json:"actionType"`
	ResourceRef    map[string]string `json:"resourceRef"`
	PrevChainHash  string            `json:"prevChainHash"`
	ChainHash      string            `json:"chainHash"`
	Timestamp      time.Time         `json:"timestamp"`
	AITrustState   TrustState        `json:"aiTrustState"`
	ScopeChange    bool              `json:"scopeChange"`
}

type ZoneType string

const (
	ZoneFile      ZoneType = "file"
	ZoneDirectory ZoneType = "directory"
)

type ProtectionLevel string

const (
	ProtectionWarn   ProtectionLevel = "warn"
	ProtectionBlock  ProtectionLevel = "block"
	ProtectionFreeze ProtectionLevel = "freeze"
)

func (l ProtectionLevel) Valid() bool {
	switch l {
	case ProtectionWarn, ProtectionBlock, ProtectionFreeze:
		return true
	default:
		return false
	}
}

// ProtectedZone is a file or directory declared off-limits to AI agents.
type ProtectedZone struct {
	ID              string          `json:"id" yaml:"id"`
	Path            string          `json:"path" yaml:"path"`
	Name            string          `json:"name" yaml:"name"`
	Type            ZoneType        `json:"type" yaml:"type"`
	ProtectionLevel ProtectionLevel `json:"protectionLevel" yaml:"protection_level"`
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	ViolationCount  int             `json:"violationCount" yaml:"-"`
	LastViolation   *time.Time      `json:"lastViolation,omitempty" yaml:"-"`
}
