package agent

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"qshield/pkg/envelope"
	"qshield/pkg/models"
	"qshield/pkg/risk"
	"qshield/pkg/zone"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SessionKey is the registry key of a detected process.
func SessionKey(agentName string, pid int32) string {
	return agentName + ":" + strconv.FormatInt(int64(pid), 10)
}

// Registry owns every agent session and its envelope chain. All mutation
// goes through one lock, so a poll cycle and operator actions never interleave.
type Registry struct {
	classifier *Classifier
	scanner    Scanner
	zones      ZoneGuard
	events     Publisher
	now        func() time.Time
	// persistTimeout bounds each zone violation write made after a poll.
	persistTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*models.AgentSession
	chains   map[string]*envelope.Chain
	scopes   map[string]*scopeSet
}

// DefaultPersistTimeout bounds a single zone violation write.
const DefaultPersistTimeout = 3 * time.Second

// scopeSet indexes a session's allowed paths and domains.
type scopeSet struct {
	paths   map[string]struct{}
	domains map[string]struct{}
}

type pendingViolation struct {
	zoneID string
	at     time.Time
}

type RegistryOption func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithPersistTimeout overrides DefaultPersistTimeout.
func WithPersistTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

func NewRegistry(classifier *Classifier, scanner Scanner, zones ZoneGuard, events Publisher, opts ...RegistryOption) *Registry {
	r := &Registry{
		classifier: classifier,
		scanner:    scanner,
		zones:      zones,
		events:     events,
		now:            time.Now,
		persistTimeout: DefaultPersistTimeout,
		sessions:       map[string]*models.AgentSession{},
		chains:         map[string]*envelope.Chain{},
		scopes:         map[string]*scopeSet{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type observation struct {
	key      string
	proc     Process
	sig      Signature
	files    []string
	domains  []string
	gathered bool
}

// Poll runs one detection cycle. Scanner I/O happens before the registry
// lock is taken; the snapshot is then applied in one pass. Zone violations
// noted during the pass are written to the zone store after the lock is
// released. A failed process listing skips the whole cycle.
func (r *Registry) Poll(ctx context.Context) error {
	ctx, span := otel.Tracer("qshield/agent").Start(ctx, "agent.Poll")
	defer span.End()

	procs, err := r.scanner.ListProcesses(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("process_listing_failed")
		return fmt.Errorf("list processes: %w", err)
	}
	monitored := r.monitoredKeys()
	var obs []observation
	for _, p := range procs {
		sig, ok := r.classifier.Classify(p)
		if !ok {
			continue
		}
		o := observation{key: SessionKey(sig.Name, p.PID), proc: p, sig: sig}
		if _, live := monitored[o.key]; live {
			o.files, o.domains, o.gathered = r.gather(ctx, o)
		}
		obs = append(obs, o)
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].key < obs[j].key })
	span.SetAttributes(attribute.Int("agent.processes", len(procs)), attribute.Int("agent.detected", len(obs)))
	r.persist(ctx, r.apply(obs))
	return nil
}

func (r *Registry) persist(ctx context.Context, pending []pendingViolation) {
	for _, v := range pending {
		pctx, cancel := context.WithTimeout(ctx, r.persistTimeout)
		err := r.zones.PersistViolation(pctx, v.zoneID, v.at)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("zone", v.zoneID).Msg("zone_violation_persist_failed")
		}
	}
}

func (r *Registry) monitoredKeys() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.sessions))
	for k, s := range r.sessions {
		if !s.Frozen {
			out[k] = struct{}{}
		}
	}
	return out
}

func (r *Registry) gather(ctx context.Context, o observation) ([]string, []string, bool) {
	files, err := r.scanner.ListOpenFiles(ctx, o.proc.PID)
	if err != nil {
		log.Warn().Err(err).Str("session", o.key).Msg("open_files_inspection_failed")
		return nil, nil, false
	}
	domains, err := r.scanner.ListEstablishedConnections(ctx, o.proc.PID)
	if err != nil {
		log.Warn().Err(err).Str("session", o.key).Msg("connection_inspection_failed")
		return nil, nil, false
	}
	return files, domains, true
}

func (r *Registry) apply(obs []observation) []pendingViolation {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	var events []models.Event
	var pending []pendingViolation
	live := make(map[string]struct{}, len(obs))
	for _, o := range obs {
		live[o.key] = struct{}{}
		s, exists := r.sessions[o.key]
		if !exists {
			events = append(events, r.start(o, now))
			continue
		}
		if s.Frozen {
			continue
		}
		s.LastActivityAt = now
		if o.gathered {
			evts, noted := r.monitor(s, o, now)
			events = append(events, evts...)
			pending = append(pending, noted...)
		}
	}
	for _, o := range obs {
		if s := r.sessions[o.key]; s != nil && !s.Frozen {
			events = append(events, risk.Decay(s)...)
		}
	}
	for _, key := range r.sortedKeys() {
		s := r.sessions[key]
		if _, ok := live[key]; ok || s.Frozen {
			continue
		}
		events = append(events, models.NewSessionEvent(models.EventSessionEnded, s, risk.ImpactEnded, map[string]any{
			"totalActions":    s.TotalActions,
			"scopeExpansions": s.ScopeExpansions,
			"riskVelocity":    s.RiskVelocity,
		}))
		delete(r.sessions, key)
		delete(r.chains, key)
		delete(r.scopes, key)
		log.Info().Str("session", key).Msg("agent_session_ended")
	}
	r.events.Publish(events...)
	return pending
}

func (r *Registry) start(o observation, now time.Time) models.Event {
	s := &models.AgentSession{
		SessionID:      o.key,
		AgentName:      o.sig.Name,
		PID:            o.proc.PID,
		ExecutionMode:  o.sig.Mode,
		AITrustState:   models.StateValid,
		AllowedPaths:   []string{},
		AllowedDomains: []string{},
		AllowedAPIs:    []string{},
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[o.key] = s
	r.chains[o.key] = envelope.NewChain(o.key)
	r.scopes[o.key] = &scopeSet{paths: map[string]struct{}{}, domains: map[string]struct{}{}}
	log.Info().Str("session", o.key).Str("mode", string(s.ExecutionMode)).Msg("agent_session_started")
	return models.NewSessionEvent(models.EventSessionStarted, s, risk.StartImpact(s.ExecutionMode), map[string]any{
		"pid": o.proc.PID,
	})
}

// monitor turns newly seen paths and domains into envelopes, risk and zone
// enforcement. It stops as soon as the session freezes. Zone hits are only
// noted in memory here; the returned violations still need persisting.
func (r *Registry) monitor(s *models.AgentSession, o observation, now time.Time) ([]models.Event, []pendingViolation) {
	var events []models.Event
	var pending []pendingViolation
	sc := r.scope(s)
	for _, path := range dedupe(o.files) {
		if s.Frozen {
			return events, pending
		}
		if _, seen := sc.paths[path]; seen {
			continue
		}
		sc.paths[path] = struct{}{}
		s.AllowedPaths = append(s.AllowedPaths, path)
		events = append(events, r.expand(s, models.ActionFileAccess, "file", path, map[string]string{"path": path}, risk.ImpactNewFile, now)...)
		events = append(events, risk.Adjust(s, risk.IncNewFile)...)
		if r.zones == nil {
			continue
		}
		z, hit := r.zones.Lookup(path)
		if !hit {
			continue
		}
		updated, err := r.zones.NoteViolation(z.ID, now)
		if err != nil {
			log.Warn().Err(err).Str("zone", z.ID).Msg("zone_violation_note_failed")
			updated = z
			updated.ViolationCount++
		} else {
			pending = append(pending, pendingViolation{zoneID: z.ID, at: now})
		}
		events = append(events, r.record(s, models.ActionZoneViolation, map[string]string{
			"path":            path,
			"zoneId":          updated.ID,
			"protectionLevel": string(updated.ProtectionLevel),
		}, false, now)...)
		events = append(events, zone.Enforce(s, updated, path)...)
		log.Warn().Str("session", s.SessionID).Str("zone", updated.Name).Str("action", string(updated.ProtectionLevel)).Msg("protected_zone_violation")
	}
	for _, domain := range dedupe(o.domains) {
		if s.Frozen {
			return events, pending
		}
		if _, seen := sc.domains[domain]; seen {
			continue
		}
		sc.domains[domain] = struct{}{}
		s.AllowedDomains = append(s.AllowedDomains, domain)
		events = append(events, r.expand(s, models.ActionNetworkRequest, "domain", domain, map[string]string{"domain": domain}, risk.ImpactNewDomain, now)...)
		events = append(events, risk.Adjust(s, risk.IncNewDomain)...)
	}
	return events, pending
}

// scope returns the index for s, rebuilding it from the session's slices
// when the session was admitted without one.
func (r *Registry) scope(s *models.AgentSession) *scopeSet {
	if sc, ok := r.scopes[s.SessionID]; ok {
		return sc
	}
	sc := &scopeSet{
		paths:   make(map[string]struct{}, len(s.AllowedPaths)),
		domains: make(map[string]struct{}, len(s.AllowedDomains)),
	}
	for _, p := range s.AllowedPaths {
		sc.paths[p] = struct{}{}
	}
	for _, d := range s.AllowedDomains {
		sc.domains[d] = struct{}{}
	}
	r.scopes[s.SessionID] = sc
	return sc
}

func (r *Registry) expand(s *models.AgentSession, action, kind, resource string, ref map[string]string, impact int, now time.Time) []models.Event {
	s.ScopeExpansions++
	events := r.record(s, action, ref, true, now)
	log.Debug().Str("session", s.SessionID).Str(kind, resource).Msg("agent_scope_expansion")
	return append(events, models.NewSessionEvent(models.EventScopeExpansion, s, impact, map[string]any{
		"resourceType":    kind,
		"resource":        resource,
		"scopeExpansions": s.ScopeExpansions,
	}))
}

// record appends an envelope to the session chain and returns the
// envelope-appended event carrying it.
func (r *Registry) record(s *models.AgentSession, action string, ref map[string]string, scopeChange bool, now time.Time) []models.Event {
	chain := r.chains[s.SessionID]
	if chain == nil {
		chain = envelope.NewChain(s.SessionID)
		r.chains[s.SessionID] = chain
	}
	env, err := chain.Append(action, ref, s.AITrustState, scopeChange, now)
	if err != nil {
		log.Error().Err(err).Str("session", s.SessionID).Msg("envelope_append_failed")
		return nil
	}
	s.TotalActions++
	return []models.Event{models.NewSessionEvent(models.EventEnvelopeAppended, s, 0, map[string]any{"envelope": env})}
}

// Freeze is the operator freeze. It reports false for unknown sessions.
func (r *Registry) Freeze(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if reason == "" {
		reason = "Frozen by operator"
	}
	r.events.Publish(risk.Freeze(s, reason)...)
	return true
}

func (r *Registry) Unfreeze(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	r.events.Publish(risk.Unfreeze(s)...)
	return true
}

// Allow records an operator grant. Every grant is audited with an
// allow_action envelope; only a session-wide grant on a live session changes risk.
func (r *Registry) Allow(id string, scope risk.AllowScope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	events := r.record(s, models.ActionAllow, map[string]string{"scope": string(scope)}, false, r.now().UTC())
	events = append(events, risk.Allow(s, scope)...)
	r.events.Publish(events...)
	return true
}

// Sessions returns copies of every session ordered by key.
func (r *Registry) Sessions() []models.AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentSession, 0, len(r.sessions))
	for _, key := range r.sortedKeys() {
		out = append(out, r.sessions[key].Clone())
	}
	return out
}

func (r *Registry) Session(id string) (models.AgentSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.AgentSession{}, false
	}
	return s.Clone(), true
}

func (r *Registry) Envelopes(id string) ([]models.AgentEnvelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.chains[id]
	if !ok {
		return nil, false
	}
	return chain.Envelopes(), true
}

// Restore re-admits frozen sessions persisted by a previous run. Sessions
// already known and sessions that are not frozen are skipped.
func (r *Registry) Restore(sessions []models.AgentSession) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range sessions {
		if !s.Frozen || s.SessionID == "" {
			continue
		}
		if _, exists := r.sessions[s.SessionID]; exists {
			continue
		}
		restored := s.Clone()
		restored.AITrustState = models.StateFrozen
		r.sessions[s.SessionID] = &restored
		r.chains[s.SessionID] = envelope.NewChain(s.SessionID)
		n++
	}
	return n
}

// Reset drops all in-memory state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = map[string]*models.AgentSession{}
	r.chains = map[string]*envelope.Chain{}
	r.scopes = map[string]*scopeSet{}
}

func (r *Registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
