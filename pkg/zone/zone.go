// Package zone guards files and directories declared off-limits to AI agents.
package zone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"qshield/pkg/models"
	"qshield/pkg/risk"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("protected zone not found")
	ErrInvalidZone = errors.New("invalid protected zone")
)

type Store interface {
	List(ctx context.Context) ([]models.ProtectedZone, error)
	Put(ctx context.Context, z models.ProtectedZone) error
	Delete(ctx context.Context, id string) error
	RecordViolation(ctx context.Context, id string, at time.Time) error
}

// Guard answers path lookups from an in-memory snapshot of the store and
// writes violation counters through to it.
type Guard struct {
	store Store
	home  string

	mu    sync.RWMutex
	zones map[string]models.ProtectedZone
}

func NewGuard(store Store) *Guard {
	home, _ := os.UserHomeDir()
	return &Guard{store: store, home: home, zones: map[string]models.ProtectedZone{}}
}

// SetHome overrides the directory "~" expands to. An empty home is ignored.
func (g *Guard) SetHome(home string) {
	if home == "" {
		return
	}
	g.mu.Lock()
	g.home = home
	g.mu.Unlock()
}

// Load replaces the snapshot with the store's contents.
func (g *Guard) Load(ctx context.Context) error {
	zones, err := g.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list protected zones: %w", err)
	}
	next := make(map[string]models.ProtectedZone, len(zones))
	for _, z := range zones {
		next[z.ID] = z
	}
	g.mu.Lock()
	g.zones = next
	g.mu.Unlock()
	return nil
}

func Validate(z models.ProtectedZone) error {
	switch {
	case strings.TrimSpace(z.Path) == "":
		return fmt.Errorf("%w: path required", ErrInvalidZone)
	case z.Type != models.ZoneFile && z.Type != models.ZoneDirectory:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidZone, z.Type)
	case !z.ProtectionLevel.Valid():
		return fmt.Errorf("%w: unknown protection level %q", ErrInvalidZone, z.ProtectionLevel)
	}
	return nil
}

// Add stores a zone, assigning an id when it has none.
func (g *Guard) Add(ctx context.Context, z models.ProtectedZone) (models.ProtectedZone, error) {
	if err := Validate(z); err != nil {
		return models.ProtectedZone{}, err
	}
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	if z.Name == "" {
		z.Name = filepath.Base(z.Path)
	}
	if err := g.store.Put(ctx, z); err != nil {
		return models.ProtectedZone{}, fmt.Errorf("store protected zone: %w", err)
	}
	g.mu.Lock()
	g.zones[z.ID] = z
	g.mu.Unlock()
	return z, nil
}

func (g *Guard) Remove(ctx context.Context, id string) error {
	g.mu.RLock()
	_, ok := g.zones[id]
	g.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := g.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete protected zone: %w", err)
	}
	g.mu.Lock()
	delete(g.zones, id)
	g.mu.Unlock()
	return nil
}

func (g *Guard) Zones() []models.ProtectedZone {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ProtectedZone, 0, len(g.zones))
	for _, z := range g.zones {
		out = append(out, z)
	}
	sortZones(out)
	return out
}

func (g *Guard) expand(p string) string {
	if p == "~" {
		p = g.home
	} else if strings.HasPrefix(p, "~/") {
		p = filepath.Join(g.home, p[2:])
	}
	return filepath.Clean(p)
}

// Lookup returns the enabled zone covering path. File zones match the exact
// path; directory zones match the directory and everything below it. The
// longest matching zone path wins.
func (g *Guard) Lookup(path string) (models.ProtectedZone, bool) {
	target := g.expand(path)
	g.mu.RLock()
	defer g.mu.RUnlock()
	var (
		best    models.ProtectedZone
		bestLen = -1
	)
	for _, z := range g.zones {
		if !z.Enabled {
			continue
		}
		zp := g.expand(z.Path)
		if !covers(z.Type, zp, target) {
			continue
		}
		if len(zp) > bestLen || (len(zp) == bestLen && z.ID < best.ID) {
			best, bestLen = z, len(zp)
		}
	}
	return best, bestLen >= 0
}

func covers(t models.ZoneType, zonePath, target string) bool {
	if target == zonePath {
		return true
	}
	if t != models.ZoneDirectory {
		return false
	}
	prefix := zonePath
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// RecordViolation bumps the zone's counter and writes it through to the store.
func (g *Guard) RecordViolation(ctx context.Context, id string, at time.Time) (models.ProtectedZone, error) {
	z, err := g.NoteViolation(id, at)
	if err != nil {
		return z, err
	}
	return z, g.PersistViolation(ctx, id, at)
}

// NoteViolation bumps the in-memory counter only and returns the updated zone.
func (g *Guard) NoteViolation(id string, at time.Time) (models.ProtectedZone, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	z, ok := g.zones[id]
	if !ok {
		return models.ProtectedZone{}, ErrNotFound
	}
	at = at.UTC()
	z.ViolationCount++
	z.LastViolation = &at
	g.zones[id] = z
	return z, nil
}

// PersistViolation writes a violation already noted in memory to the store.
func (g *Guard) PersistViolation(ctx context.Context, id string, at time.Time) error {
	if err := g.store.RecordViolation(ctx, id, at.UTC()); err != nil {
		return fmt.Errorf("persist zone violation: %w", err)
	}
	return nil
}

// Impact is the advisory trust impact of a violation at level.
func Impact(level models.ProtectionLevel) int {
	switch level {
	case models.ProtectionFreeze:
		return risk.ImpactFrozen
	case models.ProtectionBlock:
		return risk.ImpactZoneBlock
	default:
		return risk.ImpactZoneWarn
	}
}

// FreezeReason is the frozen reason recorded for a freeze-level hit on z.
func FreezeReason(z models.ProtectedZone) string {
	return "Accessed AI-protected zone " + z.Name
}

// Enforce applies the zone's protection level to the session and returns the
// zone-violation event followed by whatever the risk engine produced.
func Enforce(s *models.AgentSession, z models.ProtectedZone, path string) []models.Event {
	events := []models.Event{models.NewSessionEvent(models.EventZoneViolation, s, Impact(z.ProtectionLevel), map[string]any{
		"zoneId":         z.ID,
		"zoneName":       z.Name,
		"zonePath":       z.Path,
		"path":           path,
		"action":         string(z.ProtectionLevel),
		"violationCount": z.ViolationCount,
	})}
	switch z.ProtectionLevel {
	case models.ProtectionFreeze:
		events = append(events, risk.Freeze(s, FreezeReason(z))...)
	case models.ProtectionBlock:
		events = append(events, risk.Adjust(s, risk.IncZoneBlock)...)
	default:
		events = append(events, risk.Adjust(s, risk.IncZoneWarn)...)
	}
	return events
}
