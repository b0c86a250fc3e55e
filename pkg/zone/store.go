package zone

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"qshield/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"
)

func sortZones(zs []models.ProtectedZone) {
	sort.Slice(zs, func(i, j int) bool {
		if zs[i].Path != zs[j].Path {
			return zs[i].Path < zs[j].Path
		}
		return zs[i].ID < zs[j].ID
	})
}

type MemoryStore struct {
	mu    sync.Mutex
	zones map[string]models.ProtectedZone
}

func NewMemoryStore(seed ...models.ProtectedZone) *MemoryStore {
	m := &MemoryStore{zones: map[string]models.ProtectedZone{}}
	for _, z := range seed {
		m.zones[z.ID] = z
	}
	return m
}

func (m *MemoryStore) List(ctx context.Context) ([]models.ProtectedZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProtectedZone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z)
	}
	sortZones(out)
	return out, nil
}

func (m *MemoryStore) Put(ctx context.Context, z models.ProtectedZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones[z.ID] = z
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return ErrNotFound
	}
	delete(m.zones, id)
	return nil
}

func (m *MemoryStore) RecordViolation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok {
		return ErrNotFound
	}
	z.ViolationCount++
	z.LastViolation = &at
	m.zones[id] = z
	return nil
}

type zoneDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	DB zoneDB
}

func (s *PostgresStore) List(ctx context.Context) ([]models.ProtectedZone, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, path, name, zone_type, protection_level, enabled, violation_count, last_violation
		FROM protected_zones ORDER BY path, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ProtectedZone{}
	for rows.Next() {
		var (
			z     models.ProtectedZone
			typ   string
			level string
		)
		if err := rows.Scan(&z.ID, &z.Path, &z.Name, &typ, &level, &z.Enabled, &z.ViolationCount, &z.LastViolation); err != nil {
			return nil, err
		}
		z.Type = models.ZoneType(typ)
		z.ProtectionLevel = models.ProtectionLevel(level)
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Put(ctx context.Context, z models.ProtectedZone) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO protected_zones (id, path, name, zone_type, protection_level, enabled, violation_count, last_violation)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET path=EXCLUDED.path, name=EXCLUDED.name, zone_type=EXCLUDED.zone_type,
			protection_level=EXCLUDED.protection_level, enabled=EXCLUDED.enabled
	`, z.ID, z.Path, z.Name, string(z.Type), string(z.ProtectionLevel), z.Enabled, z.ViolationCount, z.LastViolation)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM protected_zones WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordViolation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE protected_zones SET violation_count = violation_count + 1, last_violation = $2 WHERE id=$1
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type seedFile struct {
	Zones []models.ProtectedZone `yaml:"zones"`
}

// LoadSeed reads protected zones from a YAML file of the form
//
//	zones:
//	  - id: ssh
//	    path: ~/.ssh
//	    type: directory
//	    protection_level: freeze
//	    enabled: true
func LoadSeed(path string) ([]models.ProtectedZone, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zones file: %w", err)
	}
	return ParseSeed(raw)
}

func ParseSeed(raw []byte) ([]models.ProtectedZone, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse zones file: %w", err)
	}
	seen := map[string]struct{}{}
	for i, z := range f.Zones {
		if err := Validate(z); err != nil {
			return nil, fmt.Errorf("zone %d: %w", i, err)
		}
		if z.ID == "" {
			return nil, fmt.Errorf("zone %d: %w: id required", i, ErrInvalidZone)
		}
		if _, dup := seen[z.ID]; dup {
			return nil, fmt.Errorf("zone %d: %w: duplicate id %q", i, ErrInvalidZone, z.ID)
		}
		seen[z.ID] = struct{}{}
	}
	return f.Zones, nil
}

// Seed adds zones the store does not already hold.
func Seed(ctx context.Context, g *Guard, zones []models.ProtectedZone) error {
	existing := map[string]struct{}{}
	for _, z := range g.Zones() {
		existing[z.ID] = struct{}{}
	}
	for _, z := range zones {
		if _, ok := existing[z.ID]; ok {
			continue
		}
		if _, err := g.Add(ctx, z); err != nil {
			return fmt.Errorf("seed zone %q: %w", z.ID, err)
		}
	}
	return nil
}
