// Package hardening refuses production-like startups whose transport or
// secret configuration would weaken the evidence guarantees.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name   string
	Value  string
	MinLen int
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	// EvidenceStore is the configured evidence backend. Empty means postgres.
	EvidenceStore         string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	WSAllowedOrigins      string
	AuditRedact           string
	RequiredSecrets       []EnvRequirement
	// DistinctSecrets names secrets that must not share a value, such as the
	// client and server evidence keys.
	DistinctSecrets []EnvRequirement
}

type check func(Options) error

var checks = []check{
	checkEvidenceStore,
	checkRedis,
	checkOrigins,
	checkAudit,
	checkSecrets,
	checkDistinct,
}

// ValidateProduction runs every check and reports all failures at once, each
// prefixed with the service name. It is a no-op outside production-like
// environments or when STRICT_PROD_SECURITY is false.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !flag(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	for _, c := range checks {
		if err := c(o); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", service, err))
		}
	}
	return errors.Join(errs...)
}

func checkEvidenceStore(o Options) error {
	switch strings.ToLower(strings.TrimSpace(o.EvidenceStore)) {
	case "", "postgres":
		if !flag(o.DatabaseRequireTLS, false) {
			return errors.New("postgres evidence store requires DATABASE_REQUIRE_TLS=true")
		}
	case "memory":
		return errors.New("EVIDENCE_STORE=memory loses the evidence chain on restart")
	}
	return nil
}

func checkRedis(o Options) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !flag(o.RedisRequireTLS, false) {
		return errors.New("redis requires REDIS_REQUIRE_TLS=true")
	}
	if flag(o.RedisTLSInsecure, false) || flag(o.RedisAllowInsecureTLS, false) {
		return errors.New("REDIS_TLS_INSECURE and REDIS_ALLOW_INSECURE_TLS are forbidden")
	}
	return nil
}

func checkOrigins(o Options) error {
	return errors.Join(
		origins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, true),
		origins("WS_ALLOWED_ORIGINS", o.WSAllowedOrigins, false),
	)
}

func checkAudit(o Options) error {
	if !flag(o.AuditRedact, true) {
		return errors.New("AUDIT_REDACT must stay enabled")
	}
	return nil
}

func checkSecrets(o Options) error {
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		value := strings.TrimSpace(req.Value)
		switch {
		case value == "":
			return fmt.Errorf("%s is required", req.Name)
		case req.MinLen > 0 && len(value) < req.MinLen:
			return fmt.Errorf("%s must be at least %d bytes", req.Name, req.MinLen)
		}
	}
	return nil
}

func checkDistinct(o Options) error {
	owner := make(map[string]string, len(o.DistinctSecrets))
	for _, req := range o.DistinctSecrets {
		value := strings.TrimSpace(req.Value)
		if value == "" {
			continue
		}
		if prev, dup := owner[value]; dup {
			return fmt.Errorf("%s and %s must differ", prev, req.Name)
		}
		owner[value] = req.Name
	}
	return nil
}

var loopbackPrefixes = []string{
	"http://localhost", "https://localhost",
	"http://127.0.0.1", "https://127.0.0.1",
}

func origins(name, raw string, required bool) error {
	n := 0
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		n++
		lower := strings.ToLower(origin)
		if lower == "*" {
			return fmt.Errorf("%s must not contain a wildcard", name)
		}
		for _, p := range loopbackPrefixes {
			if strings.HasPrefix(lower, p) {
				return fmt.Errorf("%s must not contain loopback origin %q", name, origin)
			}
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s must use https, got %q", name, origin)
		}
	}
	if n == 0 && required {
		return fmt.Errorf("%s must be set explicitly", name)
	}
	return nil
}

func flag(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// IsProductionLike reports whether env names a production or staging deployment.
func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
