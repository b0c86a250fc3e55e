package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("QS_TEST_STR", "value")
	t.Setenv("QS_TEST_INT", "42")
	t.Setenv("QS_TEST_BAD_INT", "x")
	t.Setenv("QS_TEST_BOOL", "TRUE")
	t.Setenv("QS_TEST_BAD_BOOL", "maybe")
	t.Setenv("QS_TEST_FLOAT", "0.5")
	t.Setenv("QS_TEST_LIST", " a, ,b ,")

	if got := Env("QS_TEST_STR", "def"); got != "value" {
		t.Fatalf("Env: got %q", got)
	}
	if got := Env("QS_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("Env default: got %q", got)
	}
	if got := EnvInt("QS_TEST_INT", 1); got != 42 {
		t.Fatalf("EnvInt: got %d", got)
	}
	if got := EnvInt("QS_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("EnvInt default: got %d", got)
	}
	if !EnvBool("QS_TEST_BOOL", false) || EnvBool("QS_TEST_BAD_BOOL", false) {
		t.Fatal("EnvBool mismatch")
	}
	if got := EnvFloat("QS_TEST_FLOAT", 1); got != 0.5 {
		t.Fatalf("EnvFloat: got %v", got)
	}
	if got := EnvDurationSec("QS_TEST_INT", 1); got != 42*time.Second {
		t.Fatalf("EnvDurationSec: got %v", got)
	}
	if got := EnvList("QS_TEST_LIST"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("EnvList: got %#v", got)
	}
	if got := EnvList("QS_TEST_MISSING"); got != nil {
		t.Fatalf("EnvList empty: got %#v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EVIDENCE_STORE", "SQLite")
	t.Setenv("GATEWAY_URL", "https://gw.example.com/")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("AGENT_POLL_INTERVAL_MS", "")
	cfg := Load()
	if cfg.EvidenceStore != "sqlite" {
		t.Fatalf("expected lowercased store, got %q", cfg.EvidenceStore)
	}
	if cfg.GatewayURL != "https://gw.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.GatewayURL)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("expected default poll interval 5s, got %v", cfg.PollInterval)
	}
	if !cfg.AuditRedact || cfg.ServiceAuthHeader != "X-Service-Token" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	SetupLogging("warn", "json", &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("session", "aider:1").Msg("zone_hit")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"message":"zone_hit"`) {
		t.Fatalf("unexpected log output: %s", out)
	}

	buf.Reset()
	SetupLogging("nonsense", "console", &buf)
	log.Info().Msg("console_line")
	if !strings.Contains(buf.String(), "console_line") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console output, got %s", buf.String())
	}
}
