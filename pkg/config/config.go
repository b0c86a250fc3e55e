// Package config reads the trustd environment.
package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Environment string
	Addr        string

	EvidenceStore      string
	SQLitePath         string
	EvidenceServerKey  string
	EvidenceClientKey  string
	ServiceAuthHeader  string
	ServiceAuthToken   string
	AuditRedact        bool
	AuditHashSalt      string
	MaxRequestBodySize int64

	PollInterval        time.Duration
	AgentSignaturesFile string
	ZonesFile           string
	HomeDir             string
	MonitorAgents       bool

	KafkaBrokers  []string
	KafkaGroupID  string
	EvidenceTopic string
	EventsTopic   string

	GatewayURL          string
	GatewayToken        string
	GatewaySyncInterval time.Duration
	GatewayRatePerSec   float64
	UpstreamTimeout     time.Duration
	UpstreamRetries     int
	UpstreamRetryDelay  time.Duration

	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitWindow    time.Duration
	TrustProxy         bool
	CORSAllowedOrigins string
	WSAllowedOrigins   string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	LogLevel  string
	LogFormat string
}

func Load() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Environment: Env("ENVIRONMENT", Env("APP_ENV", "")),
		Addr:        Env("ADDR", ":8090"),

		EvidenceStore:      strings.ToLower(Env("EVIDENCE_STORE", "postgres")),
		SQLitePath:         Env("SQLITE_PATH", "qshield.db"),
		EvidenceServerKey:  Env("EVIDENCE_SERVER_KEY", ""),
		EvidenceClientKey:  Env("EVIDENCE_CLIENT_KEY", ""),
		ServiceAuthHeader:  Env("SERVICE_AUTH_HEADER", "X-Service-Token"),
		ServiceAuthToken:   Env("SERVICE_AUTH_TOKEN", ""),
		AuditRedact:        EnvBool("AUDIT_REDACT", true),
		AuditHashSalt:      Env("AUDIT_HASH_SALT", ""),
		MaxRequestBodySize: int64(EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),

		PollInterval:        time.Millisecond * time.Duration(EnvInt("AGENT_POLL_INTERVAL_MS", 5000)),
		AgentSignaturesFile: Env("AGENT_SIGNATURES_FILE", ""),
		ZonesFile:           Env("ZONES_FILE", ""),
		HomeDir:             Env("ZONE_HOME_DIR", home),
		MonitorAgents:       EnvBool("AGENT_MONITOR_ENABLED", true),

		KafkaBrokers:  EnvList("KAFKA_BROKERS"),
		KafkaGroupID:  Env("KAFKA_GROUP_ID", "trustd"),
		EvidenceTopic: Env("EVIDENCE_TOPIC", ""),
		EventsTopic:   Env("EVENTS_TOPIC", ""),

		GatewayURL:          strings.TrimRight(Env("GATEWAY_URL", ""), "/"),
		GatewayToken:        Env("GATEWAY_TOKEN", ""),
		GatewaySyncInterval: EnvDurationSec("GATEWAY_SYNC_INTERVAL_SEC", 60),
		GatewayRatePerSec:   EnvFloat("GATEWAY_RATE_PER_SEC", 2),
		UpstreamTimeout:     time.Millisecond * time.Duration(EnvInt("UPSTREAM_TIMEOUT_MS", 3000)),
		UpstreamRetries:     EnvInt("UPSTREAM_RETRIES", 2),
		UpstreamRetryDelay:  time.Millisecond * time.Duration(EnvInt("UPSTREAM_RETRY_DELAY_MS", 100)),

		RateLimitEnabled:   EnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: EnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitWindow:    EnvDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		TrustProxy:         EnvBool("TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins: Env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:   Env("WS_ALLOWED_ORIGINS", ""),

		ReadHeaderTimeout: EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),

		LogLevel:  Env("LOG_LEVEL", "info"),
		LogFormat: Env("LOG_FORMAT", "json"),
	}
}

// SetupLogging installs the global zerolog logger for level and format
// ("console" or "json") and returns it.
func SetupLogging(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func EnvDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

// EnvList splits a comma separated variable, dropping blanks.
func EnvList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
