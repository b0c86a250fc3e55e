package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresRetryDelay   = 2 * time.Second
)

// PostgresOptions describes the evidence database connection.
type PostgresOptions struct {
	URL          string
	RequireTLS   bool
	AppName      string
	MaxConns     int32
	ConnectTries uint
	PingTimeout  time.Duration
}

// PostgresOptionsFromEnv reads DATABASE_URL, or assembles one from the
// DATABASE_* variables.
func PostgresOptionsFromEnv() PostgresOptions {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	opts := PostgresOptions{
		URL:          dsn,
		RequireTLS:   requiresSecureTransport("DATABASE_REQUIRE_TLS"),
		AppName:      envOr("DB_APPLICATION_NAME", "qshield"),
		MaxConns:     10,
		ConnectTries: 30,
		PingTimeout:  2 * time.Second,
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("DB_MAX_CONNS"))); err == nil && v > 0 {
		opts.MaxConns = int32(v)
	}
	return opts
}

// NewPostgresPool opens a pool from the environment.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, PostgresOptionsFromEnv())
}

// OpenPostgres connects and pings, retrying at a fixed delay while the
// database comes up.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	if opts.RequireTLS {
		if err := validatePostgresTLS(opts.URL); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	connect := func() (*pgxpool.Pool, error) {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}
	pool, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(backoff.NewConstantBackOff(postgresRetryDelay)),
		backoff.WithMaxTries(max(opts.ConnectTries, 1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Msg("postgres_connect_retry")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("db ping retries exhausted: %w", err)
	}
	return pool, nil
}

func defaultPostgresURL() string {
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   envOr("DATABASE_HOST", "localhost") + ":" + port,
		Path:   "/" + envOr("DATABASE_NAME", "qshield"),
	}
	user := envOr("DATABASE_USER", "qshield")
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	uri.RawQuery = url.Values{"sslmode": {envOr("DATABASE_SSLMODE", "disable")}}.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); mode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", mode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func requiresSecureTransport(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
