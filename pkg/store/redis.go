package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisPingTimeout = 2 * time.Second

// NewRedis connects using REDIS_URL when set, otherwise REDIS_ADDR,
// REDIS_PASSWORD and REDIS_DB. TLS settings apply to both forms.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redisOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func redisOptionsFromEnv() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if db, err := strconv.Atoi(envOr("REDIS_DB", "0")); err == nil {
		opts.DB = db
	}
	if raw := envOr("REDIS_URL", ""); raw != "" {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		opts = parsed
	}
	tlsConfig, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
	}
	if requiresSecureTransport("REDIS_REQUIRE_TLS") && opts.TLSConfig == nil {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	return opts, nil
}

// redisTLS mirrors the REDIS_TLS_* variables.
type redisTLS struct {
	enabled       bool
	insecure      bool
	allowInsecure bool
	serverName    string
	caFile        string
	certFile      string
	keyFile       string
}

func redisTLSFromEnv() redisTLS {
	return redisTLS{
		enabled:       requiresSecureTransport("REDIS_TLS"),
		insecure:      requiresSecureTransport("REDIS_TLS_INSECURE"),
		allowInsecure: requiresSecureTransport("REDIS_ALLOW_INSECURE_TLS"),
		serverName:    envOr("REDIS_TLS_SERVER_NAME", ""),
		caFile:        envOr("REDIS_TLS_CA_CERT_FILE", ""),
		certFile:      envOr("REDIS_TLS_CERT_FILE", ""),
		keyFile:       envOr("REDIS_TLS_KEY_FILE", ""),
	}
}

// loadRedisTLSConfigFromEnv returns nil when REDIS_TLS is off.
func loadRedisTLSConfigFromEnv() (*tls.Config, error) {
	s := redisTLSFromEnv()
	if !s.enabled {
		return nil, nil
	}
	return s.config()
}

func (s redisTLS) config() (*tls.Config, error) {
	if s.insecure && !s.allowInsecure {
		return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
	}
	if (s.certFile == "") != (s.keyFile == "") {
		return nil, errors.New("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         s.serverName,
		InsecureSkipVerify: s.insecure,
	}
	if s.caFile != "" {
		pem, err := os.ReadFile(filepath.Clean(s.caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
	}
	if s.certFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(s.certFile), filepath.Clean(s.keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
