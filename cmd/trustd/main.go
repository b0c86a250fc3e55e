package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"qshield/pkg/agent"
	"qshield/pkg/audit"
	"qshield/pkg/certificate"
	"qshield/pkg/config"
	"qshield/pkg/evidence"
	"qshield/pkg/gateway"
	"qshield/pkg/hardening"
	"qshield/pkg/httpx"
	"qshield/pkg/metrics"
	"qshield/pkg/models"
	"qshield/pkg/procscan"
	"qshield/pkg/ratelimit"
	"qshield/pkg/statebus"
	"qshield/pkg/store"
	"qshield/pkg/stream"
	"qshield/pkg/telemetry"
	"qshield/pkg/zone"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

type Server struct {
	Cfg      config.Config
	Evidence evidence.Store
	// Chain is nil unless EVIDENCE_CLIENT_KEY is set; without it trustd only
	// accepts records hashed by the adapter.
	Chain    *evidence.Chain
	Verifier *evidence.Verifier
	Certs    *certificate.Issuer
	Zones    *zone.Guard
	Registry *agent.Registry
	Audit    *audit.Writer
	Cache    store.Cache
	Events   *stream.Hub
	Metrics  *metrics.Registry
	Limiter  ratelimit.Limiter
}

type trustdDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type trustdDBCloser interface {
	trustdDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (trustdDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server, bg *background)

// Testable variables for main()
var (
	logFatalf        = log.Fatalf
	initTelemetryFn  = telemetry.Init
	openDBFn         = func(ctx context.Context) (trustdDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn      = store.NewRedis
	listenFn         = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn     = startBackground
	scannerFactoryFn = func() agent.Scanner { return &procscan.Scanner{} }
)

func main() {
	if err := runTrustd(config.Load(), initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("trustd: %v", err)
	}
}

func runTrustd(
	cfg config.Config,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "trustd",
		Environment:           cfg.Environment,
		StrictProdSecurity:    config.Env("STRICT_PROD_SECURITY", "true"),
		EvidenceStore:         cfg.EvidenceStore,
		DatabaseRequireTLS:    config.Env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             config.Env("REDIS_ADDR", config.Env("REDIS_URL", "")),
		RedisRequireTLS:       config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      config.Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: config.Env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		WSAllowedOrigins:      cfg.WSAllowedOrigins,
		AuditRedact:           config.Env("AUDIT_REDACT", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "EVIDENCE_SERVER_KEY", Value: cfg.EvidenceServerKey, MinLen: 32},
			{Name: "SERVICE_AUTH_TOKEN", Value: cfg.ServiceAuthToken},
		},
		DistinctSecrets: []hardening.EnvRequirement{
			{Name: "EVIDENCE_SERVER_KEY", Value: cfg.EvidenceServerKey},
			{Name: "EVIDENCE_CLIENT_KEY", Value: cfg.EvidenceClientKey},
		},
	}); err != nil {
		return err
	}
	if cfg.EvidenceServerKey == "" {
		return errors.New("EVIDENCE_SERVER_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown, err := initTelemetry(ctx, "trustd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db trustdDB
	if cfg.EvidenceStore == "postgres" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		db = pool
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("redis_unavailable_using_memory")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s, closeStore, err := buildServer(ctx, cfg, db, redisClient, scannerFactoryFn())
	if err != nil {
		return err
	}
	defer closeStore()

	bg := &background{}
	if startLoops != nil {
		startLoops(ctx, s, bg)
	}
	defer bg.stop()

	zlog.Info().Str("addr", cfg.Addr).Str("evidence_store", cfg.EvidenceStore).Msg("trustd_listening")
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildServer wires stores for the configured backend. Postgres-backed zones,
// certificates and audit need db; otherwise they live in memory.
func buildServer(ctx context.Context, cfg config.Config, db trustdDB, redisClient *redis.Client, scanner agent.Scanner) (*Server, func(), error) {
	closeStore := func() {}
	s := &Server{
		Cfg:      cfg,
		Verifier: evidence.NewVerifier(cfg.EvidenceServerKey),
		Cache:    store.NewCache(ctx, redisClient),
		Events:   stream.NewHub(),
		Metrics:  metrics.NewRegistry(),
	}

	var certStore certificate.Store = certificate.NewMemoryStore()
	var zoneStore zone.Store = zone.NewMemoryStore()
	switch cfg.EvidenceStore {
	case "postgres":
		if db == nil {
			return nil, closeStore, errors.New("postgres evidence store requires a database")
		}
		s.Evidence = &evidence.PostgresStore{DB: db}
		certStore = &certificate.PostgresStore{DB: db}
		zoneStore = &zone.PostgresStore{DB: db}
		s.Audit = &audit.Writer{DB: db, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
	case "sqlite":
		lite, err := evidence.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, closeStore, err
		}
		closeStore = func() { _ = lite.Close() }
		s.Evidence = lite
	case "memory":
		s.Evidence = evidence.NewMemoryStore()
	default:
		return nil, closeStore, fmt.Errorf("unknown EVIDENCE_STORE %q", cfg.EvidenceStore)
	}
	if cfg.EvidenceClientKey != "" {
		s.Chain = evidence.NewChain(s.Evidence, cfg.EvidenceClientKey)
	}
	s.Certs = certificate.NewIssuer(cfg.EvidenceServerKey, s.Evidence, certStore)

	s.Zones = zone.NewGuard(zoneStore)
	s.Zones.SetHome(cfg.HomeDir)
	if err := s.Zones.Load(ctx); err != nil {
		closeStore()
		return nil, func() {}, err
	}
	if cfg.ZonesFile != "" {
		seed, err := zone.LoadSeed(cfg.ZonesFile)
		if err != nil {
			closeStore()
			return nil, func() {}, err
		}
		if err := zone.Seed(ctx, s.Zones, seed); err != nil {
			closeStore()
			return nil, func() {}, err
		}
	}

	sigs, err := agent.LoadSignatures(cfg.AgentSignaturesFile)
	if err != nil {
		closeStore()
		return nil, func() {}, err
	}
	classifier, err := agent.NewClassifier(sigs.Signatures, sigs.Self, int32(os.Getpid()))
	if err != nil {
		closeStore()
		return nil, func() {}, err
	}
	s.Registry = agent.NewRegistry(classifier, scanner, s.Zones, s.Events)

	if cfg.RateLimitEnabled {
		if redisClient != nil {
			s.Limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
		} else {
			s.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
		}
	}
	return s, closeStore, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.ObserveMiddleware(s.Metrics.Observe))
	r.Use(telemetry.HTTPMiddleware("trustd"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trustd"})
	})

	// Verification is open to third parties but rate limited per client.
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.Limiter, "verify", s.Cfg.RateLimitPerMinute, s.Cfg.TrustProxy))
		r.Post("/v1/evidence/verify", s.verifyChain)
		r.Post("/v1/certificates/verify", s.verifyCertificate)
	})

	r.Group(func(r chi.Router) {
		r.Use(httpx.ServiceTokenMiddleware(s.Cfg.ServiceAuthHeader, s.Cfg.ServiceAuthToken))
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		r.Post("/v1/evidence", s.appendEvidence)
		r.Get("/v1/evidence/{sessionId}", s.listEvidence)
		r.Post("/v1/certificates", s.issueCertificate)
		r.Get("/v1/certificates/{id}", s.getCertificate)
		r.Get("/v1/agents/sessions", s.listSessions)
		r.Get("/v1/agents/sessions/{id}", s.getSession)
		r.Get("/v1/agents/sessions/{id}/envelopes", s.listEnvelopes)
		r.Get("/v1/agents/sessions/{id}/audit", s.listAudit)
		r.Post("/v1/agents/sessions/{id}/freeze", s.freezeSession)
		r.Post("/v1/agents/sessions/{id}/unfreeze", s.unfreezeSession)
		r.Post("/v1/agents/sessions/{id}/allow", s.allowSession)
		r.Get("/v1/zones", s.listZones)
		r.Post("/v1/zones", s.addZone)
		r.Delete("/v1/zones/{id}", s.removeZone)
		r.Get("/v1/events/ws", s.streamEvents)
	})
	return r
}

// background owns the goroutines started next to the HTTP server.
type background struct {
	monitor *agent.Monitor
	cancel  context.CancelFunc
	closers []func() error
}

func (b *background) stop() {
	if b.monitor != nil {
		b.monitor.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	for _, c := range b.closers {
		_ = c()
	}
}

func startBackground(ctx context.Context, s *Server, bg *background) {
	ctx, bg.cancel = context.WithCancel(ctx)
	cfg := s.Cfg

	frozen := &agent.FrozenJournal{Cache: s.Cache, Registry: s.Registry}
	if sessions, err := frozen.Load(ctx); err != nil {
		zlog.Warn().Err(err).Msg("frozen_journal_load_failed")
	} else if n := s.Registry.Restore(sessions); n > 0 {
		zlog.Info().Int("sessions", n).Msg("frozen_sessions_restored")
	}
	go frozen.Run(ctx, s.Events.Subscribe(256))
	go s.Metrics.Consume(ctx, s.Events.Subscribe(256))
	if s.Audit != nil {
		j := &audit.Journal{Writer: s.Audit}
		go j.Run(ctx, s.Events.Subscribe(1024))
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.EventsTopic != "" {
		producer, err := statebus.NewKafkaProducer(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.EventsTopic})
		if err != nil {
			zlog.Warn().Err(err).Msg("event_bridge_disabled")
		} else {
			bg.closers = append(bg.closers, producer.Close)
			bridge := &statebus.Bridge{Producer: producer}
			go bridge.Run(ctx, s.Events.Subscribe(1024))
		}
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.EvidenceTopic != "" {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.EvidenceTopic, GroupID: cfg.KafkaGroupID})
		if err != nil {
			zlog.Warn().Err(err).Msg("evidence_ingest_disabled")
		} else {
			bg.closers = append(bg.closers, consumer.Close)
			in := &statebus.Ingestor{Bus: consumer, Store: s.Evidence, Cache: s.Cache}
			go in.Run(ctx)
		}
	}

	if cfg.GatewayURL != "" && cfg.EvidenceClientKey != "" {
		client := gateway.NewClient(cfg.GatewayURL, telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout}), cfg.GatewayRatePerSec)
		client.AuthHeader, client.AuthToken = cfg.ServiceAuthHeader, cfg.GatewayToken
		client.RetryPolicy = httpx.RetryPolicy{
			Retries:        cfg.UpstreamRetries,
			BaseDelay:      cfg.UpstreamRetryDelay,
			MaxDelay:       10 * cfg.UpstreamRetryDelay,
			AttemptTimeout: cfg.UpstreamTimeout,
		}
		syncer := &gateway.Syncer{
			Remote:    client,
			Store:     s.Evidence,
			ClientKey: cfg.EvidenceClientKey,
			Interval:  cfg.GatewaySyncInterval,
			OnResult: func(_ string, res evidence.Result) {
				if res.Valid {
					s.Metrics.IncEvent("gateway-chain-valid")
				} else {
					s.Metrics.IncEvent("gateway-chain-invalid")
				}
			},
		}
		go syncer.Run(ctx)
	}

	if cfg.MonitorAgents {
		bg.monitor = agent.NewMonitor(s.Registry, cfg.PollInterval)
		bg.monitor.OnCycle = func(d time.Duration, err error) {
			s.Metrics.ObserveLatency("poll_cycle", d)
			if err != nil {
				s.Metrics.IncEvent("poll-failed")
			}
		}
		go bg.monitor.Run(ctx)
	}
	go s.metricsLoop(ctx, 15*time.Second)
}

func (s *Server) metricsLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	counts := map[models.TrustState]int{}
	sessions := s.Registry.Sessions()
	for _, sess := range sessions {
		counts[sess.AITrustState]++
	}
	s.Metrics.SetGauge("agent_sessions", float64(len(sessions)))
	for _, st := range []models.TrustState{models.StateValid, models.StateDegraded, models.StateInvalid, models.StateFrozen} {
		s.Metrics.SetGauge("agent_sessions_"+string(st), float64(counts[st]))
	}
	s.Metrics.SetGauge("protected_zones", float64(len(s.Zones.Zones())))
	s.Metrics.SetGauge("event_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetDroppedEvents(int64(s.Events.Dropped()))
}
