package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portcullis/pkg/admission"
	"portcullis/pkg/audit"
	"portcullis/pkg/auth"
	"portcullis/pkg/certtrust"
	"portcullis/pkg/gqlguard"
	"portcullis/pkg/httpx"
	"portcullis/pkg/metrics"
	"portcullis/pkg/ratelimit"
	"portcullis/pkg/routes"
	"portcullis/pkg/store"
	"portcullis/pkg/stream"
	"portcullis/pkg/telemetry"
	"portcullis/pkg/tenant"
)

// Server aggregates the four admission gates and their supporting stores.
type Server struct {
	Logger   zerolog.Logger
	Engine   *admission.Engine
	CertGate *certtrust.Gate
	GQLGate  *gqlguard.Gate
	Routes   *routes.Table
	Proxies  map[string]http.Handler
	Audit    *audit.Writer
	Events   *stream.Hub
	Metrics  *metrics.Registry
}

type (
	initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
	openRedisFunc     func(ctx context.Context) (*redis.Client, error)
	openDBFunc        func(ctx context.Context) (*pgxpool.Pool, error)
	listenFunc        func(srv *http.Server) error
	startLoopsFunc    func(ctx context.Context, s *Server, resolver *tenant.Resolver, logger zerolog.Logger)
)

func main() {
	logger := newLogger()
	if err := runGateway(logger, telemetry.Init, store.NewRedis, openDB, defaultListen, startInvalidator); err != nil {
		logger.Fatal().Err(err).Msg("gateway failed")
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(env("LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "gateway").Logger()
}

func openDB(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(env("DATABASE_URL", ""))
	if dsn == "" {
		return nil, nil
	}
	return pgxpool.New(ctx, dsn)
}

func defaultListen(srv *http.Server) error {
	return srv.ListenAndServe()
}

func startInvalidator(ctx context.Context, s *Server, resolver *tenant.Resolver, logger zerolog.Logger) {
	brokers := splitList(env("KAFKA_BROKERS", ""))
	if len(brokers) == 0 {
		return
	}
	inv, err := tenant.NewInvalidator(tenant.KafkaConfig{
		Brokers: brokers,
		Topic:   env("KAFKA_TENANT_TOPIC", "tenant-changes"),
		GroupID: env("KAFKA_GROUP_ID", "gateway-admission"),
	}, resolver, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("tenant change feed disabled")
		return
	}
	go func() {
		defer inv.Close()
		inv.Run(ctx)
	}()
}

func runGateway(
	logger zerolog.Logger,
	initTelemetry initTelemetryFunc,
	openRedis openRedisFunc,
	openDatabase openDBFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("AUTH_HS256_SECRET", "")
	if err := validateConfig(authMode, authSecret); err != nil {
		return err
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache/limits")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var pool *pgxpool.Pool
	if openDatabase != nil {
		pool, err = openDatabase(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		if pool != nil {
			defer pool.Close()
		}
	}

	httpClient := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000)),
	})

	resolver := &tenant.Resolver{
		Cache: cache,
		Directory: &tenant.HTTPDirectory{
			Client:     httpClient,
			BaseURL:    strings.TrimRight(env("TENANT_DIRECTORY_URL", "http://localhost:8091"), "/"),
			AuthHeader: env("TENANT_DIRECTORY_AUTH_HEADER", ""),
			AuthToken:  env("TENANT_DIRECTORY_AUTH_TOKEN", ""),
			Retries:    envInt("UPSTREAM_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		},
		TTL:     envDurationSec("TENANT_ACCESS_TTL_SEC", 300),
		Timeout: envDurationSec("DIRECTORY_TIMEOUT_SEC", 5),
		Logger:  logger,
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		limiter = ratelimit.NewInMemory()
	}
	tiers, err := parseTierRules(env("RATE_LIMIT_TIERS", "free=60:60,gold=100:60"))
	if err != nil {
		return err
	}
	controller := &ratelimit.Controller{
		Limiter: limiter,
		Tiers:   tiers,
		Logger:  logger,
	}
	if envInt("GLOBAL_RATE_LIMIT_CAPACITY", 0) > 0 {
		controller.Global = &ratelimit.GlobalRule{
			Strategy:        env("GLOBAL_RATE_LIMIT_STRATEGY", "tenant"),
			Capacity:        envInt("GLOBAL_RATE_LIMIT_CAPACITY", 0),
			RefillPerMinute: envInt("GLOBAL_RATE_LIMIT_REFILL_PER_MINUTE", 0),
		}
	}

	engine := &admission.Engine{
		Config: admission.Config{
			BypassPatterns:        splitList(env("BYPASS_PATTERNS", "/healthz,/metrics,/api/auth/**,/admin/login")),
			TenantHeader:          env("TENANT_HEADER", "X-Tenant-ID"),
			ClaimNames:            splitList(env("TENANT_CLAIM_NAMES", "tenant_id,tenant")),
			SuperAdminAuthorities: splitList(env("SUPER_ADMIN_AUTHORITIES", "ROLE_SUPER_ADMIN,SUPER_ADMIN")),
		},
		Access: resolver,
		Rates:  controller,
		Logger: logger,
	}

	registry, err := buildRegistry(env("CERT_REGISTRY_BACKEND", "http"), httpClient, pool)
	if err != nil {
		return err
	}
	m := metrics.New()
	certGate := &certtrust.Gate{
		Evaluator: &certtrust.Evaluator{
			Registry:  registry,
			TTL:       envDurationSec("CERT_CACHE_TTL_SEC", 300),
			ClockSkew: envDurationSec("CERT_CLOCK_SKEW_SEC", 30),
			Timeout:   envDurationSec("CERT_REGISTRY_TIMEOUT_SEC", 5),
			Logger:    logger,
		},
		Patterns: splitList(env("PARTNER_ROUTE_PATTERNS", "")),
		Enabled:  env("MTLS_ENABLED", "true") == "true",
		Logger:   logger,
		OnReject: func(code string) { m.CertRejected.WithLabelValues(code).Inc() },
	}
	gqlGate := &gqlguard.Gate{
		Limits: gqlguard.Limits{
			MaxDepth:      envInt("GRAPHQL_MAX_DEPTH", 10),
			MaxBreadth:    envInt("GRAPHQL_MAX_BREADTH", 50),
			MaxComplexity: envInt("GRAPHQL_MAX_COMPLEXITY", 200),
		},
		Patterns: splitList(env("GRAPHQL_PATH_PATTERNS", "/graphql,/api/graphql")),
		OnReject: func(metric string) { m.QueryRejected.WithLabelValues(metric).Inc() },
	}

	s := &Server{
		Logger:   logger,
		Engine:   engine,
		CertGate: certGate,
		GQLGate:  gqlGate,
		Events:   stream.NewHub(),
		Metrics:  m,
	}
	if pool != nil {
		s.Audit = &audit.Writer{DB: pool}
	}
	if err := s.loadRoutes(env("ROUTE_TABLE_FILE", "")); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(m.Middleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(limitRequestBody(int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))))
	r.Use(auth.Middleware(authMode, authSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "")),
		auth.WithAudience(env("AUTH_AUDIENCE", "")),
	))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	operatorAuthorities := splitList(env("OPERATOR_AUTHORITIES", "operator,platformengineer,securityadmin"))
	r.Get("/v1/stream", s.withAuthorities(s.streamEvents, operatorAuthorities...))
	r.Get("/v1/decisions", s.withAuthorities(s.listDecisions, operatorAuthorities...))

	gated := engine.Middleware(s.observeDecision)(
		certGate.Middleware(
			gqlGate.Middleware(
				http.HandlerFunc(s.proxy))))
	r.Handle("/*", gated)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if startLoops != nil {
		startLoops(loopCtx, s, resolver, logger)
	}

	addr := env("ADDR", ":8080")
	logger.Info().Str("addr", addr).Msg("gateway listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func validateConfig(authMode, authSecret string) error {
	runtimeEnv := strings.ToLower(env("ENVIRONMENT", env("APP_ENV", "")))
	production := runtimeEnv == "production" || runtimeEnv == "prod" || runtimeEnv == "staging"
	if strings.EqualFold(authMode, "off") {
		if production {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		return nil
	}
	if authSecret == "" {
		return errors.New("AUTH_HS256_SECRET is required when AUTH_MODE is not off")
	}
	if production && env("REDIS_ADDR", "") != "" && !strings.EqualFold(env("REDIS_TLS", ""), "true") {
		return errors.New("production-like environments require REDIS_TLS=true")
	}
	return nil
}

func buildRegistry(backend string, client *http.Client, pool *pgxpool.Pool) (certtrust.Registry, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "postgres":
		if pool == nil {
			return nil, errors.New("CERT_REGISTRY_BACKEND=postgres requires DATABASE_URL")
		}
		return &certtrust.PostgresRegistry{DB: pool}, nil
	default:
		return &certtrust.HTTPRegistry{
			Client:     client,
			BaseURL:    strings.TrimRight(env("CERT_REGISTRY_URL", "http://localhost:8092"), "/"),
			AuthHeader: env("CERT_REGISTRY_AUTH_HEADER", ""),
			AuthToken:  env("CERT_REGISTRY_AUTH_TOKEN", ""),
			Retries:    envInt("UPSTREAM_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		}, nil
	}
}

func (s *Server) loadRoutes(file string) error {
	raw := []byte(env("ROUTE_TABLE_JSON", "[]"))
	if file != "" {
		var err error
		raw, err = os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("route table: %w", err)
		}
	}
	table, err := routes.LoadTable(raw)
	if err != nil {
		return err
	}
	s.Routes = table
	return nil
}

// proxy forwards an admitted request to the matched route's resolved
// upstream. The gateway never performs weighted variant selection; a
// blue/green split resolves to its active slot.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	route, ok := s.Routes.Lookup(r.URL.Path)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "ERR_NO_ROUTE", "no upstream route for path")
		return
	}
	handler, err := s.proxyFor(route)
	if err != nil {
		s.Logger.Error().Err(err).Str("prefix", route.Prefix).Msg("bad upstream uri")
		httpx.Error(w, http.StatusBadGateway, "ERR_UPSTREAM", "upstream unavailable")
		return
	}
	handler.ServeHTTP(w, r)
}

func (s *Server) proxyFor(route routes.Route) (http.Handler, error) {
	uri := route.UpstreamURI()
	if s.Proxies == nil {
		s.Proxies = map[string]http.Handler{}
	}
	if h, ok := s.Proxies[uri]; ok {
		return h, nil
	}
	target, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.Logger.Warn().Err(err).Str("upstream", uri).Msg("upstream request failed")
		httpx.Error(w, http.StatusBadGateway, "ERR_UPSTREAM", "upstream unavailable")
	}
	s.Proxies[uri] = proxy
	return proxy, nil
}

// observeDecision feeds metrics, the event stream and the audit trail.
// Only denials and rate rejections are persisted.
func (s *Server) observeDecision(r *http.Request, d admission.Decision) {
	outcome := "allow"
	if !d.Allowed {
		outcome = "deny"
	}
	s.Metrics.Decisions.WithLabelValues(outcome, d.Reason).Inc()
	if !d.Allowed && d.Reason == admission.ReasonRateLimited {
		s.Metrics.RateLimited.WithLabelValues("tier").Inc()
	}

	rec := audit.Record{
		DecisionID: uuid.NewString(),
		Tenant:     tenant.NormalizeID(d.Tenant),
		Outcome:    strings.ToUpper(outcome),
		ReasonCode: d.Reason,
		Method:     r.Method,
		Path:       r.URL.Path,
		CreatedAt:  time.Now().UTC(),
	}
	s.Events.Publish(stream.NewEvent("admission.decision", rec))
	if s.Audit != nil && !d.Allowed {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := s.Audit.Append(ctx, rec); err != nil {
			s.Logger.Warn().Err(err).Msg("audit append failed")
		}
	}
}

func (s *Server) withAuthorities(h http.HandlerFunc, authorities ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "ERR_UNAUTHENTICATED", "authentication required")
			return
		}
		if !auth.HasAnyAuthority(principal, authorities...) {
			httpx.Error(w, http.StatusForbidden, "ERR_FORBIDDEN", "insufficient authority")
			return
		}
		h(w, r)
	}
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "ERR_AUDIT_DISABLED", "audit store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenantID != "" {
		tenantID = tenant.NormalizeID(tenantID)
	}
	records, err := s.Audit.Recent(r.Context(), tenantID, limit)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("audit list failed")
		httpx.Error(w, http.StatusInternalServerError, "ERR_AUDIT", "audit store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"decisions": records})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "ERR_STREAM", "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func limitRequestBody(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseTierRules parses "tier=capacity:windowSeconds" pairs.
func parseTierRules(raw string) (map[string]ratelimit.TierRule, error) {
	rules := map[string]ratelimit.TierRule{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, budget, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("RATE_LIMIT_TIERS: malformed entry %q", part)
		}
		capStr, winStr, ok := strings.Cut(budget, ":")
		if !ok {
			return nil, fmt.Errorf("RATE_LIMIT_TIERS: malformed entry %q", part)
		}
		capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
		if err != nil || capacity < 1 {
			return nil, fmt.Errorf("RATE_LIMIT_TIERS: bad capacity in %q", part)
		}
		windowSec, err := strconv.Atoi(strings.TrimSpace(winStr))
		if err != nil || windowSec < 1 {
			return nil, fmt.Errorf("RATE_LIMIT_TIERS: bad window in %q", part)
		}
		rules[strings.ToLower(strings.TrimSpace(name))] = ratelimit.TierRule{
			Capacity: capacity,
			Window:   time.Duration(windowSec) * time.Second,
		}
	}
	return rules, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
