package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fabiobufalari/construction-hub-integrations/internal/broker"
	"github.com/fabiobufalari/construction-hub-integrations/internal/handlers"
	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
	"github.com/fabiobufalari/construction-hub-integrations/internal/relay"
	"github.com/fabiobufalari/construction-hub-integrations/libs/auth"
	"github.com/fabiobufalari/construction-hub-integrations/libs/config"
	"github.com/fabiobufalari/construction-hub-integrations/libs/db"
	"github.com/fabiobufalari/construction-hub-integrations/libs/httpx"
	otelx "github.com/fabiobufalari/construction-hub-integrations/libs/otel"
	"github.com/fabiobufalari/construction-hub-integrations/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "integration-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := outbox.NewPGStore(pool)

	routesRaw, err := config.RequiredString("RELAY_ROUTES")
	if err != nil {
		panic(err)
	}
	routes, err := broker.ParseRoutes(routesRaw)
	if err != nil {
		logger.Error("invalid RELAY_ROUTES", "err", err)
		panic(err)
	}

	adapters, err := buildAdapters(routes.Transports())
	if err != nil {
		logger.Error("broker adapter setup failed", "err", err)
		panic(err)
	}
	defer func() {
		for _, a := range adapters {
			_ = a.Close()
		}
	}()

	relayCfg, err := relayConfigFromEnv()
	if err != nil {
		panic(err)
	}

	dispatcher := relay.NewDispatcher(store, routes, adapters, logger, relayCfg)
	go dispatcher.Run(ctx)

	sweeper := relay.NewSweeper(store, 15*time.Second, 2*relayCfg.VisibilityTimeout, 500, logger)
	go sweeper.Run(ctx)

	retentionHours, err := config.Int("RELAY_ARCHIVE_RETENTION_HOURS", 168)
	if err != nil || retentionHours < 1 {
		retentionHours = 168
	}
	archiver := relay.NewArchiver(store, time.Hour, time.Duration(retentionHours)*time.Hour, 1000, logger)
	go archiver.Run(ctx)

	opsSecret := config.String("OPS_JWT_SECRET", "")
	if opsSecret == "" {
		logger.Warn("OPS_JWT_SECRET not set, relay API is unauthenticated")
	}
	protect := func(h http.Handler) http.Handler {
		return requireAuth(h, opsSecret)
	}

	h := handlers.New(store, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	for transport, adapter := range adapters {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: string(transport), Check: adapter.Ready})
	}
	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	mux.Handle("/api/v1/relay/status", protect(http.HandlerFunc(h.Status)))
	mux.Handle("/api/v1/relay/dead-letters", protect(http.HandlerFunc(h.DeadLetters)))
	mux.Handle("/api/v1/relay/dead-letters/requeue", protect(http.HandlerFunc(h.RequeueDeadLetter)))
	mux.Handle("/api/v1/relay/messages", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.GetMessage(w, r)
			return
		}
		if r.Method == http.MethodPost {
			h.Enqueue(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})))

	bodyLimit := int64(1 << 20) // 1MB
	if v, err := config.Int("REQUEST_BODY_LIMIT_BYTES", 1048576); err == nil && v > 0 {
		bodyLimit = int64(v)
	}
	requestTimeout := 10 * time.Second
	if v, err := config.Int("REQUEST_TIMEOUT_SECONDS", 10); err == nil && v > 0 {
		requestTimeout = time.Duration(v) * time.Second
	}
	limitPerMinute := 120
	if v, err := config.Int("RATE_LIMIT_PER_MINUTE", 120); err == nil && v > 0 {
		limitPerMinute = v
	}

	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id")),
			AllowCredentials: isTruthy(config.String("CORS_ALLOW_CREDENTIALS", "false")),
			MaxAge:           time.Duration(corsMaxAgeSeconds()) * time.Second,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(bodyLimit),
		httpx.WithTimeout(requestTimeout),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "integration")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// buildAdapters connects one adapter per transport the route table
// actually references, so a kafka-only deployment never dials AMQP.
func buildAdapters(transports []broker.Transport) (map[broker.Transport]broker.Adapter, error) {
	adapters := make(map[broker.Transport]broker.Adapter, len(transports))
	for _, transport := range transports {
		switch transport {
		case broker.TransportKafka:
			brokers, err := config.RequiredString("KAFKA_BROKERS")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewKafkaAdapter(brokers)
		case broker.TransportAMQP:
			url, err := config.RequiredString("AMQP_URL")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewAMQPAdapter(url)
		case broker.TransportSTOMP:
			addr, err := config.RequiredString("STOMP_ADDR")
			if err != nil {
				return nil, err
			}
			adapters[transport] = broker.NewSTOMPAdapter(addr,
				config.String("STOMP_LOGIN", ""),
				config.String("STOMP_PASSCODE", ""))
		}
	}
	return adapters, nil
}

func relayConfigFromEnv() (relay.Config, error) {
	var cfg relay.Config
	var err error
	if cfg.BatchSize, err = config.Int("RELAY_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = config.DurationMS("RELAY_POLL_INTERVAL_MS", 500*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("RELAY_MAX_ATTEMPTS", 8); err != nil {
		return cfg, err
	}
	if cfg.BackoffBase, err = config.DurationMS("RELAY_BACKOFF_BASE_MS", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.BackoffCap, err = config.DurationMS("RELAY_BACKOFF_CAP_MS", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.VisibilityTimeout, err = config.DurationMS("RELAY_VISIBILITY_TIMEOUT_MS", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ConcurrencyLimit, err = config.Int("RELAY_CONCURRENCY_LIMIT", 8); err != nil {
		return cfg, err
	}
	if cfg.PublishTimeout, err = config.DurationMS("RELAY_PUBLISH_TIMEOUT_MS", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func requireAuth(next http.Handler, jwtSecret string) http.Handler {
	if jwtSecret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") || len(strings.TrimSpace(authHeader)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		claims, err := auth.ParseAndVerifyHS256(token, jwtSecret)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		r.Header.Set("X-User-Id", claims.Sub)
		r.Header.Set("X-Role", claims.Role)
		next.ServeHTTP(w, r)
	})
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func corsMaxAgeSeconds() int {
	value := 600
	if v, err := config.Int("CORS_MAX_AGE_SECONDS", 600); err == nil && v > 0 {
		value = v
	}
	return value
}
