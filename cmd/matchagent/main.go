package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/agent"
	"github.com/example/matchclient/internal/auth"
	"github.com/example/matchclient/internal/config"
	"github.com/example/matchclient/internal/search/api"
	"github.com/example/matchclient/internal/search/bus"
	"github.com/example/matchclient/internal/search/cache"
	"github.com/example/matchclient/internal/search/natsfwd"
	"github.com/example/matchclient/internal/search/orchestrator"
	"github.com/example/matchclient/internal/search/push"
	"github.com/example/matchclient/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgentConfig()

	logger := observability.SetupLogger("match-agent", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	shutdown, err := observability.SetupTracer(ctx, "match-agent")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	token, err := auth.NewToken(cfg.AuthToken)
	if err != nil {
		logger.Fatal("auth token", zap.Error(err))
	}
	userID := cfg.UserID
	if userID == "" {
		userID = token.Subject()
	}
	if token.ExpiringWithin(time.Hour) {
		logger.Warn("auth token expires soon", zap.Time("expires_at", token.ExpiresAt()))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	store, runCache := buildStore(redisClient, cfg, logger)

	b := bus.New(0, logger.Named("bus"))

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("matchagent")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}
	if natsConn != nil {
		fwd := natsfwd.New(natsConn, cfg.NATSSubject, logger.Named("natsfwd"))
		if err := fwd.Attach(b); err != nil {
			logger.Warn("terminal event forwarding disabled", zap.Error(err))
		}
	}

	client := api.NewClient(api.Config{
		BaseURL: cfg.BackendURL,
		Token:   token.Raw(),
		Client:  &http.Client{Timeout: cfg.RequestTimeout},
		Logger:  logger.Named("api"),
	})

	channel := push.NewManager(push.Config{
		URL:               cfg.PushURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.ReconnectBackoffBase,
		BackoffMax:        cfg.ReconnectBackoffMax,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
	}, b, logger.Named("push"))

	orch := orchestrator.New(client, store, channel, b, nil, logger.Named("orchestrator"), orchestrator.Config{
		UserID:       userID,
		SearchWindow: cfg.SearchWindow,
	})
	defer orch.Close()

	if runCache != nil {
		go runCache(ctx)
	}

	var throttle *agent.Throttle
	if redisClient != nil {
		throttle = agent.NewThrottle(redisClient,
			agent.ThrottleConfig{Rate: cfg.ThrottleReadRate, Burst: cfg.ThrottleReadBurst},
			agent.ThrottleConfig{Rate: cfg.ThrottleWriteRate, Burst: cfg.ThrottleWriteBurst})
	}

	readiness := &observability.Readiness{}
	r := chi.NewRouter()
	r.Mount("/", throttle.Middleware(agent.NewHTTP(orch).Router()))
	r.Mount("/observability", observability.MetricsRouter(readiness))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("match agent listening", zap.String("addr", srv.Addr))
		readiness.MarkReady()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildStore picks the Redis-backed shared cache when Redis is reachable, so
// multiple agent instances for the same account dedup against each other.
func buildStore(redisClient *redis.Client, cfg config.AgentConfig, logger *zap.Logger) (cache.Store, func(context.Context)) {
	if redisClient != nil {
		return cache.NewSharedCache(redisClient, "", cfg.CacheTTL, logger.Named("cache")), nil
	}
	memCache := cache.New(cache.Config{Capacity: cfg.CacheCapacity, TTL: cfg.CacheTTL}, nil, logger.Named("cache"))
	return memCache, memCache.Run
}
