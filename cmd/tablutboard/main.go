package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/auth"
	appcfg "github.com/park285/tablutboard/internal/config"
	"github.com/park285/tablutboard/internal/httpapi"
	"github.com/park285/tablutboard/internal/msgcat"
	"github.com/park285/tablutboard/internal/obslog"
	"github.com/park285/tablutboard/internal/push"
	"github.com/park285/tablutboard/internal/ruleset"
	"github.com/park285/tablutboard/internal/session"
	"github.com/park285/tablutboard/internal/storage"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := session.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis_init_error", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	// Without DATABASE_URL everything except live games stays in memory.
	var (
		rules   ruleset.Repository
		users   auth.UserRepository
		results httpapi.ResultLister
		archive *session.Repository
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db_init_error", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("db_migrate_error", zap.Error(err))
		}
		rules = ruleset.NewRepository(db)
		users = auth.NewUserRepository(db)
		archive = session.NewRepository(db)
		results = archive
	} else {
		logger.Warn("db_disabled", zap.String("reason", "DATABASE_URL not set; users and rulesets are kept in memory"))
		rules = ruleset.NewMemoryRepository()
		users = auth.NewMemoryUserRepository()
	}

	defaults, err := ruleset.Defaults()
	if err != nil {
		logger.Fatal("ruleset_catalog_error", zap.Error(err))
	}
	added, err := rules.EnsureDefaults(ctx, defaults)
	if err != nil {
		logger.Fatal("ruleset_seed_error", zap.Error(err))
	}
	logger.Info("ruleset_seed", zap.Int("added", added))

	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("messages_init_error", zap.Error(err))
	}

	broker, err := push.NewBroker(cfg.PushBroker, rdb, cfg.AMQPURL)
	if err != nil {
		logger.Fatal("push_broker_error", zap.String("kind", cfg.PushBroker), zap.Error(err))
	}
	tokens := push.NewTokens(cfg.ChannelSecret, cfg.ChannelTokenTTL)
	hub := push.NewHub(tokens, broker, push.WithOriginPatterns(originHosts(cfg.CORSOrigins)...))
	if err := hub.Start(ctx); err != nil {
		logger.Fatal("push_hub_start_error", zap.Error(err))
	}

	sessions := session.NewManager(rdb, rules, cfg.GameTTL)
	if archive != nil {
		sessions.AttachArchive(archive)
	}

	api, err := httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		Rulesets:      rules,
		Results:       results,
		Auth:          auth.NewService(users, cfg.SessionSecret, cfg.SessionTTL),
		Hub:           hub,
		Tokens:        tokens,
		Messages:      msgs,
		PublicBaseURL: cfg.PublicBaseURL,
		CORSOrigins:   cfg.CORSOrigins,
		SecureCookies: isHTTPS(cfg.PublicBaseURL),
	})
	if err != nil {
		logger.Fatal("http_init_error", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr), zap.String("push_broker", cfg.PushBroker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_serve_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown_begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_error", zap.Error(err))
	}
	_ = hub.Close()
	logger.Info("shutdown_done")
}

// originHosts turns CORS origins into the host patterns websocket.Accept checks.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

func isHTTPS(base string) bool {
	u, err := url.Parse(base)
	return err == nil && u.Scheme == "https"
}
