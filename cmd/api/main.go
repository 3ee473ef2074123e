package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cowrite/api/internal/app"
	"cowrite/api/internal/archive"
	"cowrite/api/internal/auth"
	"cowrite/api/internal/config"
	"cowrite/api/internal/docsync"
	"cowrite/api/internal/documents"
	"cowrite/api/internal/events"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/logger"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/search"
	"cowrite/api/internal/store"
)

type dataStore interface {
	documents.Store
	docsync.Store
	Ping(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	defer logger.Sync()
	ctx := context.Background()

	var (
		data     dataStore
		fallback search.Searcher
	)
	switch cfg.Store {
	case config.StoreMemory:
		logger.Sugar.Infow("using in-memory store; documents are lost on restart")
		data = store.NewMemoryStore()
		fallback = search.NewMemoryIndex()
	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Sugar.Fatalw("database connection failed", "error", err)
		}
		defer db.Close()
		if _, err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
			logger.Sugar.Fatalw("migrations failed", "error", err)
		}
		data = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	default:
		logger.Sugar.Fatalw("unknown store", "store", cfg.Store)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback)

	var tracker presence.Tracker = presence.NewMemory(cfg.PresenceTTL)
	var redisPresence *presence.Redis
	if strings.TrimSpace(cfg.RedisURL) != "" {
		var err error
		redisPresence, err = presence.NewRedis(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			logger.Sugar.Fatalw("redis connection failed", "error", err)
		}
		defer redisPresence.Close()
		tracker = redisPresence
		logger.Sugar.Infow("presence stored in redis")
	}

	history, err := openHistory(ctx, cfg)
	if err != nil {
		logger.Sugar.Fatalw("checkpoint history unavailable", "error", err)
	}

	hub := events.NewHub()
	docs := documents.NewService(data, searchService, hub)
	engine := docsync.NewEngine(data, hub).WithHistory(history)
	service := app.New(docs, engine, tracker, hub).WithCheck("database", data.Ping)
	if redisPresence != nil {
		service.WithCheck("presence", redisPresence.Ping)
	}

	if meiliClient != nil {
		go func() {
			reindexCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := docs.Reindex(reindexCtx); err != nil {
				logger.Sugar.Warnw("search reindex failed", "error", err)
			}
		}()
	}

	httpServer := app.NewHTTPServer(service, auth.NewVerifier([]byte(cfg.JWTSecret)), cfg.CORSOrigin).
		WithRateLimit(cfg.MutationRate, cfg.MutationBurst)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Sugar.Infow("cowrite API listening", "addr", cfg.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalw("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Warnw("shutdown error", "error", err)
	}
}

// openHistory prefers the MinIO archive and falls back to git repositories on disk.
func openHistory(ctx context.Context, cfg config.Config) (docsync.History, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		logger.Sugar.Infow("checkpoints archived in object storage", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		objects, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		return objects, nil
	}
	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return nil, err
	}
	return gitrepo.New(cfg.HistoryDir), nil
}
