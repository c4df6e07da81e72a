package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"callsy/internal/admission"
	"callsy/internal/auth"
	"callsy/internal/config"
	"callsy/internal/directory"
	"callsy/internal/httpapi"
	"callsy/internal/presence"
	"callsy/internal/signaling"
	"callsy/pkg/logger"
	"callsy/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file loaded before config")
	seedFile := flag.String("seed", "", "JSON businesses for DIRECTORY_BACKEND=memory")
	streamLimit := flag.Int("stream-limit", 8, "max concurrent signaling streams per business")
	flag.Parse()

	// A missing env file is fine; the environment may already be set.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("env file load failed", "file", *envFile, "err", err)
		os.Exit(1)
	}

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	dir, db, err := openDirectory(rootCtx, cfg, *seedFile)
	if err != nil {
		log.Error("directory init failed", "backend", cfg.Directory.Backend, "err", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	pres := presence.NewRedisStore(rdb, 0)
	h := httpapi.Handlers{
		Auth:      authManager,
		Directory: dir,
		Presence:  pres,
		Gate:      admission.NewGate(dir, pres, cfg.Presence.HeartbeatTimeout),
		Signaling: signaling.NewRedisStore(rdb, cfg.Signaling.OfferTTL, log),
		Streams:   httpapi.NewRedisStreamLimiter(rdb, *streamLimit, time.Hour),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, h, auth.RequireAccessToken(authManager), health{db: db, rdb: rdb})

	// No WriteTimeout: signaling streams are long-lived WebSockets with their own deadlines.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "directory", cfg.Directory.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// openDirectory returns the configured repository. db is nil for the memory backend.
func openDirectory(ctx context.Context, cfg config.Config, seedFile string) (directory.Repository, *sql.DB, error) {
	if cfg.Directory.Backend == "memory" {
		repo := directory.NewMemoryRepo()
		if seedFile == "" {
			return repo, nil, nil
		}
		f, err := os.Open(seedFile)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		seed, err := directory.DecodeSeed(f)
		if err != nil {
			return nil, nil, err
		}
		return directory.NewMemoryRepo(seed...), nil, nil
	}

	db, err := utils.OpenPostgres(ctx, utils.DefaultPostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	return directory.NewPostgresRepo(db), db, nil
}
