package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/api/dms"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/config"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/logger"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/middleware"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/memory"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/storage/postgres"
	"github.com/7UpadhyayKrishna/challenge-sync-hub/internal/ws"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store dms.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.NewDMStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate postgres")
		}
		store = pg
		log.Info().Msg("using postgres store")
	} else {
		store = memory.NewDMStore()
		log.Info().Msg("using in-memory store")
	}

	hub := ws.NewHub(log)
	go hub.Run(ctx)

	r := mux.NewRouter()
	r.Use(middleware.Logging(log))
	dms.RegisterDMRoutes(r, &dms.DMHandler{Store: store, Hub: hub, Log: log}, middleware.Auth(cfg.JWTSecret))

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           middleware.CORS(cfg.AllowedOrigins)(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("server stopped")
}
