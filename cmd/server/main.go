package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cadrechat "github.com/MegaGrindStone/cadre-chat"
	"github.com/MegaGrindStone/cadre-chat/internal/backend"
	"github.com/MegaGrindStone/cadre-chat/internal/chat"
	"github.com/MegaGrindStone/cadre-chat/internal/handlers"
	"github.com/MegaGrindStone/cadre-chat/internal/logging"
	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const errLoggerKey = "err"

func main() {
	// A missing .env file is fine; the environment may be set by other means.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}

	cfg, err := loadConfig(configPath(cfgDir))
	if err != nil {
		log.Fatal(err)
	}
	cfg, err = cfg.withDefaults(cfgDir)
	if err != nil {
		log.Fatal(fmt.Errorf("invalid config: %w", err))
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogJSON)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.String(errLoggerKey, err.Error()))
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	boltDB, err := services.NewBoltDB(filepath.Join(cfg.DataDir, "store.db"))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	// A token from the environment seeds the store so the first request is already authorized.
	if token := os.Getenv("CADRECHAT_TOKEN"); token != "" {
		if err := boltDB.SetToken(context.Background(), "default", token); err != nil {
			return fmt.Errorf("error storing token: %w", err)
		}
	}

	transport := services.NewWeeklyReport(cfg.Chat.Endpoint, &http.Client{}, logger)

	m, err := handlers.NewMain(transport, boltDB, chat.Config{
		ChunkSize:   cfg.Chat.ChunkSize,
		ReadTimeout: cfg.Chat.ReadTimeout,
		Logger:      logger,
	}, logger)
	if err != nil {
		return err
	}

	var backendHandler http.Handler
	if cfg.Backend.Enabled {
		llm, err := cfg.Backend.LLM.llm(cfg.Backend.SystemPrompt, logger)
		if err != nil {
			return fmt.Errorf("error creating backend llm: %w", err)
		}
		backendHandler = backend.NewHandler(llm, cfg.Backend.Token, logger)
		logger.Info("Development backend enabled", slog.String("path", backend.Path))
	}

	r, err := newRouter(m, backendHandler, logger)
	if err != nil {
		return err
	}

	// No write timeout: event streams stay open for as long as the browser listens.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("chatEndpoint", transport.Endpoint()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("error forcing server close: %w", err)
			}
		}
	}

	logger.Info("Server stopped")
	return nil
}

// newRouter wires the chat panel routes. backendHandler, when not nil, serves the development chat
// endpoint on the same server.
func newRouter(m handlers.Main, backendHandler http.Handler, logger *slog.Logger) (http.Handler, error) {
	staticFS, err := fs.Sub(cadrechat.StaticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("error opening static files: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, logging.AccessLog(logger), logging.Recoverer(logger))

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	r.Get("/", m.HandleHome)
	r.Get("/healthz", m.HandleHealth)
	r.Get("/sse", m.HandleSSE)
	r.Post("/chats", m.HandleChats)
	r.Get("/chats/{id}", m.HandleChat)
	r.Delete("/chats/{id}", m.HandleCloseChat)
	r.Post("/token", m.HandleToken)

	if backendHandler != nil {
		r.Handle(backend.Path, backendHandler)
	}

	return r, nil
}
