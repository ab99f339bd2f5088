package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/nlquery"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml or json)")
	envFile := flag.String("env", "", "Path to .env file")
	addr := flag.String("addr", ":8080", "Listen address")
	watch := flag.Bool("watch-catalog", false, "Reload the catalog file when it changes")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Error("loading env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}

	cfg, err := nlquery.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	apiKey := os.Getenv("NLQ_API_KEY")
	var corsOrigins []string
	if v := os.Getenv("NLQ_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	engine, err := nlquery.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch {
		if cfg.CatalogPath == "" {
			slog.Warn("-watch-catalog ignored: no catalog_path configured")
		} else {
			w := &catalogWatcher{engine: engine, path: cfg.CatalogPath, debounce: 500 * time.Millisecond}
			if err := w.Start(ctx); err != nil {
				slog.Error("watching catalog", "path", cfg.CatalogPath, "error", err)
				os.Exit(1)
			}
			defer w.Close()
		}
	}

	e := newServer(newHandler(engine, cfg.CatalogPath), apiKey, corsOrigins)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      e,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // indexing requests can run for minutes
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", *addr, "catalog", engine.Catalog().Name(), "auth", apiKey != "")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
			engine.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}

	slog.Info("server stopped")
}
