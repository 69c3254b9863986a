package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"worksheetgen"
)

// Server serves the worksheet API
type Server struct {
	cfg       *worksheetgen.Config
	generator *worksheetgen.WorksheetGenerator
	db        *worksheetgen.WorksheetDB
	store     *sessions.CookieStore
	limiter   *rate.Limiter
}

func main() {
	configDir := flag.String("config", ".", "Directory containing config.yaml")
	flag.Parse()

	cfg, err := worksheetgen.LoadConfig(*configDir)
	if err != nil {
		// logger is not up yet
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	worksheetgen.InitLogger(cfg.Logging)
	logger := worksheetgen.Log()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := worksheetgen.NewBackend(ctx, cfg.LLM)
	if err != nil {
		logger.Fatal("Failed to create backend", zap.Error(err))
	}

	db, err := worksheetgen.OpenWorksheetDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	generator, err := worksheetgen.NewWorksheetGenerator(*cfg, worksheetgen.Dependencies{
		Backend:  backend,
		Compiler: worksheetgen.NewLatexCompiler(cfg.Render.Engine, cfg.Timeouts.Compile),
		Renderer: worksheetgen.NewLatexRenderer(cfg.Render.Engine, cfg.Timeouts.Render),
		Usage:    db,
		Archive:  db,
	})
	if err != nil {
		logger.Fatal("Failed to create generator", zap.Error(err))
	}

	secret := cfg.Server.SessionSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET is not set; sessions will not survive a restart")
		secret = randomSecret()
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 365,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	worksheetgen.RegisterMetrics(registry)

	server := &Server{
		cfg:       cfg,
		generator: generator,
		db:        db,
		store:     store,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Server.StartsPerSecond), cfg.Server.StartBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/worksheets", server.handleGenerate)
	mux.HandleFunc("GET /api/worksheets", server.handleList)
	mux.HandleFunc("GET /api/worksheets/{id}", server.handleGet)
	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Timeouts.Request + 15*time.Second,
	}

	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		worksheetgen.Log().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
