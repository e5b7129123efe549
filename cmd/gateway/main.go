// Package main is the entry point for the stream gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stafflink-ai/employee-stream/internal/auth"
	"github.com/stafflink-ai/employee-stream/internal/broker"
	"github.com/stafflink-ai/employee-stream/internal/config"
	"github.com/stafflink-ai/employee-stream/internal/engine"
	"github.com/stafflink-ai/employee-stream/internal/handler"
	"github.com/stafflink-ai/employee-stream/internal/llm"
	"github.com/stafflink-ai/employee-stream/internal/middleware"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
	"github.com/stafflink-ai/employee-stream/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Infow("starting stream gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "employee-stream-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Pick the event broker: NATS fan-out when configured, in-process
	// otherwise.
	var eventBroker broker.Broker
	ready := func() bool { return true }
	if cfg.NATSURL != "" {
		natsBroker, err := broker.ConnectNATS(broker.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Errorw("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		eventBroker = natsBroker
		ready = natsBroker.IsConnected
	} else {
		eventBroker = broker.NewMemory(log)
	}
	defer eventBroker.Close()

	llmClient, err := llm.NewClient(pickProvider(cfg), pickAPIKey(cfg))
	if err != nil {
		log.Errorw("failed to create LLM client", "error", err)
		os.Exit(1)
	}
	log.Infow("LLM provider selected", "provider", llmClient.Name())

	runEngine := engine.New(llmClient, eventBroker, cfg.EmployeePersona, log)
	defer runEngine.Shutdown()

	authStore := auth.NewStore(cfg.JWTSecret, cfg.JWTExpiration)

	healthHandler := handler.NewHealthHandler(ready)
	authHandler := handler.NewAuthHandler(authStore, log)
	streamHandler := handler.NewStreamHandler(eventBroker, runEngine, log)
	runHandler := handler.NewRunHandler(runEngine, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
	})

	r.Route("/stream", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/employee/{employeeID}", func(r chi.Router) {
			r.Get("/", streamHandler.Stream)
			r.Post("/chat", runHandler.Chat)
			r.Post("/abort", runHandler.Abort)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infow("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Infow("server stopped")
}

// pickProvider resolves the LLM provider from config, preferring an explicit
// choice, then whichever API key is present, then the scripted fallback.
func pickProvider(cfg *config.Config) llm.Provider {
	if cfg.LLMProvider != "" {
		return llm.Provider(cfg.LLMProvider)
	}
	if cfg.AnthropicAPIKey != "" {
		return llm.ProviderAnthropic
	}
	if cfg.OpenAIAPIKey != "" {
		return llm.ProviderOpenAI
	}
	return llm.ProviderScripted
}

func pickAPIKey(cfg *config.Config) string {
	switch pickProvider(cfg) {
	case llm.ProviderAnthropic:
		return cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		return cfg.OpenAIAPIKey
	default:
		return ""
	}
}
