// Command providers runs a lightweight HTTP mock that simulates an
// OpenAI-compatible back-end. Point any provider's BASE_URL at it to run
// the router end to end without real credentials.
//
// Listens on :19001 by default (PORT env overrides).
//
// Behaviour is scripted per model name so routing scenarios can be forced
// deterministically:
//
//	*-rate-limited  — always 429 with a Retry-After header
//	*-flaky         — ~50% of requests return HTTP 500
//	*-refuser       — answers with a refusal phrase (fails heuristics)
//	*-terse         — answers with a very short text (low score)
//	*-slow          — adds MOCK_SLOW_MS latency (default 5000)
//	anything else   — a healthy multi-sentence answer
//
// Global flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_SLOW_MS      — latency for *-slow models (default 5000)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS int
	ErrorRate float64
	SlowMS    int
}

func loadConfig() Config {
	c := Config{SlowMS: 5000}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_SLOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SlowMS = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}
	addr := ":" + port

	log.Info("starting mock provider",
		slog.String("addr", addr),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	srv := &http.Server{
		Addr:         addr,
		Handler:      newOpenAIHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock provider")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
