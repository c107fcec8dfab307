// openloop serves an agentic tool-calling loop over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/openloop-ai/openloop/gateway"
	"github.com/openloop-ai/openloop/llm"
	"github.com/openloop-ai/openloop/loop"
	"github.com/openloop-ai/openloop/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, logger *slog.Logger) error {
	adapter, err := llm.NewGollmAdapter(cfg.Provider,
		llm.WithAPIKey(cfg.APIKey),
		llm.WithModel(cfg.Model),
	)
	if err != nil {
		return err
	}
	client := llm.NewClient(
		llm.WithAdapter(adapter),
		llm.WithMiddleware(llm.RetryMiddleware(llm.DefaultRetryPolicy())),
	)
	defer client.Close()

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Error("Failed to close store", "error", cerr)
		}
	}()
	if err := st.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	sweeper, err := store.NewSweeper(st, cfg.SweepCron, cfg.SessionTTL, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	registry := demoRegistry()
	loopCfg := loop.Config{
		MaxIterations:       cfg.MaxIterations,
		RequireConfirmation: cfg.RequireConfirmation,
		SystemPrompt:        cfg.SystemPrompt,
		Streaming:           cfg.Streaming,
		RepetitionWindow:    6,
		Provider:            cfg.Provider,
		Model:               cfg.Model,
	}
	newLoop := func(events loop.EventHandler) (*loop.Loop, error) {
		return loop.New(client, registry, loopCfg, loop.WithEvents(events))
	}

	h := gateway.New(st, newLoop, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "port", cfg.Port, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// demoRegistry holds a few built-in tools so a fresh deployment has
// something to call.
func demoRegistry() *loop.Registry {
	reg := loop.NewRegistry()
	reg.Register(loop.Tool{
		Name:        "current_time",
		Description: "Returns the current time, optionally in a named IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Oslo. Defaults to UTC.",
				},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Timezone string `json:"timezone"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", err
				}
			}
			loc := time.UTC
			if in.Timezone != "" {
				var err error
				if loc, err = time.LoadLocation(in.Timezone); err != nil {
					return "", err
				}
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		},
	})
	reg.Register(loop.Tool{
		Name:        "generate_uuid",
		Description: "Generates a random UUID.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return uuid.New().String(), nil
		},
	})
	return reg
}
