// Package app wires configuration, logging, the match hub, and the HTTP
// surface into a runnable server process.
package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	game "github.com/Zakru/DigitalExtinction-Game"
	"github.com/Zakru/DigitalExtinction-Game/internal/journal"
	"github.com/Zakru/DigitalExtinction-Game/internal/net/ws"
	"github.com/Zakru/DigitalExtinction-Game/internal/telemetry"
	"github.com/Zakru/DigitalExtinction-Game/logging"
)

// Config collects the process-level settings.
type Config struct {
	Addr         string
	Participants []string
	TickRate     int
	Delay        uint64
	JournalPath  string
	LogFile      string
	Debug        bool
}

// ParseFlags reads the command line into a Config.
func ParseFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	cfg := Config{}
	var participants string
	fs.StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	fs.StringVar(&participants, "participants", "", "comma-separated participant names for a networked match")
	fs.IntVar(&cfg.TickRate, "tick-rate", 20, "simulation ticks per second")
	fs.Uint64Var(&cfg.Delay, "delay", 2, "lockstep schedule delay in ticks")
	fs.StringVar(&cfg.JournalPath, "journal", "", "path for the match replay journal")
	fs.StringVar(&cfg.LogFile, "log-file", "", "rotating log file path")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if participants != "" {
		for _, name := range strings.Split(participants, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				cfg.Participants = append(cfg.Participants, trimmed)
			}
		}
	}
	return cfg, nil
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config) error {
	logCfg := logging.DefaultConfig()
	logCfg.FilePath = cfg.LogFile
	logCfg.Debug = cfg.Debug
	zlog, flush := logging.New(logCfg)
	defer flush()
	logger := telemetry.WrapZap(zlog)
	counters := telemetry.NewCounters()

	hubCfg := game.DefaultHubConfig()
	hubCfg.Participants = cfg.Participants
	hubCfg.Loop.TickRate = cfg.TickRate
	hubCfg.Delay = cfg.Delay
	hubCfg.Logger = logger
	hubCfg.Metrics = counters

	if cfg.JournalPath != "" {
		file, err := os.Create(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("app: create journal: %w", err)
		}
		defer file.Close()
		writer, err := journal.NewWriter(file, journal.Header{
			CreatedAt:    time.Now(),
			TickRate:     cfg.TickRate,
			Participants: cfg.Participants,
			World:        hubCfg.World,
		})
		if err != nil {
			return err
		}
		hubCfg.Journal = writer
	}

	hub, err := game.NewHub(hubCfg)
	if err != nil {
		return err
	}
	defer hub.Shutdown()
	if len(cfg.Participants) == 0 {
		// Local match: no peers to wait for, start ticking immediately.
		if err := hub.Start(); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/ws", ws.NewHandler(hub, logger, counters))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, hub.DiagnosticsSnapshot())
	})
	router.Get("/metricsz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, counters.Snapshot())
	})
	router.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Pause(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	router.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Resume(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[app] listening on %s participants=%v", cfg.Addr, cfg.Participants)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: server failed: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
