// ABOUTME: Entry point for the crewhub-connectd agent connection daemon
// ABOUTME: Supervises gateway and CLI-backed connections and relays session updates

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/broadcast"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/claudecode"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/codex"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/config"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/openclaw"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                             _             _
  ___  _ __   ___ __      __| |__   _   _ | |__
 / __|| '__| / _ \\ \ /\ / /| '_ \ | | | || '_ \
| (__ | |   |  __/ \ V  V / | | | || |_| || |_) |
 \___||_|    \___|  \_/\_/  |_| |_| \__,_||_.__/
`

// getConfigPath returns the path to the connectd config file.
// Priority: CREWHUB_CONFIG env var > XDG_CONFIG_HOME/crewhub/connectd.yaml > ~/.config/crewhub/connectd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CREWHUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "connectd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "crewhub", "connectd.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: crewhub-connectd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the connection daemon")
		fmt.Println("  check     Validate the configuration file")
		fmt.Println("  version   Print the daemon version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "check":
		err = runCheck()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Store:       %s\n", cfg.Store.Path)
	green.Print("    ▶ ")
	fmt.Printf("Connections: %d configured\n", len(cfg.Connections))
	fmt.Println()

	logger.Info("starting crewhub-connectd",
		"config", configPath,
		"store", cfg.Store.Path,
		"health_interval", cfg.Health.Interval,
	)

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	manager := connection.NewManager(logger)
	manager.UseStore(st)
	manager.RegisterBackend(connection.TypeOpenClaw, openclaw.NewWithStore(st))
	manager.RegisterBackend(connection.TypeClaudeCode, claudecode.New)
	manager.RegisterBackend(connection.TypeCodex, codex.New)

	// Merge config-declared connections into the store before loading, so
	// declarative entries and previously persisted ones go through the same
	// path.
	records, err := cfg.Records()
	if err != nil {
		return fmt.Errorf("reading connection entries: %w", err)
	}
	for _, rec := range records {
		if err := st.SaveConnection(ctx, rec); err != nil {
			return fmt.Errorf("seeding connection %s: %w", rec.ID, err)
		}
	}

	if err := manager.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("loading connections: %w", err)
	}

	broadcaster := broadcast.New(logger)
	defer broadcaster.Close()

	unsubSessions := manager.OnSessionUpdate(func(s connection.Session, eventType string) {
		broadcaster.Publish(broadcast.Update{
			ConnectionID: s.ConnectionID,
			Kind:         "session",
			Session:      s,
		})
	})
	defer unsubSessions()

	unsubStatus := manager.OnStatusChange(func(connID string, status connection.Status) {
		broadcaster.Publish(broadcast.Update{
			ConnectionID: connID,
			Kind:         "status",
			Status:       status,
		})
	})
	defer unsubStatus()

	results := manager.ConnectAll(ctx)
	for id, ok := range results {
		if !ok {
			logger.Warn("initial connect failed", "connection", id)
		}
	}

	manager.StartHealthLoop(cfg.Health.Interval)
	defer manager.StopHealthLoop()

	go sessionFeed(ctx, manager, broadcaster, cfg.Sessions.FeedInterval, logger)

	logger.Info("daemon ready", "connections", manager.Count())

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	manager.DisconnectAll(shutdownCtx)

	return nil
}

// sessionFeed periodically aggregates sessions across all connections and
// republishes them, so subscribers converge even when a file event was
// dropped.
func sessionFeed(ctx context.Context, manager *connection.Manager, broadcaster *broadcast.Broadcaster, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := manager.AllSessions(ctx)
			logger.Debug("session feed sweep", "sessions", len(sessions))
			for _, s := range sessions {
				broadcaster.Publish(broadcast.Update{
					ConnectionID: s.ConnectionID,
					Kind:         "session",
					Session:      s,
				})
			}
		}
	}
}

func runCheck() error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Printf("config ok: %d connection(s), store at %s\n", len(cfg.Connections), cfg.Store.Path)
	return nil
}
