// Command vibes runs the single-user microblog server with its ACP
// agent engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vibesapp/vibes/acp"
	"github.com/vibesapp/vibes/bus"
	"github.com/vibesapp/vibes/cli"
	"github.com/vibesapp/vibes/config"
	"github.com/vibesapp/vibes/logger"
	"github.com/vibesapp/vibes/opengraph"
	"github.com/vibesapp/vibes/process"
	"github.com/vibesapp/vibes/store"
	"github.com/vibesapp/vibes/tasks"
	"github.com/vibesapp/vibes/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vibes: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	clearLogs := flag.Bool("clear-logs", false, "remove server and wire log files, then exit")
	flag.Parse()

	if *clearLogs {
		n, err := logger.ClearLogs()
		if err != nil {
			return fmt.Errorf("clear logs: %w", err)
		}
		fmt.Printf("removed %d log file(s)\n", n)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return fmt.Errorf("resolve log path: %w", err)
	}
	if err := logger.Init(logPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()
	logger.SetDebug(cfg.Debug)
	log := logger.WithComponent("main")

	prereqs := cli.DefaultPrerequisites(cfg.AgentCommand)
	if err := cli.ValidateRequired(prereqs); err != nil {
		fmt.Fprintln(os.Stderr, cli.FormatCheckResults(cli.CheckAll(prereqs)))
		return err
	}

	// Agents left behind by a crashed run would hold the database's
	// working directory and leak memory.
	if killed, err := process.CleanupStale(cfg.AgentCommand, nil); err != nil {
		log.Warn("stale agent cleanup failed", "error", err)
	} else if killed > 0 {
		log.Info("cleaned up stale agent processes", "count", killed)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New()

	session := acp.NewSession(acp.Options{
		AgentCommand:      cfg.AgentCommand,
		PermissionTimeout: cfg.PermissionTimeout,
		DisconnectGrace:   cfg.DisconnectGrace,
		WireLog:           cfg.AgentDebug,
		Sink:              bus.NewSink(b),
	})
	session.SetWhitelist(func(title string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ok, err := st.IsWhitelisted(ctx, title)
		if err != nil {
			log.Warn("whitelist lookup failed", "error", err)
			return false
		}
		return ok
	})
	defer session.Stop()

	queue := tasks.NewQueue(cfg.TaskWorkers)
	queue.Start()

	previews := opengraph.NewService(st, b, queue)
	server := web.NewServer(cfg, st, b, queue, previews, session)

	if actions, err := config.LoadActions(cfg.ActionsPath); err != nil {
		log.Warn("loading actions failed", "path", cfg.ActionsPath, "error", err)
	} else {
		server.SetActions(actions)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchActions(ctx, cfg.ActionsPath, server, log)

	if err := previews.Reconcile(ctx); err != nil {
		log.Warn("preview reconcile failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	log.Info("vibes started", "addr", cfg.Addr(), "db", cfg.DBPath, "agent", cfg.AgentCommand)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}

	// Stop order: engine before the queue so in-flight agent turns end,
	// queue before the store so draining jobs can still write.
	session.Stop()
	queue.Stop()
	log.Info("vibes stopped")
	return nil
}

// watchActions reloads the custom action set when the actions file
// changes on disk.
func watchActions(ctx context.Context, path string, server *web.Server, log *slog.Logger) {
	if path == "" {
		return
	}
	w := config.NewWatcher(path, logger.WithComponent("config"))
	if err := w.Start(ctx); err != nil {
		log.Warn("actions watcher unavailable", "path", path, "error", err)
		return
	}
	go func() {
		for range w.Events() {
			actions, err := config.LoadActions(path)
			if err != nil {
				log.Warn("reloading actions failed", "path", path, "error", err)
				continue
			}
			server.SetActions(actions)
		}
	}()
}
