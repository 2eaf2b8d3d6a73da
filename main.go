// Command aegis runs the reputation client daemon: it keeps a persistent
// channel to the backend, serves the local control surface, watches
// connectivity, and replays deferred checks after an outage.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Rneeshka/Aegis/internal/analyzer"
	"github.com/Rneeshka/Aegis/internal/cache"
	"github.com/Rneeshka/Aegis/internal/channel"
	"github.com/Rneeshka/Aegis/internal/cli"
	"github.com/Rneeshka/Aegis/internal/connstate"
	"github.com/Rneeshka/Aegis/internal/diag"
	"github.com/Rneeshka/Aegis/internal/filescan"
	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/probe"
	"github.com/Rneeshka/Aegis/internal/queue"
	"github.com/Rneeshka/Aegis/internal/settings"
	"github.com/Rneeshka/Aegis/internal/transport"
)

// snapshotFreshness bounds how old a persisted connection snapshot may be
// before the daemon distrusts it and forces an immediate probe.
const snapshotFreshness = 5 * time.Minute

func main() {
	args, err := cli.ParseArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("argument error: %v", err)
	}
	if err := run(args); err != nil {
		log.Fatalf("aegis: %v", err)
	}
}

func run(args *cli.CLIArgs) error {
	logger := logging.NewStdoutLogger("Aegis")

	db, err := sql.Open("sqlite", args.DBPath)
	if err != nil {
		return fmt.Errorf("opening settings database: %w", err)
	}
	defer db.Close()

	store, err := settings.NewStore(db, logger.With(logging.Field{Key: "component", Value: "settings"}))
	if err != nil {
		return fmt.Errorf("creating settings store: %w", err)
	}

	// Command-line overrides are persisted so the channel and transport
	// pick them up through the store.
	overrides := map[string]string{}
	if args.APIBase != "" {
		overrides[settings.KeyAPIBase] = args.APIBase
	}
	if args.APIKey != "" {
		overrides[settings.KeyAPIKey] = args.APIKey
	}
	if len(overrides) > 0 {
		if err := store.Set(context.Background(), overrides); err != nil {
			return fmt.Errorf("applying setting overrides: %w", err)
		}
	}

	state := connstate.New(store.SaveConnectionState)
	if snap, ok := store.LoadConnectionState(context.Background()); ok {
		state.Restore(snap, snapshotFreshness)
	}

	resultCache := cache.NewResultCache(cache.DefaultConfig(), logger)
	replayQueue := queue.New(queue.DefaultCapacity, logger)

	broadcast := func(event string, payload map[string]any) {
		logger.Info("channel broadcast",
			logging.Field{Key: "event", Value: event},
			logging.Field{Key: "payload", Value: payload})
	}

	ch := channel.NewClient(channel.Config{}, store, state, logger, nil, broadcast)
	tr := transport.NewClient(transport.DefaultConfig(), store, logger, nil)

	orch := analyzer.New(analyzer.Config{}, ch, tr, resultCache, replayQueue, state, logger)
	ch.SetOnOnline(orch.ReplayQueued)

	scanner := filescan.NewScanner(filescan.DefaultConfig(), orch, logger)
	scanner.Broadcast = func(subjectURL string, report filescan.Report) {
		if !store.FeatureEnabled(context.Background(), settings.KeyNotify) {
			return
		}
		broadcast("file_analysis_update", map[string]any{
			"url":     subjectURL,
			"status":  report.Status,
			"verdict": report.Verdict,
			"level":   report.NotificationLevel(),
		})
	}
	orch.AttachFileScanner(scanner)

	if args.CheckURL != "" {
		return runSingleCheck(orch, args.CheckURL)
	}

	monitor := probe.NewMonitor(probe.DefaultConfig(), store, state, logger)
	monitor.OnRecover = orch.ReplayQueued
	monitor.OnStatusChange = func(online bool) {
		broadcast("connection_status", map[string]any{"is_online": online})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go monitor.Run(ctx)

	srv := diag.NewServer(diag.Config{ListenAddr: args.ListenAddr},
		orch, ch, store, state, scanner, resultCache, replayQueue, logger)
	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control surface listening",
			logging.Field{Key: "addr", Value: args.ListenAddr})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("control surface: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	ch.Close(1000, "daemon shutdown")
	return nil
}

// runSingleCheck resolves one verdict and prints it as JSON.
func runSingleCheck(orch *analyzer.Analyzer, rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := orch.Analyze(ctx, rawURL, analyzer.Options{Context: "popup"})
	encoded, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
