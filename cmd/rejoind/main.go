// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/absmach/rejoin/config"
	"github.com/absmach/rejoin/internal/wiring"
	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/progress"
	"github.com/absmach/rejoin/rejoin"
	"github.com/absmach/rejoin/server/health"
	"github.com/absmach/rejoin/site"
	"github.com/absmach/rejoin/snapshot"
	"github.com/absmach/rejoin/streamsnap"
	"github.com/absmach/rejoin/tasklog"
	"github.com/absmach/rejoin/telemetry"
)

const (
	coordinatorSite = 1
	streamSiteBase  = 1000
	workloadPeriod  = 2 * time.Millisecond
)

// countingApplier tallies the snapshot it receives.
type countingApplier struct {
	schemas    atomic.Int64
	chunks     atomic.Int64
	hashinator atomic.Bool
}

func (a *countingApplier) ApplySchema(uint32, []byte) error {
	a.schemas.Add(1)
	return nil
}

func (a *countingApplier) ApplyData(uint32, []byte) error {
	a.chunks.Add(1)
	return nil
}

func (a *countingApplier) ApplyHashinator([]byte) error {
	a.hashinator.Store(true)
	return nil
}

// countingExecutor stands in for the execution engine of a joining site.
type countingExecutor struct {
	executed atomic.Int64
	last     atomic.Int64
}

func (e *countingExecutor) Execute(_ context.Context, t tasklog.Task) error {
	e.executed.Add(1)
	e.last.Store(t.Ordinal)
	return nil
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting rejoin daemon", "version", cfg.Telemetry.ServiceVersion)
	slog.Info("Configuration loaded",
		"host_id", cfg.Node.HostID,
		"join_host_id", cfg.Node.JoinHostID,
		"join_sites", cfg.Node.JoinSites,
		"strategy", cfg.Rejoin.Strategy,
		"compression", cfg.Stream.Compression)

	if err := run(cfg, logger); err != nil {
		slog.Error("Rejoin failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Rejoin daemon stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	var otelShutdown telemetry.ShutdownFunc
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitProvider(cfg.Telemetry, strconv.FormatUint(uint64(cfg.Node.HostID), 10))
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.OTLPEndpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := telemetry.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			metrics = m
		}
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	var store progress.Store
	switch cfg.Progress.Type {
	case "badger":
		s, err := progress.NewBadgerStore(progress.BadgerConfig{Dir: cfg.Progress.BadgerDir, SyncWrites: cfg.Progress.SyncWrites})
		if err != nil {
			return err
		}
		store = s
		slog.Info("Using BadgerDB progress store", "dir", cfg.Progress.BadgerDir)
	default:
		store = progress.NewMemoryStore()
		slog.Info("Using in-memory progress store")
	}
	defer store.Close()

	strategy, err := rejoin.ParseStrategy(cfg.Rejoin.Strategy)
	if err != nil {
		return err
	}
	compression, err := streamsnap.ParseCompression(cfg.Stream.Compression)
	if err != nil {
		return err
	}

	fabric := mailbox.NewLocal(cfg.Stream.QueueSize, logger)
	defer fabric.Close()

	engine := snapshot.NewMemoryEngine(demoTables(), logger)
	defer engine.Wait()

	var clock atomic.Int64
	coordID := mailbox.NewHSId(cfg.Node.HostID, coordinatorSite)

	var partitions *int
	if cfg.Rejoin.NewPartitionCount > 0 {
		n := cfg.Rejoin.NewPartitionCount
		partitions = &n
	}

	coord, err := rejoin.New(rejoin.Config{
		ID:                coordID,
		Fabric:            fabric,
		Engine:            engine,
		Clock:             rejoin.ClockFunc(clock.Load),
		ShouldTruncate:    cfg.Rejoin.ShouldTruncate,
		NewPartitionCount: partitions,
		Hashinator:        []byte("hashinator:" + strconv.Itoa(cfg.Node.JoinSites)),
		LowestSite:        cfg.Node.LowestSite,
		Compression:       compression,
		Sender: streamsnap.SenderConfig{
			QueueSize:        cfg.Stream.QueueSize,
			SendTimeout:      cfg.Stream.SendTimeout,
			RateBytes:        cfg.Stream.SendRateBytes,
			BurstBytes:       cfg.Stream.SendBurstBytes,
			FailureThreshold: uint32(cfg.Stream.Breaker.FailureThreshold),
			ResetTimeout:     cfg.Stream.Breaker.ResetTimeout,
		},
		Window:             cfg.Stream.Window,
		AckTimeout:         cfg.Stream.AckTimeout,
		SiteTimeout:        cfg.Rejoin.SiteTimeout,
		SendTimeout:        cfg.Rejoin.SendTimeout,
		ReplayPollInterval: cfg.Rejoin.ReplayPollInterval,
		TaskLog: []tasklog.Option{
			tasklog.WithBufferSize(cfg.TaskLog.BufferSize),
			tasklog.WithMaxInMemoryBuffers(cfg.TaskLog.MaxInMemoryBuffers),
		},
		Progress: store,
		Metrics:  metrics,
		OnSiteRejoinComplete: func(id mailbox.HSId) {
			slog.Info("Site rejoined", "site", id.String())
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dispatcher := wiring.NewMessageDispatcher(coord, logger)
	var serving sync.WaitGroup
	defer func() {
		cancel()
		serving.Wait()
	}()
	serve := func(id mailbox.HSId) error {
		inbox, err := fabric.CreateMailbox(id)
		if err != nil {
			return err
		}
		serving.Add(1)
		go func() {
			defer serving.Done()
			if err := dispatcher.Serve(ctx, inbox); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Mailbox dispatcher stopped", "mailbox", id.String(), "error", err)
			}
		}()
		return nil
	}
	if err := serve(coordID); err != nil {
		return err
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, coord, logger.With("component", "health"))
		serving.Add(1)
		go func() {
			defer serving.Done()
			if err := hs.Listen(ctx); err != nil {
				slog.Error("Health check server error", "error", err)
			}
		}()
	}

	siteIDs := make([]mailbox.HSId, 0, cfg.Node.JoinSites)
	executors := make(map[mailbox.HSId]*countingExecutor, cfg.Node.JoinSites)
	for i := 1; i <= cfg.Node.JoinSites; i++ {
		id := mailbox.NewHSId(cfg.Node.JoinHostID, uint32(i))
		exec := &countingExecutor{}
		agent, err := site.New(site.Config{
			ID:       id,
			StreamID: mailbox.NewHSId(cfg.Node.JoinHostID, streamSiteBase+uint32(i)),
			Fabric:   fabric,
			Applier:  &countingApplier{},
			Executor: exec,
			TxnID:    clock.Load,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer agent.Close()
		dispatcher.AddSite(id, agent)
		if err := serve(id); err != nil {
			return err
		}
		siteIDs = append(siteIDs, id)
		executors[id] = exec
	}

	workCtx, stopWork := context.WithCancel(ctx)
	var working sync.WaitGroup
	working.Add(1)
	go func() {
		defer working.Done()
		runWorkload(workCtx, coord, &clock, executors)
	}()
	defer func() {
		stopWork()
		working.Wait()
	}()

	if err := coord.StartJoin(ctx, siteIDs, strategy, cfg.Rejoin.OverflowDir); err != nil {
		return err
	}

	res, err := coord.Wait(ctx)
	for _, id := range res.Completed {
		exec := executors[id]
		slog.Info("Site caught up",
			"site", id.String(),
			"replayed_and_live", exec.executed.Load(),
			"last_ordinal", exec.last.Load())
	}
	for id, cause := range res.Aborted {
		slog.Warn("Site aborted", "site", id.String(), "error", cause)
	}
	if err != nil {
		return err
	}

	cps, err := store.Load(res.RejoinID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		slog.Info("Rejoin checkpoint",
			"site", cp.SiteID.String(),
			"phase", cp.Phase,
			"cutoff", cp.Cutoff,
			"replayed", cp.Replayed)
	}
	return nil
}

// runWorkload keeps transactions flowing while sites join. A site that is
// already live executes its tasks directly.
func runWorkload(ctx context.Context, coord *rejoin.Coordinator, clock *atomic.Int64, executors map[mailbox.HSId]*countingExecutor) {
	ticker := time.NewTicker(workloadPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ord := clock.Add(1)
		for id, exec := range executors {
			t := tasklog.Task{PartitionID: int32(ord % 8), Ordinal: ord, Payload: []byte(fmt.Sprintf("txn-%d", ord))}
			err := coord.LogTask(id, t)
			switch {
			case err == nil:
			case errors.Is(err, rejoin.ErrSiteLive):
				exec.Execute(ctx, t)
			default:
				slog.Warn("Failed to log task", "site", id.String(), "error", err)
			}
		}
	}
}

func demoTables() []snapshot.MemTable {
	tables := []snapshot.MemTable{
		{Table: snapshot.Table{ID: 1, Name: "accounts"}, Schema: []byte("id BIGINT, balance BIGINT")},
		{Table: snapshot.Table{ID: 2, Name: "orders"}, Schema: []byte("id BIGINT, account BIGINT, total BIGINT")},
	}
	for i := range tables {
		for c := 0; c < 16; c++ {
			chunk := make([]byte, 0, 4096)
			for r := 0; r < 128; r++ {
				chunk = fmt.Appendf(chunk, "%d,%d,%d\n", c*128+r, r%17, r*31)
			}
			tables[i].Chunks = append(tables[i].Chunks, chunk)
		}
	}
	return tables
}
