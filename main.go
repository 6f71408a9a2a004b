// Command dronemesh runs the fleet coordination daemon: drone
// registry, task store, and assignment engine over a SQLite-backed
// data gateway, plus the background sweeps that keep assignments
// honest.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dronemesh/pkg/cache"
	"dronemesh/pkg/config"
	"dronemesh/pkg/engine"
	"dronemesh/pkg/gateway"
	"dronemesh/pkg/nodectl"
	"dronemesh/pkg/notify"
	"dronemesh/pkg/registry"
	"dronemesh/pkg/store"
	"dronemesh/pkg/tasks"
	"dronemesh/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("DRONEMESH_CONFIG"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(store.SQLiteConfig{
		Path:     cfg.StorePath,
		PoolSize: cfg.StorePoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	metrics := gateway.NewMetrics(prometheus.DefaultRegisterer)
	gw := gateway.New(cache.NewMemory(nil), gateway.Config{
		MaxAttempts:   cfg.Gateway.MaxAttempts,
		MaxConcurrent: cfg.Gateway.MaxConcurrent,
		BaseBackoff:   cfg.Gateway.BaseBackoff.Std(),
	}, logger, gateway.WithMetrics(metrics))

	events := notify.NewBroadcaster(logger)
	drones := registry.New(st, gw, logger,
		registry.WithTTL(cfg.Registry.CacheTTL.Std()),
		registry.WithNotifier(events))
	taskSvc := tasks.New(st, gw, logger,
		tasks.WithTTL(cfg.Tasks.CacheTTL.Std()),
		tasks.WithExpiry(cfg.Tasks.Expiry.Std()),
		tasks.WithNotifier(events))
	nodes := nodectl.New(nodectl.Config{
		Addr:    cfg.Node.Addr,
		Timeout: cfg.Node.Timeout.Std(),
	}, logger)
	eng := engine.New(drones, taskSvc, engine.Config{
		ReassignCeiling: cfg.Engine.ReassignCeiling,
	}, logger, engine.WithNotifier(events), engine.WithNodeClient(nodes))

	go logEvents(ctx, events, logger)
	go sweepLoop(ctx, eng, cfg.Engine, logger)
	go snapshotLoop(ctx, drones, cfg.Registry.StatusInterval.Std(), logger)
	if cfg.DroneName != "" {
		go heartbeatLoop(ctx, drones, cfg.DroneName, cfg.HeartbeatInterval.Std(), logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy := drones.IsHealthy(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"healthy": healthy,
			"gateway": gw.Stats(),
		})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("dronemesh daemon up", "listen", cfg.ListenAddr, "store", cfg.StorePath)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("dronemesh daemon stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// sweepLoop reclaims assignments from dead or stuck drones and prunes
// old completed tasks.
func sweepLoop(ctx context.Context, eng *engine.Engine, cfg config.EngineConfig, logger *slog.Logger) {
	sweep := time.NewTicker(cfg.SweepInterval.Std())
	cleanup := time.NewTicker(cfg.CleanupInterval.Std())
	defer sweep.Stop()
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if _, err := eng.ReassignFailedSubTasks(ctx); err != nil {
				logger.Error("reassignment sweep failed", "error", err)
			}
		case <-cleanup.C:
			if _, err := eng.CleanupOldCompletedTasks(ctx, cfg.CleanupMaxAge.Std()); err != nil {
				logger.Error("task cleanup failed", "error", err)
			}
		}
	}
}

// snapshotLoop records a fleet-wide status history entry at a fixed
// cadence.
func snapshotLoop(ctx context.Context, drones *registry.Registry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := drones.BulkRecordStatus(ctx); err != nil {
				logger.Error("status snapshot failed", "error", err)
			}
		}
	}
}

// heartbeatLoop reports this host into the registry as a drone,
// carrying sampled CPU, memory, and bandwidth figures.
func heartbeatLoop(ctx context.Context, drones *registry.Registry, name string, interval time.Duration, logger *slog.Logger) {
	sampler := telemetry.NewSampler(logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := sampler.Sample(ctx)
			_, err := drones.Heartbeat(ctx, registry.Heartbeat{
				Name:          name,
				CPUPercent:    s.CPUPercent,
				MemoryPercent: s.MemoryPercent,
				BandwidthKbps: s.BandwidthKbps,
			})
			if err != nil {
				logger.Error("heartbeat failed", "drone", name, "error", err)
			}
		}
	}
}

func logEvents(ctx context.Context, b *notify.Broadcaster, logger *slog.Logger) {
	events, cancel := b.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Debug("change event", "entity", ev.Entity, "action", ev.Action, "id", ev.ID)
		}
	}
}
