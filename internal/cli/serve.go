package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/api"
	"github.com/KafClaw/fleetgate/internal/bus"
	"github.com/KafClaw/fleetgate/internal/config"
	"github.com/KafClaw/fleetgate/internal/gateway"
	"github.com/KafClaw/fleetgate/internal/instance"
	"github.com/KafClaw/fleetgate/internal/scheduler"
	"github.com/KafClaw/fleetgate/internal/session"
	"github.com/KafClaw/fleetgate/internal/timeline"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			printHeader(cmd.OutOrStdout(), "🌐 fleetgate gateway")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := buildStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()
			if addr != "" {
				st.addr = addr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", st.addr)
			return st.run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides gateway.host/port)")
	return cmd
}

// stack is every long-lived component of a running gateway.
type stack struct {
	cfg    *config.Config
	addr   string
	store  *instance.SQLiteStore
	bus    *bus.EventBus
	reg    *gateway.Registry
	router *gateway.Router
	health *gateway.HealthMonitor
	audit  *timeline.TimelineService
	sched  *scheduler.Scheduler
	api    *api.Server
}

// buildStack opens the stores, seeds configured instances and wires the
// registry, router, health monitor, scheduler and HTTP API.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	st := &stack{cfg: cfg, addr: cfg.Addr()}

	store, err := instance.OpenSQLite(cfg.Store.Driver, cfg.StorePath())
	if err != nil {
		return nil, err
	}
	st.store = store
	if n, err := seedInstances(ctx, store, cfg); err != nil {
		st.close()
		return nil, err
	} else if n > 0 {
		slog.Info("Gateway: seeded instances", "count", n)
	}

	sessions, err := session.NewManager(cfg.SessionsDir())
	if err != nil {
		st.close()
		return nil, fmt.Errorf("session store: %w", err)
	}

	st.bus = bus.NewEventBus(256)
	if cfg.Audit.Enabled {
		st.audit, err = timeline.NewTimelineService(cfg.AuditDBPath())
		if err != nil {
			st.close()
			return nil, err
		}
		st.audit.Attach(st.bus)
	}

	table := adapter.DefaultTable(adapter.Options{
		HTTPTimeout:           cfg.Registry.HTTPTimeout,
		DialTimeout:           cfg.Registry.DialTimeout,
		GatewayID:             cfg.Gateway.ID,
		KafkaBrokers:          cfg.Kafka.Brokers,
		KafkaReplyTopicPrefix: cfg.Kafka.ReplyTopicPrefix,
	})
	st.reg = gateway.New(store, table, gateway.Options{
		InitTimeout: cfg.Registry.InitTimeout,
		DialTimeout: cfg.Registry.DialTimeout,
		Bus:         st.bus,
	})

	var auditor gateway.Auditor
	if st.audit != nil {
		auditor = st.audit
	}
	st.router = gateway.NewRouter(st.reg, sessions, auditor, gateway.Timeouts{
		Op:     cfg.Registry.OpTimeout,
		Stream: cfg.Registry.StreamTimeout,
	})
	st.health = gateway.NewHealthMonitor(st.reg, cfg.Health.Timeout, cfg.Health.MaxConcurrent)

	if err := st.buildScheduler(); err != nil {
		st.close()
		return nil, err
	}

	opts := api.Options{
		AuthToken: cfg.Gateway.AuthToken,
		Version:   version,
		Health:    st.health,
		Jobs:      st.sched,
	}
	if st.audit != nil {
		opts.Audit = st.audit
	}
	st.api = api.New(st.router, opts)
	return st, nil
}

func (st *stack) buildScheduler() error {
	var recorder scheduler.RunRecorder
	if st.audit != nil {
		recorder = st.audit
	}
	st.sched = scheduler.New(scheduler.Config{
		TickInterval:       st.cfg.Scheduler.TickInterval,
		MaxConcProbe:       st.cfg.Scheduler.MaxConcProbe,
		MaxConcMaintenance: st.cfg.Scheduler.MaxConcMaintenance,
		MaxConcDefault:     st.cfg.Scheduler.MaxConcDefault,
		LockPath:           st.cfg.LockPath(),
	}, recorder)

	if st.cfg.Health.Enabled {
		sch, err := scheduler.ParseSchedule(st.cfg.Health.Schedule)
		if err != nil {
			return fmt.Errorf("health schedule: %w", err)
		}
		if err := st.sched.Register(&scheduler.Job{
			Name:     "health-probe",
			Schedule: sch,
			Category: scheduler.CategoryProbe,
			Run:      st.health.Run,
		}); err != nil {
			return err
		}
	}

	if st.audit != nil {
		sch, err := scheduler.ParseSchedule(st.cfg.Audit.PruneSchedule)
		if err != nil {
			return fmt.Errorf("audit prune schedule: %w", err)
		}
		retention := time.Duration(st.cfg.Audit.RetentionDays) * 24 * time.Hour
		if err := st.sched.Register(&scheduler.Job{
			Name:      "audit-prune",
			Schedule:  sch,
			Category:  scheduler.CategoryMaintenance,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				n, err := st.audit.Prune(ctx, time.Now().Add(-retention))
				if err == nil && n > 0 {
					slog.Info("Audit: pruned old rows", "rows", n)
				}
				return err
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// run serves until ctx is cancelled, then shuts down in order: HTTP first so
// no new operations start, then background loops, then instance clients.
func (st *stack) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              st.addr,
		Handler:           st.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Warm the registry so a broken store shows up at startup.
	if err := st.reg.EnsureInitialized(ctx); err != nil {
		slog.Warn("Gateway: registry not initialized at startup", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(st.bus.Dispatch(gctx)) })
	g.Go(func() error { return ignoreCanceled(st.sched.Run(gctx)) })
	g.Go(func() error {
		slog.Info("Gateway: listening", "addr", st.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("Gateway: http shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	st.bus.Drain()
	slog.Info("Gateway: stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close releases everything buildStack opened. Safe on a partial stack.
func (st *stack) close() {
	if st.reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := st.reg.Shutdown(ctx); err != nil {
			slog.Warn("Gateway: registry shutdown", "error", err)
		}
		cancel()
	}
	if st.audit != nil {
		st.audit.Close()
	}
	if st.store != nil {
		st.store.Close()
	}
}

// seedInstances writes instances from the config file and manifests into the
// store. Seeded entries overwrite stored ones with the same id.
func seedInstances(ctx context.Context, store instance.Store, cfg *config.Config) (int, error) {
	var all []instance.Instance
	for i := range cfg.Instances {
		inst := cfg.Instances[i]
		if err := inst.Validate(); err != nil {
			return 0, fmt.Errorf("config instances[%d]: %w", i, err)
		}
		all = append(all, inst)
	}
	for _, path := range cfg.Manifests {
		m, err := instance.LoadManifest(path)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, m.Instances...)
	}
	if len(all) == 0 {
		return 0, nil
	}
	return instance.Seed(ctx, store, all)
}

// writeLine is a small helper for commands that print to cmd.OutOrStdout.
func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
