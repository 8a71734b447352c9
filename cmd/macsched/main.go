package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/internal/config"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/internal/observability"
	"github.com/signalsfoundry/macsched/internal/recycler"
	"github.com/signalsfoundry/macsched/internal/simulate"
	"github.com/signalsfoundry/macsched/timectrl"
)

func main() {
	cfgPath := flag.String("config", "configs/macsched.yaml", "path to the YAML or JSON configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLog := logging.NewFromEnv()
	mgr := config.NewManager(*cfgPath, bootLog)
	cfg, err := mgr.Load()
	if err != nil {
		bootLog.Error(ctx, "failed to load config", logging.String("path", *cfgPath), logging.Err(err))
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	d, err := newDaemon(cfg, mgr, log, prometheus.NewRegistry())
	if err != nil {
		log.Error(ctx, "failed to initialise scheduler", logging.Err(err))
		os.Exit(1)
	}
	if err := d.run(ctx, nil); err != nil {
		log.Error(ctx, "scheduler exited", logging.Err(err))
		os.Exit(1)
	}
}

// schedulerDaemon owns the cell group and everything serving it.
type schedulerDaemon struct {
	cfg *config.Config
	mgr *config.Manager
	log logging.Logger

	sched   *observability.SchedulerCollector
	control *observability.ControlCollector

	rec      *recycler.Recycler
	group    *cellgroup.Group
	sim      *simulate.Simulator
	clock    *timectrl.SlotController
	applier  *ueApplier
	reporter *reporter
	health   *health.Server
}

func newDaemon(cfg *config.Config, mgr *config.Manager, log logging.Logger, reg *prometheus.Registry) (*schedulerDaemon, error) {
	d := &schedulerDaemon{cfg: cfg, mgr: mgr, log: log}

	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	var err error
	if d.sched, err = observability.NewSchedulerCollector(reg); err != nil {
		return nil, err
	}
	if d.control, err = observability.NewControlCollector(reg); err != nil {
		return nil, err
	}
	d.control.SetConfiguredCells(len(cfg.Cells))

	d.rec = recycler.New(cfg.Expert.RecyclerCapacity, log, recycler.WithDropObserver(d.sched))
	d.group, err = cellgroup.New(cfg.GroupConfig(),
		cellgroup.WithLogger(log),
		cellgroup.WithLogRate(cfg.Expert.LogRatePerSecond),
		cellgroup.WithNotifier(d.sched),
		cellgroup.WithObserver(d.sched),
		cellgroup.WithPayloadReleaser(d.rec),
		cellgroup.WithQueueSize(cfg.Expert.QueueSize),
		cellgroup.WithMetrics(d.sched),
	)
	if err != nil {
		return nil, err
	}
	d.applier = newUEApplier(d.group, d.sched, log)

	for _, req := range cfg.CreateRequests() {
		if _, err := d.group.AddUE(req); err != nil {
			return nil, fmt.Errorf("provision ue %d: %w", req.Index, err)
		}
	}
	if cfg.Simulator.Enabled {
		d.sim = simulate.New(d.group, cfg.SimulateConfig(), log, simulate.WithPayloadSource(d.rec))
	}

	d.clock = timectrl.NewSlotController(cfg.StartSlot(), timectrl.ParseMode(cfg.Clock.Mode))
	d.reporter = newReporter(d, log)
	d.health = health.NewServer()
	return d, nil
}

// run serves until ctx is done. controlLis overrides the configured control
// address when non-nil.
func (d *schedulerDaemon) run(ctx context.Context, controlLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, d.cfg.Tracing, d.log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, d.log)

	if controlLis == nil {
		controlLis, err = net.Listen("tcp", d.cfg.Control.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Control.Addr, err)
		}
	}
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			d.control.UnaryServerInterceptor(),
			observability.ProcedureUnaryServerInterceptor(d.log),
		),
	)
	healthpb.RegisterHealthServer(server, d.health)
	d.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if err := d.reporter.start(d.cfg.Report.Cron); err != nil {
		return err
	}
	defer d.reporter.stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.rec.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := d.group.Run(gctx, d.clock.Slots(gctx, 0))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		d.log.Info(gctx, "control server listening", logging.String("addr", controlLis.Addr().String()))
		if err := server.Serve(controlLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.health.Shutdown()
		server.GracefulStop()
		return nil
	})
	if d.cfg.Metrics.Enabled {
		srv := &http.Server{Addr: d.cfg.Metrics.Addr, Handler: d.metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			d.log.Info(gctx, "serving Prometheus metrics", logging.String("addr", d.cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if d.mgr != nil {
		updates := d.mgr.Subscribe(4)
		g.Go(func() error {
			defer d.mgr.Unsubscribe(updates)
			d.applyUpdates(gctx, updates)
			return nil
		})
		g.Go(func() error {
			if err := d.mgr.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warn(gctx, "config watcher stopped", logging.Err(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		d.watchdog(gctx)
		return nil
	})

	d.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	notify(d.log, daemon.SdNotifyReady)
	d.log.Info(ctx, "scheduler running",
		logging.Int("cells", len(d.cfg.Cells)),
		logging.Int("ues", len(d.cfg.UEs)),
		logging.String("clock", d.clock.Mode().String()),
		logging.Bool("simulator", d.sim != nil),
	)

	<-gctx.Done()
	notify(d.log, daemon.SdNotifyStopping)
	d.log.Info(context.Background(), "shutting down scheduler")
	return g.Wait()
}

func (d *schedulerDaemon) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Metrics.Path, d.control.Handler())
	return mux
}

func (d *schedulerDaemon) applyUpdates(ctx context.Context, updates <-chan config.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			d.applyUpdate(ctx, u)
		}
	}
}

func (d *schedulerDaemon) applyUpdate(ctx context.Context, u config.Update) {
	ch := u.Change
	if ch.RestartRequired {
		d.log.Warn(ctx, "config change needs a restart to take effect", logging.Any("sections", ch.Sections))
	}
	if err := d.applier.apply(ctx, ch); err != nil {
		d.control.IncConfigReload("error")
		d.log.Warn(ctx, "config applied with errors", logging.Err(err))
	} else {
		d.control.IncConfigReload("ok")
	}
	if u.Old == nil || u.Old.Report.Cron != u.New.Report.Cron {
		if err := d.reporter.reschedule(u.New.Report.Cron); err != nil {
			d.log.Warn(ctx, "report schedule not changed", logging.Err(err))
		}
	}
}

// watchdog pings systemd while slots keep advancing.
func (d *schedulerDaemon) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slots := d.group.Stats().Slots
			if slots == last {
				d.log.Warn(ctx, "slots stalled; withholding watchdog ping", logging.Uint("slots", slots))
				continue
			}
			last = slots
			notify(d.log, daemon.SdNotifyWatchdog)
		}
	}
}

func notify(log logging.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug(context.Background(), "sd_notify failed", logging.String("state", state), logging.Err(err))
	}
}
