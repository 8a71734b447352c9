package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/internal/config"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/internal/recycler"
	"github.com/signalsfoundry/macsched/internal/simulate"
	"github.com/signalsfoundry/macsched/timectrl"
)

type options struct {
	configPath string
	slots      uint64
	seed       uint64
	bler       float64
	asJSON     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "configs/macsched.yaml", "path to the YAML or JSON configuration")
	flag.Uint64Var(&opts.slots, "slots", 20000, "number of slots to simulate")
	flag.Uint64Var(&opts.seed, "seed", 0, "random seed; 0 keeps the configured one")
	flag.Float64Var(&opts.bler, "bler", -1, "override the channel BLER target when >= 0")
	flag.BoolVar(&opts.asJSON, "json", false, "print the KPI snapshot as JSON")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

// run simulates opts.slots slots of the configured cell group as fast as
// possible and writes the KPIs to out.
func run(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Simulator.Enabled = true
	if opts.seed != 0 {
		cfg.Simulator.Seed = opts.seed
	}
	if opts.bler > 1 {
		return fmt.Errorf("bler %v outside [0, 1]", opts.bler)
	}
	if opts.bler >= 0 {
		cfg.Simulator.Channel.BLERTarget = opts.bler
	}
	log := logging.New(cfg.Logging)

	rec := recycler.New(cfg.Expert.RecyclerCapacity, log)
	group, err := cellgroup.New(cfg.GroupConfig(),
		cellgroup.WithLogger(log),
		cellgroup.WithLogRate(cfg.Expert.LogRatePerSecond),
		cellgroup.WithPayloadReleaser(rec),
	)
	if err != nil {
		return err
	}
	for _, req := range cfg.CreateRequests() {
		if _, err := group.AddUE(req); err != nil {
			return fmt.Errorf("provision ue %d: %w", req.Index, err)
		}
	}
	sim := simulate.New(group, cfg.SimulateConfig(), log, simulate.WithPayloadSource(rec))

	recCtx, stopRec := context.WithCancel(ctx)
	defer stopRec()
	go rec.Run(recCtx)

	clock := timectrl.NewSlotController(cfg.StartSlot(), timectrl.Accelerated)
	clock.AddListener(group.SlotIndication)

	begin := time.Now()
	n := clock.Run(ctx, opts.slots)
	elapsed := time.Since(begin)

	k := sim.KPIs().Snapshot()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(k)
	}

	airtime := time.Duration(n) * clock.Tick()
	st := group.Stats()
	fmt.Fprintf(out, "simulated %s slots (%s of air time) in %s\n",
		humanize.Comma(int64(n)), airtime, elapsed.Round(time.Millisecond))
	fmt.Fprintln(out, k.Summary())
	fmt.Fprintf(out, "throughput: dl=%s/s ul=%s/s\n",
		humanize.Bytes(perSecond(k.DLAckedBytes, airtime)),
		humanize.Bytes(perSecond(k.ULDecodedBytes, airtime)))
	fmt.Fprintf(out, "ues=%d pending dl=%s ul=%s\n",
		st.UEs, humanize.Bytes(st.PendingDLBytes), humanize.Bytes(st.PendingULBytes))
	return nil
}

func perSecond(bytes uint64, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(float64(bytes) / d.Seconds())
}
