package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/model"
)

// reporter logs a periodic scheduler summary on a cron schedule.
type reporter struct {
	d   *schedulerDaemon
	log logging.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
	spec  string

	started   time.Time
	lastSlots uint64
	lastAt    time.Time
}

func newReporter(d *schedulerDaemon, log logging.Logger) *reporter {
	return &reporter{
		d:    d,
		log:  log,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
}

func (r *reporter) start(spec string) error {
	if err := r.reschedule(spec); err != nil {
		return err
	}
	r.started = time.Now()
	r.lastAt = r.started
	r.cron.Start()
	return nil
}

func (r *reporter) stop() {
	<-r.cron.Stop().Done()
}

// reschedule replaces the report job.
func (r *reporter) reschedule(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec && r.entry != 0 {
		return nil
	}
	id, err := r.cron.AddFunc(spec, r.report)
	if err != nil {
		return fmt.Errorf("report schedule %q: %w", spec, err)
	}
	if r.entry != 0 {
		r.cron.Remove(r.entry)
	}
	r.entry, r.spec = id, spec
	return nil
}

type ueTimeouts struct {
	ue     model.UEIndex
	dl, ul uint64
}

func (r *reporter) report() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := r.d.group.Stats()
	now := time.Now()
	var rate float64
	if elapsed := now.Sub(r.lastAt).Seconds(); elapsed > 0 {
		rate = float64(st.Slots-r.lastSlots) / elapsed
	}
	r.lastSlots, r.lastAt = st.Slots, now

	fields := []logging.Field{
		logging.String("slot", st.Slot.String()),
		logging.String("slots", humanize.Comma(int64(st.Slots))),
		logging.String("slot_rate", humanize.FormatFloat("#,###.#", rate)+"/s"),
		logging.Int("ues", st.UEs),
		logging.Int("removing", st.Removing),
		logging.String("pending_dl", humanize.Bytes(st.PendingDLBytes)),
		logging.String("pending_ul", humanize.Bytes(st.PendingULBytes)),
		logging.String("uptime", humanize.RelTime(r.started, now, "", "")),
	}
	rs := r.d.rec.Stats()
	fields = append(fields,
		logging.String("recycled", humanize.Comma(int64(rs.Recycled))),
		logging.Uint("recycler_dropped", rs.Dropped),
	)
	if r.d.sim != nil {
		fields = append(fields, logging.String("sim", r.d.sim.KPIs().Snapshot().Summary()))
	}
	r.log.Info(ctx, "scheduler report", fields...)

	var worst []ueTimeouts
	err := r.d.group.Call(ctx, func(g *cellgroup.Group) error {
		for _, u := range g.UEs() {
			dl, ul := r.d.sched.UETimeouts(u.Index())
			if dl+ul > 0 {
				worst = append(worst, ueTimeouts{u.Index(), dl, ul})
			}
		}
		return nil
	})
	if err != nil {
		r.log.Debug(ctx, "per-ue report skipped", logging.Err(err))
		return
	}
	for _, w := range worst {
		r.log.Info(ctx, "ue harq timeouts",
			logging.Uint("ue", uint64(w.ue)),
			logging.Uint("dl", w.dl),
			logging.Uint("ul", w.ul),
		)
	}
}
