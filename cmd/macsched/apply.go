package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/internal/config"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/internal/observability"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// ueApplier moves the cell group's UEs to a new provisioning. A UE that is
// replaced, for instance because its RNTI changed, is only added back once
// its old context finished draining.
type ueApplier struct {
	group *cellgroup.Group
	sched *observability.SchedulerCollector
	log   logging.Logger

	// deferred creations by index; touched on the executor only
	deferred map[model.UEIndex]ue.CreateRequest
}

func newUEApplier(g *cellgroup.Group, sched *observability.SchedulerCollector, log logging.Logger) *ueApplier {
	a := &ueApplier{
		group:    g,
		sched:    sched,
		log:      log,
		deferred: make(map[model.UEIndex]ue.CreateRequest),
	}
	g.Subscribe(a.onEvent)
	return a
}

func (a *ueApplier) onEvent(ev cellgroup.Event) {
	if ev.Type != cellgroup.EventUERemoved {
		return
	}
	a.sched.ResetUETimeouts(ev.UE)

	req, ok := a.deferred[ev.UE]
	if !ok {
		return
	}
	delete(a.deferred, ev.UE)
	// the group is mid-slot; create the UE once the slot is done
	if err := a.group.Post(func(g *cellgroup.Group) { a.add(g, req) }); err != nil {
		a.log.Warn(context.Background(), "deferred ue creation dropped",
			logging.Uint("ue", uint64(req.Index)), logging.Err(err))
	}
}

func (a *ueApplier) add(g *cellgroup.Group, req ue.CreateRequest) error {
	_, err := g.AddUE(req)
	if errors.Is(err, cellgroup.ErrUEExists) && g.Removing(req.Index) {
		a.deferred[req.Index] = req
		a.log.Info(context.Background(), "ue creation deferred until removal completes",
			logging.Uint("ue", uint64(req.Index)), logging.String("rnti", req.RNTI.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("add ue %d: %w", req.Index, err)
	}
	a.log.Info(context.Background(), "ue added",
		logging.Uint("ue", uint64(req.Index)), logging.String("rnti", req.RNTI.String()))
	return nil
}

// apply runs the UE part of ch on the executor. Removals go first so a
// replaced UE can be re-added.
func (a *ueApplier) apply(ctx context.Context, ch config.Change) error {
	if len(ch.Added)+len(ch.Removed)+len(ch.Reconfigured) == 0 {
		return nil
	}
	ctx, log := logging.WithProcedureLogger(ctx, a.log, "ue-provisioning")
	return a.group.Call(ctx, func(g *cellgroup.Group) error {
		var errs []error
		for _, idx := range ch.Removed {
			delete(a.deferred, idx)
			if err := g.RemoveUE(idx); err != nil {
				errs = append(errs, fmt.Errorf("remove ue %d: %w", idx, err))
				continue
			}
			log.Info(ctx, "ue removal started", logging.Uint("ue", uint64(idx)))
		}
		for _, req := range ch.Added {
			if err := a.add(g, req); err != nil {
				errs = append(errs, err)
			}
		}
		for _, rc := range ch.Reconfigured {
			if req, ok := a.deferred[rc.Index]; ok {
				req.Cells, req.LogicalChannels = rc.Request.Cells, rc.Request.LogicalChannels
				a.deferred[rc.Index] = req
				continue
			}
			if err := g.ReconfigureUE(ctx, rc.Index, rc.Request); err != nil {
				errs = append(errs, fmt.Errorf("reconfigure ue %d: %w", rc.Index, err))
				continue
			}
			log.Info(ctx, "ue reconfigured", logging.Uint("ue", uint64(rc.Index)))
		}
		return errors.Join(errs...)
	})
}
