package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/signalsfoundry/macsched/model"
)

// ErrInvalidConfig wraps every decoding and validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate reports every problem found, joined, each wrapped with
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if err := c.Tracing.Validate(); err != nil {
		add("tracing: %v", err)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path %q must start with /", c.Metrics.Path)
	}

	switch c.Clock.Mode {
	case "realtime", "accelerated":
	default:
		add("clock.mode %q", c.Clock.Mode)
	}
	if c.Clock.Numerology > model.MaxNumerology {
		add("clock.numerology %d", c.Clock.Numerology)
	}

	e := c.Expert
	if e.HarqsPerUE == 0 || e.HarqsPerUE > model.MaxHarqsPerUE {
		add("expert.harqs_per_ue %d outside [1, %d]", e.HarqsPerUE, model.MaxHarqsPerUE)
	}
	if e.RoundTripSlots == 0 {
		add("expert.round_trip_slots must be positive")
	}
	if e.DLAckDelay >= e.RoundTripSlots || e.ULAckDelay >= e.RoundTripSlots {
		add("expert ack delays (%d, %d) must be below round_trip_slots %d", e.DLAckDelay, e.ULAckDelay, e.RoundTripSlots)
	}
	if e.CQIMargin != nil && *e.CQIMargin > uint8(model.MaxCQI) {
		add("expert.cqi_margin %d above %d", *e.CQIMargin, model.MaxCQI)
	}
	if e.QueueSize < 0 || e.RecyclerCapacity < 0 {
		add("expert queue sizes must not be negative")
	}

	cells := make(map[model.CellIndex]CellConfig, len(c.Cells))
	if len(c.Cells) == 0 {
		add("no cells")
	}
	for _, cell := range c.Cells {
		if !cell.Index.Valid() {
			add("cell index %d out of range", cell.Index)
			continue
		}
		if _, dup := cells[cell.Index]; dup {
			add("cell %d listed twice", cell.Index)
			continue
		}
		if cell.MaxUEs <= 0 || cell.MaxUEs > model.MaxUEs {
			add("cell %d max_ues %d outside [1, %d]", cell.Index, cell.MaxUEs, model.MaxUEs)
		}
		cells[cell.Index] = cell
	}

	ues := make(map[model.UEIndex]bool, len(c.UEs))
	rntis := make(map[model.RNTI]model.UEIndex, len(c.UEs))
	for _, u := range c.UEs {
		if !u.Index.Valid() {
			add("ue index %d out of range", u.Index)
			continue
		}
		if ues[u.Index] {
			add("ue %d listed twice", u.Index)
			continue
		}
		ues[u.Index] = true
		if u.RNTI == 0 {
			add("ue %d has no rnti", u.Index)
		} else if other, dup := rntis[u.RNTI]; dup {
			add("ue %d reuses rnti %s of ue %d", u.Index, u.RNTI, other)
		} else {
			rntis[u.RNTI] = u.Index
		}
		if len(u.Cells) == 0 {
			add("ue %d has no cells", u.Index)
		}
		seen := make(map[model.CellIndex]bool, len(u.Cells))
		for _, uc := range u.Cells {
			cell, ok := cells[uc.Cell]
			switch {
			case !ok:
				add("ue %d: unknown cell %d", u.Index, uc.Cell)
			case seen[uc.Cell]:
				add("ue %d: cell %d listed twice", u.Index, uc.Cell)
			case int(u.Index) >= cell.MaxUEs:
				add("ue %d beyond max_ues %d of cell %d", u.Index, cell.MaxUEs, uc.Cell)
			}
			seen[uc.Cell] = true
			if uc.MaxLayers == 0 || uc.MaxLayers > model.MaxNofLayers {
				add("ue %d cell %d: max_layers %d outside [1, %d]", u.Index, uc.Cell, uc.MaxLayers, model.MaxNofLayers)
			}
		}
		lcids := make(map[model.LCID]bool, len(u.LogicalChannels))
		for _, lc := range u.LogicalChannels {
			if err := lc.Validate(); err != nil {
				add("ue %d: %v", u.Index, err)
				continue
			}
			if lcids[lc.LCID] {
				add("ue %d: lcid %d listed twice", u.Index, lc.LCID)
			}
			lcids[lc.LCID] = true
		}
	}

	if sim := c.Simulator; sim.Enabled {
		probs := []struct {
			name string
			p    float64
		}{
			{"simulator.channel.bler_target", sim.Channel.BLERTarget},
			{"simulator.channel.rank_drop_prob", sim.Channel.RankDropProb},
			{"simulator.channel.dtx_prob", sim.Channel.DTXProb},
			{"simulator.traffic.dl_arrival_prob", sim.Traffic.DLArrivalProb},
			{"simulator.traffic.ul_arrival_prob", sim.Traffic.ULArrivalProb},
		}
		for _, pr := range probs {
			if pr.p < 0 || pr.p > 1 {
				add("%s %v outside [0, 1]", pr.name, pr.p)
			}
		}
		if sim.Channel.MeanCQI < 1 || sim.Channel.MeanCQI > float64(model.MaxCQI) {
			add("simulator.channel.mean_cqi %v outside [1, %d]", sim.Channel.MeanCQI, model.MaxCQI)
		}
		if !sim.Traffic.DataLCID.Valid() || sim.Traffic.DataLCID.IsSRB() {
			add("simulator.traffic.data_lcid %d is not a data bearer", sim.Traffic.DataLCID)
		}
		if sim.CSIPeriodSlots < 0 || sim.Traffic.BSRPeriodSlots < 0 {
			add("simulator periods must not be negative")
		}
	}

	if _, err := cron.ParseStandard(c.Report.Cron); err != nil {
		add("report.cron %q: %v", c.Report.Cron, err)
	}

	return errors.Join(errs...)
}
