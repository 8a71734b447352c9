package config

import (
	"reflect"
	"slices"

	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// UEReconfiguration is a reconfiguration addressed to one UE.
type UEReconfiguration struct {
	Index   model.UEIndex
	Request ue.ReconfigurationRequest
}

// Change is what it takes to move a running daemon from one config to
// another.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Added, Removed and Reconfigured are ordered by UE index. A UE whose
	// RNTI changed is removed and added again.
	Added        []ue.CreateRequest
	Removed      []model.UEIndex
	Reconfigured []UEReconfiguration
	// RestartRequired is set when the cells, the clock, the expert values
	// or the simulator changed; those are fixed for the lifetime of a cell
	// group.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Fields summarises the change for logging.
func (c Change) Fields() []logging.Field {
	return []logging.Field{
		logging.Any("sections", c.Sections),
		logging.Int("ues_added", len(c.Added)),
		logging.Int("ues_removed", len(c.Removed)),
		logging.Int("ues_reconfigured", len(c.Reconfigured)),
		logging.Bool("restart_required", c.RestartRequired),
	}
}

// Diff compares two configs. A nil side is treated as empty.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	section := func(name string, a, b any) bool {
		if reflect.DeepEqual(a, b) {
			return false
		}
		ch.Sections = append(ch.Sections, name)
		return true
	}
	section("logging", oldCfg.Logging, newCfg.Logging)
	section("tracing", oldCfg.Tracing, newCfg.Tracing)
	section("metrics", oldCfg.Metrics, newCfg.Metrics)
	section("control", oldCfg.Control, newCfg.Control)
	restart := section("clock", oldCfg.Clock, newCfg.Clock)
	restart = section("expert", oldCfg.Expert, newCfg.Expert) || restart
	restart = section("cells", oldCfg.Cells, newCfg.Cells) || restart
	restart = section("simulator", oldCfg.Simulator, newCfg.Simulator) || restart
	ch.RestartRequired = restart

	if section("ues", oldCfg.UEs, newCfg.UEs) {
		diffUEs(&ch, oldCfg, newCfg)
	}
	section("report", oldCfg.Report, newCfg.Report)
	return ch
}

func diffUEs(ch *Change, oldCfg, newCfg *Config) {
	before := make(map[model.UEIndex]UEConfig, len(oldCfg.UEs))
	for _, u := range oldCfg.UEs {
		before[u.Index] = u
	}
	after := make(map[model.UEIndex]UEConfig, len(newCfg.UEs))
	for _, u := range newCfg.UEs {
		after[u.Index] = u
	}

	for _, u := range oldCfg.UEs {
		if n, ok := after[u.Index]; !ok || n.RNTI != u.RNTI {
			ch.Removed = append(ch.Removed, u.Index)
		}
	}
	for _, u := range newCfg.UEs {
		o, ok := before[u.Index]
		switch {
		case !ok || o.RNTI != u.RNTI:
			ch.Added = append(ch.Added, newCfg.CreateRequest(u))
		case !reflect.DeepEqual(o, u):
			ch.Reconfigured = append(ch.Reconfigured, UEReconfiguration{
				Index:   u.Index,
				Request: newCfg.ReconfigurationRequest(u),
			})
		}
	}

	slices.Sort(ch.Removed)
	slices.SortFunc(ch.Added, func(a, b ue.CreateRequest) int { return int(a.Index) - int(b.Index) })
	slices.SortFunc(ch.Reconfigured, func(a, b UEReconfiguration) int { return int(a.Index) - int(b.Index) })
}
