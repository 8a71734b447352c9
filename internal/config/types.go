// Package config loads, validates and watches the daemon configuration and
// turns it into cell group and UE requests.
package config

import (
	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/internal/observability"
	"github.com/signalsfoundry/macsched/internal/simulate"
	"github.com/signalsfoundry/macsched/linkadapt"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// Config is the root of the configuration file.
type Config struct {
	Logging   logging.Config              `json:"logging"`
	Tracing   observability.TracingConfig `json:"tracing"`
	Metrics   MetricsConfig               `json:"metrics"`
	Control   ControlConfig               `json:"control"`
	Clock     ClockConfig                 `json:"clock"`
	Expert    ExpertConfig                `json:"expert"`
	Cells     []CellConfig                `json:"cells"`
	UEs       []UEConfig                  `json:"ues"`
	Simulator SimulatorConfig             `json:"simulator"`
	Report    ReportConfig                `json:"report"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

type ControlConfig struct {
	Addr string `json:"addr"`
}

// ClockConfig selects the slot pacing and the slot the clock starts at.
type ClockConfig struct {
	Mode       string `json:"mode"` // realtime | accelerated
	Numerology uint8  `json:"numerology"`
	StartSFN   uint32 `json:"start_sfn"`
}

// ExpertConfig holds scheduler tuning shared by every cell and UE.
type ExpertConfig struct {
	HarqsPerUE       uint8  `json:"harqs_per_ue"`
	MaxDLRetxs       uint8  `json:"max_dl_retxs"`
	MaxULRetxs       uint8  `json:"max_ul_retxs"`
	RoundTripSlots   uint16 `json:"round_trip_slots"`
	RetxTimeoutSlots uint16 `json:"retx_timeout_slots"`
	// CQIMargin is a pointer so that an explicit 0 survives defaulting.
	CQIMargin        *uint8 `json:"cqi_margin,omitempty"`
	SRGrantBytes     uint32 `json:"sr_grant_bytes"`
	DLAckDelay       uint16 `json:"dl_ack_delay"`
	ULAckDelay       uint16 `json:"ul_ack_delay"`
	ULGrantOffset    uint16 `json:"ul_grant_offset"`
	QueueSize        int    `json:"queue_size"`
	RecyclerCapacity int    `json:"recycler_capacity"`
	LogRatePerSecond int    `json:"log_rate_per_second"`
}

type CellConfig struct {
	Index  model.CellIndex `json:"index"`
	PCI    uint16          `json:"pci"`
	MaxUEs int             `json:"max_ues"`
}

// UEConfig is a statically provisioned UE. Cells[0] is the PCell.
type UEConfig struct {
	Index           model.UEIndex                `json:"index"`
	RNTI            model.RNTI                   `json:"rnti"`
	Cells           []UECellConfig               `json:"cells"`
	LogicalChannels []model.LogicalChannelConfig `json:"logical_channels"`
}

type UECellConfig struct {
	Cell      model.CellIndex `json:"cell"`
	MaxLayers uint8           `json:"max_layers"`
}

// SimulatorConfig enables the loopback traffic and channel model that
// drives the cell group when no PHY is attached.
type SimulatorConfig struct {
	Enabled bool `json:"enabled"`
	simulate.Config
}

type ReportConfig struct {
	Cron string `json:"cron"`
}

// ApplyDefaults overlays the tracing environment overrides and fills unset
// fields.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Tracing.ApplyEnv()
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "macsched"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Control.Addr == "" {
		c.Control.Addr = ":50051"
	}
	if c.Clock.Mode == "" {
		c.Clock.Mode = "realtime"
	}

	def := harq.DefaultConfig()
	e := &c.Expert
	if e.HarqsPerUE == 0 {
		e.HarqsPerUE = def.NofDLHarqs
	}
	if e.MaxDLRetxs == 0 {
		e.MaxDLRetxs = def.MaxDLRetxs
	}
	if e.MaxULRetxs == 0 {
		e.MaxULRetxs = def.MaxULRetxs
	}
	if e.RoundTripSlots == 0 {
		e.RoundTripSlots = def.RoundTripSlots
	}
	if e.RetxTimeoutSlots == 0 {
		e.RetxTimeoutSlots = def.RetxTimeoutSlots
	}
	if e.CQIMargin == nil {
		m := uint8(linkadapt.DefaultCQIMargin)
		e.CQIMargin = &m
	}
	if e.SRGrantBytes == 0 {
		e.SRGrantBytes = ue.DefaultSRGrantBytes
	}
	if e.DLAckDelay == 0 {
		e.DLAckDelay = 4
	}
	if e.ULAckDelay == 0 {
		e.ULAckDelay = 4
	}
	if e.ULGrantOffset == 0 {
		e.ULGrantOffset = 4
	}
	if e.QueueSize == 0 {
		e.QueueSize = cellgroup.DefaultQueueSize
	}
	if e.RecyclerCapacity == 0 {
		e.RecyclerCapacity = 4096
	}
	if e.LogRatePerSecond == 0 {
		e.LogRatePerSecond = 50
	}

	for i := range c.Cells {
		if c.Cells[i].MaxUEs == 0 {
			c.Cells[i].MaxUEs = def.MaxUEs
		}
	}
	for i := range c.UEs {
		for j := range c.UEs[i].Cells {
			if c.UEs[i].Cells[j].MaxLayers == 0 {
				c.UEs[i].Cells[j].MaxLayers = 1
			}
		}
	}

	c.Simulator.applyDefaults()

	if c.Report.Cron == "" {
		c.Report.Cron = "@every 1m"
	}
}

func (s *SimulatorConfig) applyDefaults() {
	def := simulate.DefaultConfig()
	if s.Seed == 0 {
		s.Seed = def.Seed
	}
	if s.CSIPeriodSlots == 0 {
		s.CSIPeriodSlots = def.CSIPeriodSlots
	}
	if s.Channel == (simulate.ChannelConfig{}) {
		s.Channel = def.Channel
	}
	if s.Channel.MeanCQI == 0 {
		s.Channel.MeanCQI = def.Channel.MeanCQI
	}
	// arrival probabilities keep an explicit zero once the section is set
	if s.Traffic == (simulate.TrafficConfig{}) {
		s.Traffic = def.Traffic
	}
	if s.Traffic.PacketBytes == 0 {
		s.Traffic.PacketBytes = def.Traffic.PacketBytes
	}
	if s.Traffic.DataLCID == 0 {
		s.Traffic.DataLCID = def.Traffic.DataLCID
	}
	if s.Traffic.BSRPeriodSlots == 0 {
		s.Traffic.BSRPeriodSlots = def.Traffic.BSRPeriodSlots
	}
	if s.Traffic.MaxBufferBytes == 0 {
		s.Traffic.MaxBufferBytes = def.Traffic.MaxBufferBytes
	}
	if s.Allocator.PRBs == 0 {
		s.Allocator.PRBs = def.Allocator.PRBs
	}
	if s.Allocator.MaxGrantsPerSlot == 0 {
		s.Allocator.MaxGrantsPerSlot = def.Allocator.MaxGrantsPerSlot
	}
}

// SimulateConfig returns the simulator config with the UL grant offset of
// the expert section.
func (c *Config) SimulateConfig() simulate.Config {
	sc := c.Simulator.Config
	sc.Allocator.ULGrantOffset = int(c.Expert.ULGrantOffset)
	return sc
}

// HarqConfig returns the pool config derived from the expert section. The
// UE capacity is set per cell.
func (c *Config) HarqConfig() harq.Config {
	maxUEs := 0
	for _, cell := range c.Cells {
		maxUEs = max(maxUEs, cell.MaxUEs)
	}
	return harq.Config{
		MaxUEs:           maxUEs,
		NofDLHarqs:       c.Expert.HarqsPerUE,
		NofULHarqs:       c.Expert.HarqsPerUE,
		MaxDLRetxs:       c.Expert.MaxDLRetxs,
		MaxULRetxs:       c.Expert.MaxULRetxs,
		RoundTripSlots:   c.Expert.RoundTripSlots,
		RetxTimeoutSlots: c.Expert.RetxTimeoutSlots,
	}
}

// GroupConfig returns the cell group config.
func (c *Config) GroupConfig() cellgroup.Config {
	gc := cellgroup.Config{
		Numerology: c.Clock.Numerology,
		Harq:       c.HarqConfig(),
		Expert:     ue.ExpertConfig{SRGrantBytes: c.Expert.SRGrantBytes},
	}
	if c.Expert.CQIMargin != nil {
		gc.CQIMargin = *c.Expert.CQIMargin
	}
	for _, cell := range c.Cells {
		gc.Cells = append(gc.Cells, cellgroup.CellConfig{Index: cell.Index, PCI: cell.PCI, MaxUEs: cell.MaxUEs})
	}
	return gc
}

// StartSlot returns the first slot of the clock.
func (c *Config) StartSlot() model.SlotPoint {
	return model.NewSlotPoint(c.Clock.Numerology, c.Clock.StartSFN%model.NofSFNs, 0)
}

// CreateRequest converts a provisioned UE into a creation request.
func (c *Config) CreateRequest(u UEConfig) ue.CreateRequest {
	return ue.CreateRequest{
		Index:           u.Index,
		RNTI:            u.RNTI,
		Cells:           c.ueCells(u),
		LogicalChannels: u.LogicalChannels,
	}
}

// CreateRequests converts every provisioned UE.
func (c *Config) CreateRequests() []ue.CreateRequest {
	out := make([]ue.CreateRequest, 0, len(c.UEs))
	for _, u := range c.UEs {
		out = append(out, c.CreateRequest(u))
	}
	return out
}

// ReconfigurationRequest converts a provisioned UE into a reconfiguration.
func (c *Config) ReconfigurationRequest(u UEConfig) ue.ReconfigurationRequest {
	return ue.ReconfigurationRequest{
		Cells:           c.ueCells(u),
		LogicalChannels: u.LogicalChannels,
	}
}

func (c *Config) ueCells(u UEConfig) []ue.CellConfig {
	cells := make([]ue.CellConfig, 0, len(u.Cells))
	for _, uc := range u.Cells {
		cells = append(cells, ue.CellConfig{
			CellIndex:  uc.Cell,
			DLAckDelay: c.Expert.DLAckDelay,
			ULAckDelay: c.Expert.ULAckDelay,
			MaxLayers:  uc.MaxLayers,
		})
	}
	return cells
}
