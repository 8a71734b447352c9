package simulate

import (
	"context"

	"github.com/signalsfoundry/macsched/cellgroup"
	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/logicalchannel"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// Config configures a Simulator.
type Config struct {
	Seed uint64 `json:"seed"`
	// CSIPeriodSlots is the CSI reporting period of every link. UEs are
	// spread over the period by index.
	CSIPeriodSlots int             `json:"csi_period_slots"`
	Channel        ChannelConfig   `json:"channel"`
	Traffic        TrafficConfig   `json:"traffic"`
	Allocator      AllocatorConfig `json:"allocator"`
}

// DefaultConfig returns a simulator with the default channel, traffic and
// allocator.
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		CSIPeriodSlots: 10,
		Channel:        DefaultChannelConfig(),
		Traffic:        DefaultTrafficConfig(),
		Allocator:      DefaultAllocatorConfig(),
	}
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithPayloadSource makes new grants carry buffers taken from src.
func WithPayloadSource(src PayloadSource) Option {
	return func(s *Simulator) { s.payload = src }
}

type harqKey struct {
	ue   model.UEIndex
	cell model.CellIndex
	id   model.HarqID
}

// Simulator closes the loop around a cell group: on every slot it runs the
// feedback due, offers traffic and CSI, and schedules every cell in both
// directions.
//
// All methods except KPIs run on the cell group executor.
type Simulator struct {
	cfg     Config
	group   *cellgroup.Group
	events  EventScheduler
	channel *ChannelModel
	traffic *TrafficGenerator
	alloc   *RoundRobin
	payload PayloadSource
	kpi     *KPIs
	log     logging.Logger

	now model.SlotPoint
	// UL grants in flight, by process, until their CRC decodes
	ulTx map[harqKey]logicalchannel.ULAllocation
}

// New attaches a simulator to group.
func New(group *cellgroup.Group, cfg Config, log logging.Logger, opts ...Option) *Simulator {
	if log == nil {
		log = logging.Noop()
	}
	s := &Simulator{
		cfg:     cfg,
		group:   group,
		channel: NewChannelModel(cfg.Channel, cfg.Seed),
		kpi:     &KPIs{},
		log:     log,
		ulTx:    make(map[harqKey]logicalchannel.ULAllocation),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = NewEventScheduler(s)
	s.traffic = NewTrafficGenerator(cfg.Traffic, cfg.Seed, s.kpi)
	s.alloc = NewRoundRobin(cfg.Allocator, s.payload, s.kpi)

	group.AddSlotHandler(s.onSlot)
	group.Subscribe(s.onEvent)
	return s
}

// Now returns the slot being simulated.
func (s *Simulator) Now() model.SlotPoint { return s.now }

// KPIs returns the running counters.
func (s *Simulator) KPIs() *KPIs { return s.kpi }

// Traffic returns the UE-side traffic state.
func (s *Simulator) Traffic() *TrafficGenerator { return s.traffic }

// PendingEvents returns how many feedback events are outstanding.
func (s *Simulator) PendingEvents() int { return s.events.Pending() }

func (s *Simulator) onEvent(ev cellgroup.Event) {
	if ev.Type != cellgroup.EventUERemoved {
		return
	}
	s.channel.Forget(ev.UE)
	s.traffic.Forget(ev.UE)
	for k := range s.ulTx {
		if k.ue == ev.UE {
			delete(s.ulTx, k)
		}
	}
}

func (s *Simulator) onSlot(g *cellgroup.Group, slot model.SlotPoint) {
	s.now = slot
	s.kpi.Slots.Add(1)
	s.events.RunDue()

	ues := g.UEs()
	for _, u := range ues {
		s.traffic.Step(u, slot)
		s.reportCSI(u, slot)
	}
	for _, cell := range g.Cells() {
		for _, dir := range [...]model.Direction{model.Downlink, model.Uplink} {
			for _, gr := range s.alloc.Allocate(slot, cell, dir, ues) {
				s.expectFeedback(gr)
			}
		}
	}
}

func (s *Simulator) reportCSI(u *ue.UE, slot model.SlotPoint) {
	period := s.cfg.CSIPeriodSlots
	if period <= 0 || (int(slot.Count())+int(u.Index()))%period != 0 {
		return
	}
	for _, c := range u.Cells() {
		if !c.Active() {
			continue
		}
		report := s.channel.Step(u.Index(), c.Index(), c.Config().MaxLayers)
		if err := u.HandleCSIReport(c.Index(), slot, report); err != nil {
			s.log.Debug(context.Background(), "csi report rejected",
				logging.Uint("ue", uint64(u.Index())),
				logging.Uint("cell", uint64(c.Index())),
				logging.Err(err))
			continue
		}
		s.kpi.CSIReports.Add(1)
	}
}

func (s *Simulator) expectFeedback(gr Grant) {
	if gr.Dir == model.Uplink {
		key := harqKey{gr.UE, gr.Cell, gr.Harq}
		if !gr.Retx {
			s.ulTx[key] = gr.UL
		}
		s.events.Schedule(gr.FeedbackSlot, func() { s.crc(gr, key) })
		return
	}
	s.events.Schedule(gr.FeedbackSlot, func() { s.harqAck(gr) })
}

// ueFor returns the UE a grant was made to, unless it was removed since.
func (s *Simulator) ueFor(gr Grant) (*ue.UE, bool) {
	u, ok := s.group.UE(gr.UE)
	if !ok || u.RNTI() != gr.RNTI {
		return nil, false
	}
	return u, true
}

func (s *Simulator) harqAck(gr Grant) {
	u, ok := s.ueFor(gr)
	if !ok {
		return
	}
	status := s.channel.DecodeDL(gr.UE, gr.Cell, gr.CQI)
	switch status {
	case model.Nack:
		s.kpi.DLNacks.Add(1)
	case model.DTX:
		s.kpi.DLDTX.Add(1)
	}

	res := u.HandleDLAckInfo(gr.Cell, gr.Harq, status, gr.FeedbackSlot)
	switch res.Outcome {
	case harq.Acked:
		s.kpi.DLAckedBytes.Add(uint64(res.TBSBytes))
	case harq.Failed:
		s.kpi.DLFailed.Add(1)
	case harq.Stale:
		s.kpi.StaleFeedback.Add(1)
	}
}

func (s *Simulator) crc(gr Grant, key harqKey) {
	u, ok := s.ueFor(gr)
	if !ok {
		return
	}
	crcOK := s.channel.DecodeUL(gr.UE, gr.Cell, gr.CQI)
	if !crcOK {
		s.kpi.ULCRCFails.Add(1)
	}

	res := u.HandleULCRCInfo(gr.Cell, gr.Harq, crcOK, gr.FeedbackSlot)
	switch res.Outcome {
	case harq.Acked:
		s.kpi.ULDecodedBytes.Add(uint64(res.TBSBytes))
		s.traffic.Delivered(u, s.ulTx[key].Bytes)
		delete(s.ulTx, key)
	case harq.Failed:
		s.kpi.ULFailed.Add(1)
		delete(s.ulTx, key)
	case harq.Stale:
		s.kpi.StaleFeedback.Add(1)
	}
}
