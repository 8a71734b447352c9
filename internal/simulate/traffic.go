package simulate

import (
	"math/rand/v2"

	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// TrafficConfig shapes the offered load.
type TrafficConfig struct {
	// DLArrivalProb and ULArrivalProb are the per-slot chances a UE gets a
	// new packet in that direction.
	DLArrivalProb float64 `json:"dl_arrival_prob"`
	ULArrivalProb float64 `json:"ul_arrival_prob"`
	// PacketBytes is the mean packet size; actual sizes are uniform in
	// [PacketBytes/2, 3*PacketBytes/2].
	PacketBytes uint32 `json:"packet_bytes"`
	// DataLCID carries DL traffic; its LCG carries UL traffic.
	DataLCID model.LCID `json:"data_lcid"`
	// BSRPeriodSlots is the periodic BSR interval. Zero disables periodic
	// reports.
	BSRPeriodSlots int `json:"bsr_period_slots"`
	// MaxBufferBytes caps each UE buffer; arrivals beyond it are dropped.
	MaxBufferBytes uint32 `json:"max_buffer_bytes"`
}

// DefaultTrafficConfig returns a light mixed load.
func DefaultTrafficConfig() TrafficConfig {
	return TrafficConfig{
		DLArrivalProb:  0.3,
		ULArrivalProb:  0.1,
		PacketBytes:    1500,
		DataLCID:       model.LCIDMinDRB,
		BSRPeriodSlots: 20,
		MaxBufferBytes: 1 << 20,
	}
}

type ueTraffic struct {
	ul [model.MaxLCGID + 1]uint32
	// lcg the data bearer reports under
	lcg model.LCGID
}

// TrafficGenerator is the UE side of the buffers: it tracks what UEs hold
// in UL, offers DL packets, and reports both to the scheduler.
type TrafficGenerator struct {
	cfg TrafficConfig
	rng *rand.Rand
	ues map[model.UEIndex]*ueTraffic
	kpi *KPIs
}

// NewTrafficGenerator returns a generator seeded with seed.
func NewTrafficGenerator(cfg TrafficConfig, seed uint64, kpi *KPIs) *TrafficGenerator {
	if kpi == nil {
		kpi = &KPIs{}
	}
	return &TrafficGenerator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(seed^0x5851f42d4c957f2d, seed)),
		ues: make(map[model.UEIndex]*ueTraffic),
		kpi: kpi,
	}
}

func (t *TrafficGenerator) state(u *ue.UE) *ueTraffic {
	st, ok := t.ues[u.Index()]
	if !ok {
		st = &ueTraffic{}
		for _, lc := range u.LogicalChannels() {
			if lc.LCID == t.cfg.DataLCID {
				st.lcg = lc.LCGID
			}
		}
		t.ues[u.Index()] = st
	}
	return st
}

// Forget drops the buffers of a removed UE.
func (t *TrafficGenerator) Forget(idx model.UEIndex) { delete(t.ues, idx) }

func (t *TrafficGenerator) packet() uint32 {
	if t.cfg.PacketBytes == 0 {
		return 0
	}
	return t.cfg.PacketBytes/2 + uint32(t.rng.Uint64N(uint64(t.cfg.PacketBytes)+1))
}

// Step offers this slot's arrivals to u. DL packets are added to the
// scheduler's view of the bearer; UL packets are queued on the UE and
// announced by SR when the buffer was empty, and by periodic BSR.
func (t *TrafficGenerator) Step(u *ue.UE, slot model.SlotPoint) {
	if u.Deactivated() {
		return
	}
	st := t.state(u)

	if t.rng.Float64() < t.cfg.DLArrivalProb {
		cur := u.DL().PendingBytesFor(t.cfg.DataLCID)
		if n := t.packet(); cur+n <= t.cfg.MaxBufferBytes {
			u.HandleDLBufferState(t.cfg.DataLCID, cur+n)
			t.kpi.DLOfferedBytes.Add(uint64(n))
		}
	}

	if t.rng.Float64() < t.cfg.ULArrivalProb {
		wasEmpty := t.ulTotal(st) == 0
		if n := t.packet(); st.ul[st.lcg]+n <= t.cfg.MaxBufferBytes {
			st.ul[st.lcg] += n
			t.kpi.ULOfferedBytes.Add(uint64(n))
			if wasEmpty {
				u.HandleSR()
				t.kpi.SRs.Add(1)
			}
		}
	}

	if t.cfg.BSRPeriodSlots > 0 && int(slot.Count())%t.cfg.BSRPeriodSlots == int(u.Index())%t.cfg.BSRPeriodSlots {
		t.reportBSR(u, st)
	}
}

// Delivered removes bytes the scheduler received on a decoded UL grant
// and sends the BSR the UE would piggyback on it.
func (t *TrafficGenerator) Delivered(u *ue.UE, bytes [model.MaxLCGID + 1]uint32) {
	st := t.state(u)
	for lcg, n := range bytes {
		st.ul[lcg] -= min(st.ul[lcg], n)
	}
	t.reportBSR(u, st)
}

func (t *TrafficGenerator) reportBSR(u *ue.UE, st *ueTraffic) {
	bsr := model.BSRReport{Format: model.LongBSR}
	for lcg, n := range st.ul {
		if u.UL().IsActive(model.LCGID(lcg)) {
			bsr.Reports = append(bsr.Reports, model.LCGBufferStatus{LCGID: model.LCGID(lcg), Bytes: n})
		}
	}
	if len(bsr.Reports) == 0 {
		return
	}
	if err := u.HandleBSR(bsr); err == nil {
		t.kpi.BSRs.Add(1)
	}
}

// ULBuffered returns the bytes a UE holds for UL.
func (t *TrafficGenerator) ULBuffered(idx model.UEIndex) uint32 {
	st, ok := t.ues[idx]
	if !ok {
		return 0
	}
	return t.ulTotal(st)
}

func (t *TrafficGenerator) ulTotal(st *ueTraffic) uint32 {
	var total uint32
	for _, n := range st.ul {
		total += n
	}
	return total
}
