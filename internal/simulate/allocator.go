package simulate

import (
	"errors"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/logicalchannel"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

// AllocatorConfig bounds what the round-robin allocator hands out per slot.
type AllocatorConfig struct {
	// PRBs is the bandwidth of every cell, per direction and slot.
	PRBs uint16 `json:"prbs"`
	// MaxGrantsPerSlot caps the grants per cell and direction.
	MaxGrantsPerSlot int `json:"max_grants_per_slot"`
	// ULGrantOffset is the slots between an UL grant and its PUSCH.
	ULGrantOffset int `json:"ul_grant_offset"`
}

// DefaultAllocatorConfig returns a 40 MHz carrier at 30 kHz.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{PRBs: 106, MaxGrantsPerSlot: 4, ULGrantOffset: 4}
}

// PayloadSource hands out transport block buffers. The cell group's
// payload releaser takes them back.
type PayloadSource interface {
	Get(n int) []byte
}

// Grant is one transmission scheduled by the allocator.
type Grant struct {
	UE     model.UEIndex
	RNTI   model.RNTI
	Cell   model.CellIndex
	Dir    model.Direction
	Harq   model.HarqID
	Retx   bool
	TxSlot model.SlotPoint
	// FeedbackSlot is when the HARQ-ACK or CRC of the grant is due.
	FeedbackSlot model.SlotPoint
	Params       model.TxParams
	// CQI is the channel quality the grant was sized for.
	CQI model.CQI
	// UL is the per-LCG split of a new UL grant.
	UL logicalchannel.ULAllocation
}

// RoundRobin grants each cell's PRBs to UEs in turn, retransmissions
// first. The starting UE rotates every slot.
type RoundRobin struct {
	cfg     AllocatorConfig
	payload PayloadSource
	kpi     *KPIs
	next    [model.MaxCells][model.NofDirections]int
}

// NewRoundRobin returns an allocator. payload may be nil, in which case
// grants carry no buffer.
func NewRoundRobin(cfg AllocatorConfig, payload PayloadSource, kpi *KPIs) *RoundRobin {
	if kpi == nil {
		kpi = &KPIs{}
	}
	return &RoundRobin{cfg: cfg, payload: payload, kpi: kpi}
}

// Allocate schedules slot on cell in direction dir for ues, which must be
// in a stable order. It updates HARQ and buffer state and returns the
// grants made. UL grants are for slot plus the grant offset.
func (a *RoundRobin) Allocate(slot model.SlotPoint, cell model.CellIndex, dir model.Direction, ues []*ue.UE) []Grant {
	if len(ues) == 0 {
		return nil
	}
	txSlot := slot
	if dir == model.Uplink {
		txSlot = slot.Add(a.cfg.ULGrantOffset)
	}

	var (
		grants []Grant
		prb    uint16
	)
	start := a.next[cell][dir] % len(ues)
	a.next[cell][dir] = start + 1

	// retransmissions keep their size, so they go before new data
	for i := range ues {
		if a.full(grants, prb) {
			return grants
		}
		u := ues[(start+i)%len(ues)]
		c, ok := u.Cell(cell)
		if !ok {
			continue
		}
		if g, ok := a.retx(u, c, dir, txSlot, &prb); ok {
			grants = append(grants, g)
		}
	}
	for i := range ues {
		if a.full(grants, prb) {
			break
		}
		u := ues[(start+i)%len(ues)]
		c, ok := u.Cell(cell)
		if !ok || !c.Active() || u.Deactivated() || scheduled(grants, u.Index()) {
			continue
		}
		if g, ok := a.newTx(u, c, dir, txSlot, &prb); ok {
			grants = append(grants, g)
		}
	}
	return grants
}

// full reports whether the slot has no PRBs or grant slots left. A zero
// MaxGrantsPerSlot is unlimited.
func (a *RoundRobin) full(grants []Grant, prb uint16) bool {
	if prb >= a.cfg.PRBs {
		return true
	}
	return a.cfg.MaxGrantsPerSlot > 0 && len(grants) >= a.cfg.MaxGrantsPerSlot
}

func scheduled(grants []Grant, idx model.UEIndex) bool {
	for _, g := range grants {
		if g.UE == idx {
			return true
		}
	}
	return false
}

var rvSequence = [4]uint8{0, 2, 3, 1}

func (a *RoundRobin) retx(u *ue.UE, c *ue.Cell, dir model.Direction, txSlot model.SlotPoint, prb *uint16) (Grant, bool) {
	id, ok := c.FindPendingRetx(dir)
	if !ok {
		return Grant{}, false
	}
	h := c.Lookup(dir, id)
	params := h.LastTxParams()
	n := params.PRBs.Length()
	if n > a.cfg.PRBs-*prb {
		return Grant{}, false
	}
	c.AllocateRetx(dir, id, txSlot)
	params.PRBs = model.PRBInterval{Start: *prb, Stop: *prb + n}
	params.RV = rvSequence[h.NofRetxs()%uint8(len(rvSequence))]
	c.SaveGrant(dir, id, model.TBInfo{}, nil, params)
	*prb += n

	if dir == model.Downlink {
		a.kpi.DLRetxs.Add(1)
	} else {
		a.kpi.ULRetxs.Add(1)
	}
	return Grant{
		UE:     u.Index(),
		RNTI:   u.RNTI(),
		Cell:   c.Index(),
		Dir:    dir,
		Harq:   id,
		Retx:   true,
		TxSlot: txSlot,
		Params: h.LastTxParams(),
		CQI:    effectiveCQI(h.CSIAtTx()),

		FeedbackSlot: h.FeedbackSlot(),
	}, true
}

func (a *RoundRobin) newTx(u *ue.UE, c *ue.Cell, dir model.Direction, txSlot model.SlotPoint, prb *uint16) (Grant, bool) {
	var pending uint32
	if dir == model.Downlink {
		pending = u.PendingDLNewTxBytes()
	} else {
		pending = u.PendingULNewTxBytes()
	}
	if pending == 0 {
		return Grant{}, false
	}

	csi := c.CSI()
	cqi := effectiveCQI(csi)
	layers := layersFor(csi, c.Config().MaxLayers)
	perPRB := BytesPerPRB(cqi, layers)
	n := uint16(min((pending+perPRB-1)/perPRB, uint32(a.cfg.PRBs-*prb)))
	tbs := uint32(n) * perPRB

	id, err := c.AllocateNewTx(dir, txSlot)
	if err != nil {
		if errors.Is(err, harq.ErrPoolExhausted) {
			a.kpi.HarqExhausted.Add(1)
		}
		return Grant{}, false
	}

	g := Grant{
		UE:     u.Index(),
		RNTI:   u.RNTI(),
		Cell:   c.Index(),
		Dir:    dir,
		Harq:   id,
		TxSlot: txSlot,
		CQI:    cqi,
	}
	var tb model.TBInfo
	if dir == model.Downlink {
		if u.BuildDLTransportBlockInfo(&tb, tbs) == 0 {
			c.Harqs().Release(u.Index(), dir, id)
			return Grant{}, false
		}
		a.kpi.DLNewTxs.Add(1)
	} else {
		g.UL = u.BuildULTransportBlockInfo(tbs)
		a.kpi.ULNewTxs.Add(1)
	}

	var payload []byte
	if a.payload != nil {
		payload = a.payload.Get(int(tbs))
	}
	g.Params = model.TxParams{
		MCS:        MCSFor(cqi),
		Modulation: ModulationFor(cqi),
		TBSBytes:   tbs,
		PRBs:       model.PRBInterval{Start: *prb, Stop: *prb + n},
		NofLayers:  layers,
	}
	c.SaveGrant(dir, id, tb, payload, g.Params)
	h := c.Lookup(dir, id)
	g.Params = h.LastTxParams()
	g.FeedbackSlot = h.FeedbackSlot()
	*prb += n
	return g, true
}
