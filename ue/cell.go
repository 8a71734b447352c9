package ue

import (
	"fmt"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/model"
)

// CellConfig is the dedicated configuration of a UE in one serving cell.
type CellConfig struct {
	CellIndex model.CellIndex `json:"cell_index"`
	// DLAckDelay is the slots between a PDSCH and its HARQ-ACK report.
	DLAckDelay uint16 `json:"dl_ack_delay"`
	// ULAckDelay is the slots between a PUSCH and its CRC indication.
	ULAckDelay uint16 `json:"ul_ack_delay"`
	// MaxLayers caps the rank used on this cell.
	MaxLayers uint8 `json:"max_layers"`
}

// Cell is the state of one UE in one serving cell. The HARQ processes live
// in the cell's pool; the Cell only addresses them by UE index.
type Cell struct {
	ue       model.UEIndex
	rnti     model.RNTI
	cfg      CellConfig
	pool     *harq.CellPool
	csi      model.ChannelQualityState
	lastSlot model.SlotPoint
	// active is false once the cell is removed from the UE's configuration.
	// Such a cell keeps ticking until its processes drain.
	active bool
}

func newCell(ue model.UEIndex, rnti model.RNTI, cfg CellConfig, pool *harq.CellPool) *Cell {
	if pool.Cell() != cfg.CellIndex {
		panic(fmt.Sprintf("ue: pool of cell %d given for cell %d", pool.Cell(), cfg.CellIndex))
	}
	return &Cell{ue: ue, rnti: rnti, cfg: cfg, pool: pool, active: true}
}

func (c *Cell) Index() model.CellIndex          { return c.cfg.CellIndex }
func (c *Cell) Config() CellConfig              { return c.cfg }
func (c *Cell) RNTI() model.RNTI                { return c.rnti }
func (c *Cell) Harqs() *harq.CellPool           { return c.pool }
func (c *Cell) CSI() model.ChannelQualityState  { return c.csi }
func (c *Cell) LastSlot() model.SlotPoint       { return c.lastSlot }
func (c *Cell) Active() bool                    { return c.active }
func (c *Cell) HasInFlight() bool               { return c.pool.HasInFlight(c.ue) }
func (c *Cell) NofBusy(dir model.Direction) int { return c.pool.NofBusy(c.ue, dir) }

// Lookup returns one of the UE's processes in this cell.
func (c *Cell) Lookup(dir model.Direction, id model.HarqID) *harq.Process {
	return c.pool.Lookup(c.ue, dir, id)
}

func (c *Cell) reconfigure(cfg CellConfig) {
	c.cfg = cfg
	c.active = true
}

// SlotIndication prunes the cell's processes and records the slot.
func (c *Cell) SlotIndication(slot model.SlotPoint) {
	c.pool.SlotIndication(slot)
	c.lastSlot = slot
}

// HandleCSIReport overwrites the channel state with the report. Fields the
// report does not carry become unreported.
func (c *Cell) HandleCSIReport(slot model.SlotPoint, report model.CSIReport) {
	next := model.ChannelQualityState{Slot: slot}
	if report.WidebandCQI != nil {
		cqi := *report.WidebandCQI
		if !cqi.Valid() {
			cqi = model.MaxCQI
		}
		next.WidebandCQI = cqi
	}
	if report.RI != nil {
		ri := *report.RI
		if c.cfg.MaxLayers > 0 && ri > c.cfg.MaxLayers {
			ri = c.cfg.MaxLayers
		}
		next.RI = ri
	}
	c.csi = next
}

// AllocateNewTx reserves a process for a new transmission at slot.
func (c *Cell) AllocateNewTx(dir model.Direction, slot model.SlotPoint) (model.HarqID, error) {
	return c.pool.Allocate(c.ue, dir, slot, c.ackDelay(dir))
}

// AllocateRetx reuses a NACKed process for a retransmission at slot.
func (c *Cell) AllocateRetx(dir model.Direction, id model.HarqID, slot model.SlotPoint) {
	c.pool.NewRetx(c.ue, dir, id, slot, c.ackDelay(dir))
}

// FindPendingRetx returns the oldest process waiting for retransmission.
func (c *Cell) FindPendingRetx(dir model.Direction) (model.HarqID, bool) {
	return c.pool.FindPendingRetx(c.ue, dir)
}

// SaveGrant records the grant of the current transmission together with
// the channel state it was sized for.
func (c *Cell) SaveGrant(dir model.Direction, id model.HarqID, tb model.TBInfo, payload []byte, params model.TxParams) {
	c.pool.SaveGrantParams(c.ue, dir, id, harq.AllocContext{CSI: c.csi, TB: tb, Payload: payload}, params)
}

// HandleAckInfo applies DL HARQ-ACK feedback against the current channel
// state.
func (c *Cell) HandleAckInfo(id model.HarqID, status model.AckStatus, feedbackSlot model.SlotPoint) harq.AckResult {
	return c.pool.AckInfo(c.ue, model.Downlink, id, status, feedbackSlot, c.csi)
}

// HandleCRCInfo applies an UL CRC indication.
func (c *Cell) HandleCRCInfo(id model.HarqID, crcOK bool, slot model.SlotPoint) harq.AckResult {
	status := model.Nack
	if crcOK {
		status = model.Ack
	}
	return c.pool.AckInfo(c.ue, model.Uplink, id, status, slot, c.csi)
}

// ULInFlightBytes sums the transport block sizes of busy UL processes.
func (c *Cell) ULInFlightBytes() uint32 {
	var total uint32
	c.pool.ForEachBusy(c.ue, model.Uplink, func(h *harq.Process) {
		total += h.LastTxParams().TBSBytes
	})
	return total
}

func (c *Cell) ackDelay(dir model.Direction) uint16 {
	if dir == model.Downlink {
		return c.cfg.DLAckDelay
	}
	return c.cfg.ULAckDelay
}
