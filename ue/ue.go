// Package ue holds the per-UE scheduler context: its serving cells, its
// logical channel managers, and the operations the slot scheduler drives
// on them.
//
// A UE belongs to the goroutine of its cell group and is not safe for
// concurrent use.
package ue

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/logicalchannel"
	"github.com/signalsfoundry/macsched/model"
)

var (
	// ErrUnknownCell is returned when a request names a cell without a pool.
	ErrUnknownCell = errors.New("ue: unknown cell")
	// ErrPCellRemoval is returned when a reconfiguration drops the PCell.
	ErrPCellRemoval = errors.New("ue: pcell cannot be removed")
	// ErrNoCells is returned for a creation request without cells.
	ErrNoCells = errors.New("ue: no serving cells")
)

// DefaultSRGrantBytes is the UL grant given to a UE with a pending
// scheduling request and no reported data, enough for it to send a BSR.
const DefaultSRGrantBytes = 512

// PoolLookup returns the HARQ pool of a cell of the cell group.
type PoolLookup func(cell model.CellIndex) (*harq.CellPool, bool)

// ExpertConfig holds tuning values shared by every UE of a cell group.
type ExpertConfig struct {
	SRGrantBytes uint32 `json:"sr_grant_bytes"`
}

// CreateRequest describes a UE to add. Cells[0] is the PCell.
type CreateRequest struct {
	Index           model.UEIndex                `json:"ue_index"`
	RNTI            model.RNTI                   `json:"rnti"`
	Cells           []CellConfig                 `json:"cells"`
	LogicalChannels []model.LogicalChannelConfig `json:"logical_channels"`
}

// ReconfigurationRequest replaces the cells and logical channels of a UE.
type ReconfigurationRequest struct {
	Cells           []CellConfig                 `json:"cells"`
	LogicalChannels []model.LogicalChannelConfig `json:"logical_channels"`
}

// Deps carries what a UE needs from its cell group.
type Deps struct {
	Pools  PoolLookup
	Expert ExpertConfig
	Logger logging.Logger
}

// UE is the scheduler context of one UE.
type UE struct {
	index model.UEIndex
	rnti  model.RNTI
	pcell model.CellIndex

	cells [model.MaxCells]*Cell
	// order lists serving cells, PCell first, then by cell index.
	order []*Cell

	dl *logicalchannel.DLManager
	ul *logicalchannel.ULManager

	lcConfigs   []model.LogicalChannelConfig
	deactivated bool
	configErr   error

	pools  PoolLookup
	expert ExpertConfig
	log    logging.Logger
}

// New builds a UE from a creation request. Every cell in the request must
// have a pool; a request the UE cannot honour is rejected whole.
func New(req CreateRequest, deps Deps) (*UE, error) {
	req.Index.MustValidate()
	if len(req.Cells) == 0 {
		return nil, fmt.Errorf("ue %d: %w", req.Index, ErrNoCells)
	}
	for _, lc := range req.LogicalChannels {
		if err := lc.Validate(); err != nil {
			return nil, fmt.Errorf("ue %d: %w", req.Index, err)
		}
	}
	log := deps.Logger
	if log == nil {
		log = logging.Noop()
	}
	expert := deps.Expert
	if expert.SRGrantBytes == 0 {
		expert.SRGrantBytes = DefaultSRGrantBytes
	}

	u := &UE{
		index:  req.Index,
		rnti:   req.RNTI,
		pcell:  req.Cells[0].CellIndex,
		dl:     logicalchannel.NewDLManager(),
		ul:     logicalchannel.NewULManager(),
		pools:  deps.Pools,
		expert: expert,
		log:    log.With(logging.Int("ue", int(req.Index)), logging.String("rnti", req.RNTI.String())),
	}
	for _, cfg := range req.Cells {
		cfg.CellIndex.MustValidate()
		pool, ok := u.lookupPool(cfg.CellIndex)
		if !ok {
			return nil, fmt.Errorf("ue %d: cell %d: %w", req.Index, cfg.CellIndex, ErrUnknownCell)
		}
		if u.cells[cfg.CellIndex] != nil {
			return nil, fmt.Errorf("ue %d: cell %d listed twice", req.Index, cfg.CellIndex)
		}
		u.cells[cfg.CellIndex] = newCell(u.index, u.rnti, cfg, pool)
	}
	u.rebuildOrder()

	u.lcConfigs = slices.Clone(req.LogicalChannels)
	u.dl.Configure(u.lcConfigs)
	u.ul.Configure(u.lcConfigs)
	return u, nil
}

func (u *UE) lookupPool(cell model.CellIndex) (*harq.CellPool, bool) {
	if u.pools == nil {
		return nil, false
	}
	pool, ok := u.pools(cell)
	return pool, ok && pool != nil
}

func (u *UE) rebuildOrder() {
	u.order = u.order[:0]
	if pc := u.cells[u.pcell]; pc != nil {
		u.order = append(u.order, pc)
	}
	for i, c := range u.cells {
		if c != nil && model.CellIndex(i) != u.pcell {
			u.order = append(u.order, c)
		}
	}
}

func (u *UE) Index() model.UEIndex          { return u.index }
func (u *UE) RNTI() model.RNTI              { return u.rnti }
func (u *UE) PCell() *Cell                  { return u.cells[u.pcell] }
func (u *UE) DL() *logicalchannel.DLManager { return u.dl }
func (u *UE) UL() *logicalchannel.ULManager { return u.ul }
func (u *UE) Deactivated() bool             { return u.deactivated }
func (u *UE) ConfigErrors() error           { return u.configErr }
func (u *UE) Expert() ExpertConfig          { return u.expert }
func (u *UE) Logger() logging.Logger        { return u.log }

// LogicalChannels returns a copy of the applied logical channel configs.
func (u *UE) LogicalChannels() []model.LogicalChannelConfig {
	return slices.Clone(u.lcConfigs)
}

// Cell returns the UE's context in a cell, including a removed cell that
// is still draining.
func (u *UE) Cell(idx model.CellIndex) (*Cell, bool) {
	idx.MustValidate()
	c := u.cells[idx]
	return c, c != nil
}

// Cells returns the serving cells, PCell first. The slice is shared and
// must not be modified.
func (u *UE) Cells() []*Cell { return u.order }

// SlotIndication forwards the slot to every cell of the UE and forgets
// removed cells whose processes have drained.
func (u *UE) SlotIndication(slot model.SlotPoint) {
	dropped := false
	for _, c := range u.order {
		c.SlotIndication(slot)
		if !c.active && !c.HasInFlight() {
			u.cells[c.Index()] = nil
			dropped = true
		}
	}
	if dropped {
		u.rebuildOrder()
	}
}

// Deactivate disables every DL logical channel and every UL logical
// channel group. Buffer state and in-flight HARQ processes are kept so the
// processes can finish by ack or timeout. Calling it again has no effect.
func (u *UE) Deactivate() {
	for lcid := model.LCIDSRB0; lcid <= model.LCIDMaxDRB; lcid++ {
		u.dl.SetStatus(lcid, false)
	}
	for lcg := model.LCGID(0); lcg <= model.MaxLCGID; lcg++ {
		u.ul.SetStatus(lcg, false)
	}
	if !u.deactivated {
		u.log.Info(context.Background(), "ue deactivated")
	}
	u.deactivated = true
}

// HandleReconfigurationRequest applies new logical channels and cells.
// Cells are handled one by one: a cell without a pool or an attempt to drop
// the PCell is recorded in the returned error and skipped while the rest of
// the request still applies. Removed cells stop being scheduled but keep
// their processes until ack or timeout.
func (u *UE) HandleReconfigurationRequest(ctx context.Context, req ReconfigurationRequest) error {
	ctx, log := logging.WithProcedureLogger(ctx, u.log, "ue_reconfiguration")

	var errs []error
	lcs := make([]model.LogicalChannelConfig, 0, len(req.LogicalChannels))
	for _, lc := range req.LogicalChannels {
		if err := lc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		lcs = append(lcs, lc)
	}
	u.lcConfigs = lcs
	u.dl.Configure(lcs)
	u.ul.Configure(lcs)
	if u.deactivated {
		u.Deactivate()
	}

	var wanted [model.MaxCells]bool
	for _, cfg := range req.Cells {
		if !cfg.CellIndex.Valid() {
			errs = append(errs, fmt.Errorf("cell %d: %w", cfg.CellIndex, ErrUnknownCell))
			continue
		}
		if c := u.cells[cfg.CellIndex]; c != nil {
			wanted[cfg.CellIndex] = true
			c.reconfigure(cfg)
			continue
		}
		pool, ok := u.lookupPool(cfg.CellIndex)
		if !ok {
			errs = append(errs, fmt.Errorf("cell %d: %w", cfg.CellIndex, ErrUnknownCell))
			continue
		}
		wanted[cfg.CellIndex] = true
		u.cells[cfg.CellIndex] = newCell(u.index, u.rnti, cfg, pool)
		log.Info(ctx, "serving cell added", logging.Int("cell", int(cfg.CellIndex)))
	}

	for i, c := range u.cells {
		if c == nil || wanted[i] || !c.active {
			continue
		}
		if model.CellIndex(i) == u.pcell {
			errs = append(errs, fmt.Errorf("cell %d: %w", i, ErrPCellRemoval))
			continue
		}
		c.active = false
		log.Info(ctx, "serving cell removed",
			logging.Int("cell", i),
			logging.Int("dl_in_flight", c.NofBusy(model.Downlink)),
			logging.Int("ul_in_flight", c.NofBusy(model.Uplink)),
		)
	}
	u.rebuildOrder()

	u.configErr = errors.Join(errs...)
	if u.configErr != nil {
		log.Warn(ctx, "reconfiguration partially applied", logging.Err(u.configErr))
	}
	return u.configErr
}

// HandleCSIReport applies a CSI report received in slot on a cell.
func (u *UE) HandleCSIReport(cell model.CellIndex, slot model.SlotPoint, report model.CSIReport) error {
	c, err := u.activeCell(cell)
	if err != nil {
		return err
	}
	c.HandleCSIReport(slot, report)
	return nil
}

// HandleDLBufferState records the pending bytes of a DL logical channel.
func (u *UE) HandleDLBufferState(lcid model.LCID, bytes uint32) {
	if !u.dl.HandleBufferState(lcid, bytes) {
		u.log.Debug(context.Background(), "buffer state for unconfigured lcid", logging.Int("lcid", int(lcid)))
	}
}

// HandleMACCE queues a DL MAC control element.
func (u *UE) HandleMACCE(kind model.MACCEKind) { u.dl.HandleMACCE(kind) }

// HandleConResID queues the contention resolution identity.
func (u *UE) HandleConResID() { u.dl.HandleMACCE(model.CEConResID) }

// HandleBSR applies an UL buffer status report.
func (u *UE) HandleBSR(bsr model.BSRReport) error { return u.ul.HandleBSR(bsr) }

// HandleSR records an UL scheduling request.
func (u *UE) HandleSR() { u.ul.HandleSR() }

// HandleDLAckInfo applies DL HARQ-ACK feedback received for a cell.
// Feedback for a cell the UE no longer has is stale.
func (u *UE) HandleDLAckInfo(cell model.CellIndex, id model.HarqID, status model.AckStatus, feedbackSlot model.SlotPoint) harq.AckResult {
	c, ok := u.Cell(cell)
	if !ok {
		return harq.AckResult{Outcome: harq.Stale}
	}
	return c.HandleAckInfo(id, status, feedbackSlot)
}

// HandleULCRCInfo applies an UL CRC indication received for a cell.
func (u *UE) HandleULCRCInfo(cell model.CellIndex, id model.HarqID, crcOK bool, slot model.SlotPoint) harq.AckResult {
	c, ok := u.Cell(cell)
	if !ok {
		return harq.AckResult{Outcome: harq.Stale}
	}
	return c.HandleCRCInfo(id, crcOK, slot)
}

// HasInFlight reports whether any cell of the UE has a busy process.
func (u *UE) HasInFlight() bool {
	for _, c := range u.order {
		if c.HasInFlight() {
			return true
		}
	}
	return false
}

// PendingDLNewTxBytes returns the DL bytes waiting for a new transmission.
// While SRB0 holds data only SRB0 and the contention resolution identity
// count.
func (u *UE) PendingDLNewTxBytes() uint32 {
	if u.dl.BootstrapPending() {
		return u.PendingDLSRB0NewTxBytes()
	}
	return u.dl.PendingBytes()
}

// PendingDLSRB0NewTxBytes returns SRB0 bytes plus the contention
// resolution identity, or zero when SRB0 is empty.
func (u *UE) PendingDLSRB0NewTxBytes() uint32 {
	n := u.dl.PendingBytesFor(model.LCIDSRB0)
	if n == 0 {
		return 0
	}
	return n + u.dl.PendingConResCEBytes()
}

// PendingULNewTxBytes returns the reported UL bytes minus those already
// granted to busy UL processes. When nothing remains and a scheduling
// request is pending it returns the SR grant size.
func (u *UE) PendingULNewTxBytes() uint32 {
	pending := u.ul.PendingBytes()
	for _, c := range u.order {
		if pending == 0 {
			break
		}
		pending -= min(pending, c.ULInFlightBytes())
	}
	if pending > 0 {
		return pending
	}
	if u.ul.HasPendingSR() {
		return u.expert.SRGrantBytes
	}
	return 0
}

// BuildDLTransportBlockInfo fills tb with control elements and then bearer
// data, up to capacity bytes. It returns the bytes placed.
func (u *UE) BuildDLTransportBlockInfo(tb *model.TBInfo, capacity uint32) uint32 {
	return u.dl.Allocate(tb, capacity)
}

// BuildDLSRB0TransportBlockInfo fills tb with the contention resolution
// identity and SRB0 data only.
func (u *UE) BuildDLSRB0TransportBlockInfo(tb *model.TBInfo, capacity uint32) uint32 {
	return u.dl.AllocateBootstrap(tb, capacity)
}

// BuildULTransportBlockInfo splits an UL grant of capacity bytes over the
// reported groups. The grant is discounted from PendingULNewTxBytes through
// its HARQ process once SaveGrant records the TBS.
func (u *UE) BuildULTransportBlockInfo(capacity uint32) logicalchannel.ULAllocation {
	return u.ul.Allocate(capacity)
}

func (u *UE) activeCell(cell model.CellIndex) (*Cell, error) {
	if !cell.Valid() {
		return nil, fmt.Errorf("cell %d: %w", cell, ErrUnknownCell)
	}
	c := u.cells[cell]
	if c == nil || !c.active {
		return nil, fmt.Errorf("ue %d cell %d: %w", u.index, cell, ErrUnknownCell)
	}
	return c, nil
}
