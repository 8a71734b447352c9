// Package harq implements the HARQ process state machine and the bounded,
// per-cell pool that owns every process of the cell.
//
// The pool is an arena: all processes of all UEs are preallocated at
// construction and addressed by (UE, direction, HARQ id). A per-UE bitmask
// tracks free ids and a cell-wide bitmap tracks processes carrying a
// deadline, so the per-slot timeout sweep visits only busy processes, in a
// fixed order.
//
// A CellPool is not safe for concurrent use. It belongs to the goroutine
// driving the cell's slots.
package harq

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/linkadapt"
	"github.com/signalsfoundry/macsched/model"
)

// ErrPoolExhausted is returned by Allocate when every configured process of
// the UE in that direction is busy. Callers skip the UE for this slot.
var ErrPoolExhausted = errors.New("harq: pool exhausted")

// Config sizes a cell pool and sets its timing.
type Config struct {
	// MaxUEs is the number of UE slots reserved in the arena.
	MaxUEs int
	// NofDLHarqs and NofULHarqs are the processes per UE per direction.
	NofDLHarqs uint8
	NofULHarqs uint8
	// MaxDLRetxs and MaxULRetxs cap the retransmissions of a transport block.
	MaxDLRetxs uint8
	MaxULRetxs uint8
	// RoundTripSlots is added to the transmission slot to get the
	// acknowledgment deadline.
	RoundTripSlots uint16
	// RetxTimeoutSlots is how long a NACKed process may wait for a
	// retransmission grant before it is dropped.
	RetxTimeoutSlots uint16
}

// DefaultConfig returns the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxUEs:           64,
		NofDLHarqs:       model.MaxHarqsPerUE,
		NofULHarqs:       model.MaxHarqsPerUE,
		MaxDLRetxs:       4,
		MaxULRetxs:       4,
		RoundTripSlots:   8,
		RetxTimeoutSlots: 32,
	}
}

// Validate checks that the config describes a usable pool.
func (c Config) Validate() error {
	if c.MaxUEs <= 0 || c.MaxUEs > model.MaxUEs {
		return fmt.Errorf("max ues %d outside [1, %d]", c.MaxUEs, model.MaxUEs)
	}
	if c.NofDLHarqs == 0 || c.NofDLHarqs > model.MaxHarqsPerUE {
		return fmt.Errorf("dl harqs %d outside [1, %d]", c.NofDLHarqs, model.MaxHarqsPerUE)
	}
	if c.NofULHarqs == 0 || c.NofULHarqs > model.MaxHarqsPerUE {
		return fmt.Errorf("ul harqs %d outside [1, %d]", c.NofULHarqs, model.MaxHarqsPerUE)
	}
	if c.RoundTripSlots == 0 {
		return errors.New("round trip slots must be positive")
	}
	if c.RetxTimeoutSlots == 0 {
		return errors.New("retx timeout slots must be positive")
	}
	return nil
}

// Outcome classifies the effect of HARQ feedback.
type Outcome uint8

const (
	// Acked means the transport block was delivered and the process freed.
	Acked Outcome = iota
	// RetxPending means the process waits for a retransmission grant.
	RetxPending
	// Failed means the transport block was given up and the process freed.
	Failed
	// Stale means the feedback did not match a process awaiting it and
	// was ignored.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case RetxPending:
		return "retx_pending"
	case Failed:
		return "failed"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// AckResult reports what AckInfo did.
type AckResult struct {
	Outcome Outcome
	// TBSBytes is the size of the acknowledged or failed transport block.
	TBSBytes uint32
	// MaxRetxReached is set when a NACK arrived on the last allowed attempt.
	MaxRetxReached bool
	// Suppressed is set when link adaptation vetoed the retransmission.
	Suppressed linkadapt.Reason
}

// Option customises CellPool construction.
type Option func(*CellPool)

// WithTimeoutNotifier registers the receiver of acknowledgment timeouts.
func WithTimeoutNotifier(n TimeoutNotifier) Option {
	return func(p *CellPool) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(p *CellPool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithPayloadReleaser registers where freed payload buffers go.
func WithPayloadReleaser(r PayloadReleaser) Option {
	return func(p *CellPool) {
		p.releaser = r
	}
}

// WithGate sets the link adaptation gate applied to DL NACKs.
func WithGate(g linkadapt.Gate) Option {
	return func(p *CellPool) {
		p.gate = g
	}
}

// CellPool owns the HARQ processes of one cell.
type CellPool struct {
	cell model.CellIndex
	cfg  Config
	gate linkadapt.Gate

	procs [model.NofDirections][]Process
	// free holds one bitmask per UE; bit h set means HARQ id h is free.
	free [model.NofDirections][]uint16
	// timed marks processes in AwaitingAck or PendingRetx.
	timed [model.NofDirections][]uint64

	lastSlot model.SlotPoint

	notifier TimeoutNotifier
	observer Observer
	releaser PayloadReleaser
	log      logging.Logger
}

// NewCellPool preallocates cfg.MaxUEs × harqs processes per direction. An
// invalid config panics; validate it first with Config.Validate.
func NewCellPool(cell model.CellIndex, cfg Config, log logging.Logger, opts ...Option) *CellPool {
	cell.MustValidate()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("harq: invalid pool config: %v", err))
	}
	if log == nil {
		log = logging.Noop()
	}

	p := &CellPool{
		cell:     cell,
		cfg:      cfg,
		gate:     linkadapt.NewGate(linkadapt.DefaultCQIMargin),
		notifier: nopNotifier{},
		observer: NopObserver{},
		log:      log.With(logging.Int("cell", int(cell))),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, dir := range []model.Direction{model.Downlink, model.Uplink} {
		n := p.NofHarqs(dir)
		total := cfg.MaxUEs * n
		procs := make([]Process, total)
		for i := range procs {
			procs[i] = Process{ue: model.UEIndex(i / n), dir: dir, id: model.HarqID(i % n)}
		}
		p.procs[dir] = procs

		mask := uint16(1<<n - 1)
		free := make([]uint16, cfg.MaxUEs)
		for i := range free {
			free[i] = mask
		}
		p.free[dir] = free
		p.timed[dir] = make([]uint64, (total+63)/64)
	}
	return p
}

// Cell returns the cell the pool belongs to.
func (p *CellPool) Cell() model.CellIndex { return p.cell }

// Config returns the pool configuration.
func (p *CellPool) Config() Config { return p.cfg }

// LastSlot returns the last slot processed by SlotIndication.
func (p *CellPool) LastSlot() model.SlotPoint { return p.lastSlot }

// NofHarqs returns the processes per UE in the given direction.
func (p *CellPool) NofHarqs(dir model.Direction) int {
	dir.MustValidate()
	if dir == model.Downlink {
		return int(p.cfg.NofDLHarqs)
	}
	return int(p.cfg.NofULHarqs)
}

func (p *CellPool) maxRetxs(dir model.Direction) uint8 {
	if dir == model.Downlink {
		return p.cfg.MaxDLRetxs
	}
	return p.cfg.MaxULRetxs
}

func (p *CellPool) index(ue model.UEIndex, dir model.Direction, id model.HarqID) int {
	ue.MustValidate()
	dir.MustValidate()
	n := p.NofHarqs(dir)
	if int(ue) >= p.cfg.MaxUEs {
		panic(fmt.Sprintf("harq: ue %d beyond pool capacity %d in cell %d", ue, p.cfg.MaxUEs, p.cell))
	}
	if int(id) >= n {
		panic(fmt.Sprintf("harq: harq id %d out of range (%d configured) in cell %d", id, n, p.cell))
	}
	return int(ue)*n + int(id)
}

func (p *CellPool) proc(ue model.UEIndex, dir model.Direction, id model.HarqID) *Process {
	return &p.procs[dir][p.index(ue, dir, id)]
}

// Get returns a busy process. Asking for an idle process is a programming
// error and panics rather than returning recycled state.
func (p *CellPool) Get(ue model.UEIndex, dir model.Direction, id model.HarqID) *Process {
	h := p.proc(ue, dir, id)
	if h.state == Idle {
		panic(fmt.Sprintf("harq: access to idle process %d of ue %d %s in cell %d", id, ue, dir, p.cell))
	}
	return h
}

// Lookup returns the process regardless of state. The returned value must
// not be retained across slots.
func (p *CellPool) Lookup(ue model.UEIndex, dir model.Direction, id model.HarqID) *Process {
	return p.proc(ue, dir, id)
}

// Allocate reserves the lowest free HARQ id of the UE for a new
// transmission at slot whose feedback is expected ackDelay slots later.
func (p *CellPool) Allocate(ue model.UEIndex, dir model.Direction, slot model.SlotPoint, ackDelay uint16) (model.HarqID, error) {
	p.index(ue, dir, 0)
	if !slot.Valid() {
		panic("harq: allocation at invalid slot")
	}
	if ackDelay >= p.cfg.RoundTripSlots {
		panic(fmt.Sprintf("harq: ack delay %d not below round trip %d", ackDelay, p.cfg.RoundTripSlots))
	}

	mask := p.free[dir][ue]
	if mask == 0 {
		p.observer.OnHarqAllocFailure(p.cell, dir)
		return 0, fmt.Errorf("%w: ue %d %s in cell %d", ErrPoolExhausted, ue, dir, p.cell)
	}
	id := model.HarqID(bits.TrailingZeros16(mask))
	p.free[dir][ue] = mask &^ (1 << id)

	h := p.proc(ue, dir, id)
	h.state = Active
	h.txSlot = slot
	h.feedbackSlot = slot.Add(int(ackDelay))
	h.nofRetxs = 0
	h.maxRetxs = p.maxRetxs(dir)
	h.ndi = !h.ndi
	return id, nil
}

// SaveGrantParams records the grant of the current transmission, new or
// retransmission, and starts the acknowledgment deadline. It must be called
// exactly once per transmission, on an Active process.
func (p *CellPool) SaveGrantParams(ue model.UEIndex, dir model.Direction, id model.HarqID, ctx AllocContext, params model.TxParams) {
	idx := p.index(ue, dir, id)
	h := &p.procs[dir][idx]
	if h.state != Active {
		panic(fmt.Sprintf("harq: saving grant of process %s in cell %d", h, p.cell))
	}
	if !params.Valid() {
		panic(fmt.Sprintf("harq: invalid grant params %+v for process %s", params, h))
	}

	params.NDI = h.ndi
	h.params = params
	if h.nofRetxs == 0 {
		h.csiAtTx = ctx.CSI
		h.tb.SubPDUs = append(h.tb.SubPDUs[:0], ctx.TB.SubPDUs...)
	}
	if ctx.Payload != nil {
		if h.payload != nil && !sameBuffer(h.payload, ctx.Payload) {
			p.releasePayload(h.payload)
		}
		h.payload = ctx.Payload
	}

	h.deadline = h.txSlot.Add(int(p.cfg.RoundTripSlots))
	h.state = AwaitingAck
	p.setTimed(dir, idx)
}

// AckInfo applies peer feedback for a process. feedbackSlot is the slot the
// feedback refers to; when valid it must match the slot recorded at
// allocation or the feedback is treated as stale. DTX counts as NACK.
//
// On NACK the DL link adaptation gate compares current against the CSI of
// the original transmission. UL processes are not gated.
func (p *CellPool) AckInfo(ue model.UEIndex, dir model.Direction, id model.HarqID, status model.AckStatus, feedbackSlot model.SlotPoint, current model.ChannelQualityState) AckResult {
	idx := p.index(ue, dir, id)
	h := &p.procs[dir][idx]

	if h.state != AwaitingAck || (feedbackSlot.Valid() && !feedbackSlot.Equal(h.feedbackSlot)) {
		p.observer.OnHarqFeedback(p.cell, dir, Stale)
		return AckResult{Outcome: Stale}
	}

	res := AckResult{TBSBytes: h.params.TBSBytes}
	switch {
	case status == model.Ack:
		res.Outcome = Acked
	case h.nofRetxs >= h.maxRetxs:
		res.Outcome = Failed
		res.MaxRetxReached = true
	default:
		reason := linkadapt.Allowed
		if dir == model.Downlink {
			reason = p.gate.Decide(h.csiAtTx, current)
		}
		if reason != linkadapt.Allowed {
			res.Outcome = Failed
			res.Suppressed = reason
			p.observer.OnRetxSuppressed(p.cell, reason)
		} else {
			res.Outcome = RetxPending
		}
	}

	p.observer.OnHarqFeedback(p.cell, dir, res.Outcome)
	if res.Outcome == RetxPending {
		now := p.lastSlot
		if !now.Valid() || now.Before(h.feedbackSlot) {
			now = h.feedbackSlot
		}
		h.state = PendingRetx
		h.deadline = now.Add(int(p.cfg.RetxTimeoutSlots))
		return res
	}
	p.free1(dir, idx)
	return res
}

// NewRetx reuses a PendingRetx process for a retransmission at slot. The
// retransmission count is incremented and SaveGrantParams must follow.
func (p *CellPool) NewRetx(ue model.UEIndex, dir model.Direction, id model.HarqID, slot model.SlotPoint, ackDelay uint16) {
	idx := p.index(ue, dir, id)
	h := &p.procs[dir][idx]
	if h.state != PendingRetx {
		panic(fmt.Sprintf("harq: retransmission of process %s in cell %d", h, p.cell))
	}
	if ackDelay >= p.cfg.RoundTripSlots {
		panic(fmt.Sprintf("harq: ack delay %d not below round trip %d", ackDelay, p.cfg.RoundTripSlots))
	}
	p.clearTimed(dir, idx)
	h.state = Active
	h.nofRetxs++
	h.txSlot = slot
	h.feedbackSlot = slot.Add(int(ackDelay))
	h.deadline = model.SlotPoint{}
}

// Release frees a busy process without feedback. Releasing an idle process
// is a no-op.
func (p *CellPool) Release(ue model.UEIndex, dir model.Direction, id model.HarqID) {
	idx := p.index(ue, dir, id)
	if p.procs[dir][idx].state == Idle {
		return
	}
	p.free1(dir, idx)
}

// FindPendingRetx returns the UE's NACKed process with the oldest
// transmission slot.
func (p *CellPool) FindPendingRetx(ue model.UEIndex, dir model.Direction) (model.HarqID, bool) {
	base := p.index(ue, dir, 0)
	n := p.NofHarqs(dir)
	best := -1
	for i := 0; i < n; i++ {
		h := &p.procs[dir][base+i]
		if h.state != PendingRetx {
			continue
		}
		if best < 0 || h.txSlot.Before(p.procs[dir][base+best].txSlot) {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return model.HarqID(best), true
}

// ForEachBusy calls fn for every non-idle process of the UE, in id order.
func (p *CellPool) ForEachBusy(ue model.UEIndex, dir model.Direction, fn func(h *Process)) {
	base := p.index(ue, dir, 0)
	n := p.NofHarqs(dir)
	for i := 0; i < n; i++ {
		h := &p.procs[dir][base+i]
		if h.state != Idle {
			fn(h)
		}
	}
}

// NofBusy returns the UE's non-idle processes in a direction.
func (p *CellPool) NofBusy(ue model.UEIndex, dir model.Direction) int {
	p.index(ue, dir, 0)
	mask := uint16(1<<p.NofHarqs(dir) - 1)
	return bits.OnesCount16(mask &^ p.free[dir][ue])
}

// HasInFlight reports whether any process of the UE is busy in either
// direction.
func (p *CellPool) HasInFlight(ue model.UEIndex) bool {
	return p.NofBusy(ue, model.Downlink) > 0 || p.NofBusy(ue, model.Uplink) > 0
}

// SlotIndication expires every process whose deadline is at or before slot.
// Slots must arrive in increasing order; repeating the last slot is a
// no-op, going backwards panics. A gap is reported as skipped slots and
// the sweep still catches every deadline that fell inside it.
//
// Processes are visited DL first, then UL, by UE index and HARQ id.
func (p *CellPool) SlotIndication(slot model.SlotPoint) {
	if !slot.Valid() {
		panic("harq: slot indication with invalid slot")
	}
	if p.lastSlot.Valid() {
		d := slot.Sub(p.lastSlot)
		if d == 0 {
			return
		}
		if d < 0 {
			panic(fmt.Sprintf("harq: slot %v delivered after %v in cell %d", slot, p.lastSlot, p.cell))
		}
		if d > 1 {
			p.observer.OnSlotsSkipped(p.cell, d-1)
			p.log.Warn(context.Background(), "slot indications skipped",
				logging.String("slot", slot.String()),
				logging.String("last_slot", p.lastSlot.String()),
				logging.Int("skipped", d-1),
			)
		}
	}
	p.lastSlot = slot

	for _, dir := range []model.Direction{model.Downlink, model.Uplink} {
		words := p.timed[dir]
		for w, word := range words {
			for word != 0 {
				b := bits.TrailingZeros64(word)
				word &= word - 1
				idx := w*64 + b
				h := &p.procs[dir][idx]
				if slot.AtOrAfter(h.deadline) {
					p.expire(dir, idx, slot)
				}
			}
		}
	}
}

func (p *CellPool) expire(dir model.Direction, idx int, slot model.SlotPoint) {
	h := &p.procs[dir][idx]
	ue := h.ue
	switch h.state {
	case AwaitingAck:
		p.log.Debug(context.Background(), "harq ack timeout",
			logging.Int("ue", int(ue)),
			logging.Int("harq", int(h.id)),
			logging.String("direction", dir.String()),
			logging.String("slot", slot.String()),
			logging.Int("retxs", int(h.nofRetxs)),
		)
		p.free1(dir, idx)
		p.notifier.NotifyHarqTimeout(ue, p.cell, dir)
	case PendingRetx:
		p.free1(dir, idx)
		p.observer.OnRetxExpired(p.cell, dir)
	default:
		panic(fmt.Sprintf("harq: timed process in state %s", h.state))
	}
}

// free1 returns one process to Idle and to the UE's free mask.
func (p *CellPool) free1(dir model.Direction, idx int) {
	h := &p.procs[dir][idx]
	ue, id := h.ue, h.id
	p.clearTimed(dir, idx)
	if payload := h.reset(); payload != nil {
		p.releasePayload(payload)
	}
	p.free[dir][ue] |= 1 << id
}

func (p *CellPool) releasePayload(buf []byte) {
	if p.releaser != nil {
		p.releaser.ReleasePayload(buf)
	}
}

func sameBuffer(a, b []byte) bool {
	return cap(a) > 0 && cap(b) > 0 && &a[:1][0] == &b[:1][0]
}

func (p *CellPool) setTimed(dir model.Direction, idx int) {
	p.timed[dir][idx/64] |= 1 << (idx % 64)
}

func (p *CellPool) clearTimed(dir model.Direction, idx int) {
	p.timed[dir][idx/64] &^= 1 << (idx % 64)
}
