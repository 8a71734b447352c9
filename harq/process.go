package harq

import (
	"fmt"

	"github.com/signalsfoundry/macsched/model"
)

// State is the lifecycle state of a HARQ process.
type State uint8

const (
	// Idle processes are free for allocation.
	Idle State = iota
	// Active processes are allocated for a transmission whose grant has
	// not been saved yet.
	Active
	// AwaitingAck processes have an issued grant and an acknowledgment
	// deadline.
	AwaitingAck
	// PendingRetx processes were NACKed and wait for the scheduler to
	// grant a retransmission.
	PendingRetx
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case AwaitingAck:
		return "awaiting_ack"
	case PendingRetx:
		return "pending_retx"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// AllocContext is what the scheduler knew when it built a grant.
type AllocContext struct {
	// CSI is the channel quality the grant was sized for. Only the CSI of
	// the original transmission is kept; retransmissions do not replace it.
	CSI model.ChannelQualityState
	// TB lists the sub-PDUs multiplexed into the transport block.
	TB model.TBInfo
	// Payload optionally holds the encoded transport block for
	// retransmission. Nil on a retransmission keeps the stored payload.
	Payload []byte
}

// Process is one HARQ process slot of a cell pool. Its fields are only
// mutated through CellPool methods.
type Process struct {
	ue  model.UEIndex
	dir model.Direction
	id  model.HarqID

	state        State
	txSlot       model.SlotPoint
	feedbackSlot model.SlotPoint
	deadline     model.SlotPoint
	nofRetxs     uint8
	maxRetxs     uint8
	ndi          bool

	params  model.TxParams
	csiAtTx model.ChannelQualityState
	tb      model.TBInfo
	payload []byte
}

func (p *Process) ID() model.HarqID              { return p.id }
func (p *Process) UE() model.UEIndex             { return p.ue }
func (p *Process) Direction() model.Direction    { return p.dir }
func (p *Process) State() State                  { return p.state }
func (p *Process) Empty() bool                   { return p.state == Idle }
func (p *Process) TxSlot() model.SlotPoint       { return p.txSlot }
func (p *Process) FeedbackSlot() model.SlotPoint { return p.feedbackSlot }

// Deadline is the acknowledgment deadline while AwaitingAck and the
// retransmission expiry while PendingRetx.
func (p *Process) Deadline() model.SlotPoint { return p.deadline }

func (p *Process) NofRetxs() uint8 { return p.nofRetxs }
func (p *Process) MaxRetxs() uint8 { return p.maxRetxs }
func (p *Process) NDI() bool       { return p.ndi }

// LastTxParams returns the grant snapshot of the latest transmission.
func (p *Process) LastTxParams() model.TxParams { return p.params }

// CSIAtTx returns the channel state recorded at the original transmission.
func (p *Process) CSIAtTx() model.ChannelQualityState { return p.csiAtTx }

// TBInfo returns the sub-PDU layout of the transport block.
func (p *Process) TBInfo() model.TBInfo { return p.tb }

// HasPendingRetx reports whether the process waits for a retransmission grant.
func (p *Process) HasPendingRetx() bool { return p.state == PendingRetx }

func (p *Process) String() string {
	return fmt.Sprintf("h%d ue=%d %s %s retx=%d/%d", p.id, p.ue, p.dir, p.state, p.nofRetxs, p.maxRetxs)
}

// reset returns the process to Idle and hands back its payload. The NDI is
// kept so the next new transmission toggles it.
func (p *Process) reset() []byte {
	payload := p.payload
	ndi := p.ndi
	*p = Process{ue: p.ue, dir: p.dir, id: p.id, ndi: ndi, tb: model.TBInfo{SubPDUs: p.tb.SubPDUs[:0]}}
	return payload
}
