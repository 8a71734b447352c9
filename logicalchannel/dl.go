// Package logicalchannel tracks the buffer status of a UE's bearers and
// fills transport blocks from it.
//
// The DL manager works per logical channel and also queues the MAC control
// elements waiting for transmission. The UL manager works per logical
// channel group, which is the granularity of buffer status reports, and
// tracks the pending scheduling request.
//
// Neither manager is safe for concurrent use.
package logicalchannel

import (
	"fmt"
	"slices"

	"github.com/signalsfoundry/macsched/model"
)

type dlChannel struct {
	configured bool
	active     bool
	lcg        model.LCGID
	pending    uint32
}

// DLManager holds the downlink bearers of one UE.
type DLManager struct {
	channels [model.MaxLCID + 1]dlChannel
	// order lists configured LCIDs by LCG, then LCID.
	order []model.LCID

	conResPending bool
	ces           []model.MACCEKind
}

// NewDLManager returns a manager with only the bootstrap bearer, SRB0,
// configured and active.
func NewDLManager() *DLManager {
	m := &DLManager{order: make([]model.LCID, 0, model.MaxLCID+1)}
	m.channels[model.LCIDSRB0] = dlChannel{configured: true, active: true}
	m.rebuildOrder()
	return m
}

// Configure replaces the bearer set. Listed channels are configured and
// enabled. A previously configured channel missing from the list is
// disabled and its pending bytes are discarded, so a reused LCID starts
// clean. SRB0 stays configured whether or not it is listed.
func (m *DLManager) Configure(cfgs []model.LogicalChannelConfig) {
	var listed [model.MaxLCID + 1]bool
	for _, c := range cfgs {
		c.LCID.MustValidate()
		c.LCGID.MustValidate()
		listed[c.LCID] = true
		ch := &m.channels[c.LCID]
		if !ch.configured {
			ch.pending = 0
		}
		ch.configured = true
		ch.active = true
		ch.lcg = c.LCGID
	}
	for lcid := range m.channels {
		if listed[lcid] || model.LCID(lcid) == model.LCIDSRB0 {
			continue
		}
		m.channels[lcid] = dlChannel{}
	}
	m.rebuildOrder()
}

func (m *DLManager) rebuildOrder() {
	m.order = m.order[:0]
	for lcid, ch := range m.channels {
		if ch.configured {
			m.order = append(m.order, model.LCID(lcid))
		}
	}
	slices.SortStableFunc(m.order, func(a, b model.LCID) int {
		return int(m.channels[a].lcg) - int(m.channels[b].lcg)
	})
}

// SetStatus enables or disables a channel for allocation. The pending byte
// count is kept. Unconfigured channels are ignored.
func (m *DLManager) SetStatus(lcid model.LCID, enabled bool) {
	lcid.MustValidate()
	ch := &m.channels[lcid]
	if !ch.configured {
		return
	}
	ch.active = enabled
}

// IsActive reports whether the channel is configured and enabled.
func (m *DLManager) IsActive(lcid model.LCID) bool {
	lcid.MustValidate()
	ch := m.channels[lcid]
	return ch.configured && ch.active
}

// HandleBufferState overwrites the pending bytes of a channel with the
// latest report from the upper layers. Reports for unconfigured channels
// are dropped and false is returned.
func (m *DLManager) HandleBufferState(lcid model.LCID, bytes uint32) bool {
	lcid.MustValidate()
	ch := &m.channels[lcid]
	if !ch.configured {
		return false
	}
	ch.pending = bytes
	return true
}

// HandleMACCE queues a control element for transmission. A contention
// resolution identity is held once; other kinds queue in arrival order.
func (m *DLManager) HandleMACCE(kind model.MACCEKind) {
	switch kind {
	case model.CEConResID:
		m.conResPending = true
	case model.CETimingAdvance, model.CEDRX:
		m.ces = append(m.ces, kind)
	default:
		panic(fmt.Sprintf("logicalchannel: unknown mac ce %d", kind))
	}
}

// HasPendingConResCE reports whether a contention resolution identity waits.
func (m *DLManager) HasPendingConResCE() bool { return m.conResPending }

// PendingConResCEBytes returns the size of the waiting contention
// resolution identity, or zero.
func (m *DLManager) PendingConResCEBytes() uint32 {
	if m.conResPending {
		return model.CEConResID.Size()
	}
	return 0
}

// PendingCEBytes returns the size of every queued control element.
func (m *DLManager) PendingCEBytes() uint32 {
	total := m.PendingConResCEBytes()
	for _, ce := range m.ces {
		total += ce.Size()
	}
	return total
}

// PendingBytesFor returns the pending bytes of one channel, zero when it is
// disabled.
func (m *DLManager) PendingBytesFor(lcid model.LCID) uint32 {
	lcid.MustValidate()
	ch := m.channels[lcid]
	if !ch.configured || !ch.active {
		return 0
	}
	return ch.pending
}

// PendingBytes returns the bytes of every enabled channel plus queued
// control elements.
func (m *DLManager) PendingBytes() uint32 {
	total := m.PendingCEBytes()
	for _, lcid := range m.order {
		total += m.PendingBytesFor(lcid)
	}
	return total
}

// HasPendingBytes reports whether anything waits for transmission.
func (m *DLManager) HasPendingBytes() bool { return m.PendingBytes() > 0 }

// BootstrapPending reports whether SRB0 holds data, in which case only SRB0
// and the contention resolution identity may be scheduled.
func (m *DLManager) BootstrapPending() bool {
	return m.PendingBytesFor(model.LCIDSRB0) > 0
}

// Allocate fills a transport block of capacity bytes: control elements
// first, then bearers in priority order. While SRB0 holds data only the
// contention resolution identity and SRB0 are placed. Nothing is placed
// while a pending contention resolution identity does not fit. It appends
// to tb and returns the bytes placed, which never exceed capacity.
func (m *DLManager) Allocate(tb *model.TBInfo, capacity uint32) uint32 {
	if m.BootstrapPending() {
		return m.AllocateBootstrap(tb, capacity)
	}
	used := m.AllocateCEs(tb, capacity)
	if m.conResPending {
		return used
	}
	return used + m.AllocateSDUs(tb, capacity-used)
}

// AllocateBootstrap places only the contention resolution identity and
// SRB0 data.
func (m *DLManager) AllocateBootstrap(tb *model.TBInfo, capacity uint32) uint32 {
	used := m.AllocateConResCE(tb, capacity)
	if m.conResPending {
		return used
	}
	return used + m.allocateSDU(tb, model.LCIDSRB0, capacity-used)
}

// AllocateConResCE places the contention resolution identity if it fits.
func (m *DLManager) AllocateConResCE(tb *model.TBInfo, capacity uint32) uint32 {
	if !m.conResPending {
		return 0
	}
	size := model.CEConResID.Size()
	if size > capacity {
		return 0
	}
	m.conResPending = false
	tb.SubPDUs = append(tb.SubPDUs, model.SubPDU{IsCE: true, CE: model.CEConResID, Bytes: size})
	return size
}

// AllocateCEs places queued control elements, contention resolution
// identity first, each whole or not at all. Elements that do not fit stay
// queued in order. No other element is placed while the contention
// resolution identity waits for a block large enough to hold it.
func (m *DLManager) AllocateCEs(tb *model.TBInfo, capacity uint32) uint32 {
	used := m.AllocateConResCE(tb, capacity)
	if m.conResPending {
		return used
	}
	kept := m.ces[:0]
	for _, ce := range m.ces {
		size := ce.Size()
		if used+size > capacity {
			kept = append(kept, ce)
			continue
		}
		used += size
		tb.SubPDUs = append(tb.SubPDUs, model.SubPDU{IsCE: true, CE: ce, Bytes: size})
	}
	m.ces = kept
	return used
}

// AllocateSDUs fills the remaining capacity from enabled bearers by LCG,
// then LCID. Each bearer receives min(pending, remaining).
func (m *DLManager) AllocateSDUs(tb *model.TBInfo, capacity uint32) uint32 {
	if m.BootstrapPending() {
		return m.allocateSDU(tb, model.LCIDSRB0, capacity)
	}
	var used uint32
	for _, lcid := range m.order {
		if used == capacity {
			break
		}
		used += m.allocateSDU(tb, lcid, capacity-used)
	}
	return used
}

func (m *DLManager) allocateSDU(tb *model.TBInfo, lcid model.LCID, capacity uint32) uint32 {
	ch := &m.channels[lcid]
	if !ch.configured || !ch.active || ch.pending == 0 || capacity == 0 {
		return 0
	}
	n := min(ch.pending, capacity)
	ch.pending -= n
	tb.SubPDUs = append(tb.SubPDUs, model.SubPDU{LCID: lcid, Bytes: n})
	return n
}

// Snapshot reports the per-channel state for diagnostics.
func (m *DLManager) Snapshot() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(m.order))
	for _, lcid := range m.order {
		ch := m.channels[lcid]
		out = append(out, ChannelStatus{LCID: lcid, LCGID: ch.lcg, Active: ch.active, PendingBytes: ch.pending})
	}
	return out
}

// ChannelStatus is a diagnostic view of one configured DL channel.
type ChannelStatus struct {
	LCID         model.LCID
	LCGID        model.LCGID
	Active       bool
	PendingBytes uint32
}
