package logicalchannel

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/macsched/model"
)

// ErrMalformedBSR is returned for a buffer status report that does not fit
// its format.
var ErrMalformedBSR = errors.New("logicalchannel: malformed bsr")

type ulGroup struct {
	configured bool
	active     bool
	pending    uint32
}

// ULManager holds the uplink logical channel groups of one UE.
type ULManager struct {
	groups    [model.MaxLCGID + 1]ulGroup
	srPending bool
}

// ULAllocation is the per-LCG split of an uplink grant.
type ULAllocation struct {
	Bytes [model.MaxLCGID + 1]uint32
	Total uint32
}

// NewULManager returns a manager with LCG 0, which carries the SRBs,
// configured and active.
func NewULManager() *ULManager {
	m := &ULManager{}
	m.groups[0] = ulGroup{configured: true, active: true}
	return m
}

// Configure replaces the set of groups with those referenced by cfgs. A
// group no longer referenced is disabled and its expected bytes discarded.
// LCG 0 stays configured.
func (m *ULManager) Configure(cfgs []model.LogicalChannelConfig) {
	var listed [model.MaxLCGID + 1]bool
	for _, c := range cfgs {
		c.LCGID.MustValidate()
		listed[c.LCGID] = true
	}
	for lcg := range m.groups {
		g := &m.groups[lcg]
		switch {
		case listed[lcg] || lcg == 0:
			if !g.configured {
				g.pending = 0
			}
			g.configured = true
			g.active = true
		default:
			*g = ulGroup{}
		}
	}
}

// SetStatus enables or disables a group. Expected bytes are kept.
// Unconfigured groups are ignored.
func (m *ULManager) SetStatus(lcg model.LCGID, enabled bool) {
	lcg.MustValidate()
	g := &m.groups[lcg]
	if !g.configured {
		return
	}
	g.active = enabled
}

// IsActive reports whether the group is configured and enabled.
func (m *ULManager) IsActive(lcg model.LCGID) bool {
	lcg.MustValidate()
	g := m.groups[lcg]
	return g.configured && g.active
}

// HandleBSR applies a buffer status report. A short BSR overwrites its one
// group; a long BSR overwrites each listed group. Any BSR answers a pending
// scheduling request.
func (m *ULManager) HandleBSR(bsr model.BSRReport) error {
	if bsr.Format == model.ShortBSR && len(bsr.Reports) != 1 {
		return fmt.Errorf("%w: short bsr with %d groups", ErrMalformedBSR, len(bsr.Reports))
	}
	for _, r := range bsr.Reports {
		if !r.LCGID.Valid() {
			return fmt.Errorf("%w: lcg id %d out of range", ErrMalformedBSR, r.LCGID)
		}
	}
	for _, r := range bsr.Reports {
		if g := &m.groups[r.LCGID]; g.configured {
			g.pending = r.Bytes
		}
	}
	m.srPending = false
	return nil
}

// HandleSR records a scheduling request.
func (m *ULManager) HandleSR() { m.srPending = true }

// HasPendingSR reports whether a scheduling request waits for a grant.
func (m *ULManager) HasPendingSR() bool { return m.srPending }

// ResetSR clears the pending scheduling request.
func (m *ULManager) ResetSR() { m.srPending = false }

// PendingBytesFor returns the expected bytes of one group, zero when it is
// disabled.
func (m *ULManager) PendingBytesFor(lcg model.LCGID) uint32 {
	lcg.MustValidate()
	g := m.groups[lcg]
	if !g.configured || !g.active {
		return 0
	}
	return g.pending
}

// PendingBytes returns the expected bytes of every enabled group.
func (m *ULManager) PendingBytes() uint32 {
	var total uint32
	for lcg := range m.groups {
		total += m.PendingBytesFor(model.LCGID(lcg))
	}
	return total
}

// Allocate splits a grant of capacity bytes over the enabled groups in LCG
// order and clears the pending scheduling request. The reported bytes are
// left as they are: only a BSR changes them, and bytes granted to busy HARQ
// processes are discounted by the UE.
func (m *ULManager) Allocate(capacity uint32) ULAllocation {
	var out ULAllocation
	if capacity == 0 {
		return out
	}
	m.srPending = false
	for lcg := range m.groups {
		g := m.groups[lcg]
		if out.Total == capacity {
			break
		}
		if !g.configured || !g.active || g.pending == 0 {
			continue
		}
		n := min(g.pending, capacity-out.Total)
		out.Bytes[lcg] = n
		out.Total += n
	}
	return out
}
