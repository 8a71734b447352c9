package logicalchannel

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/signalsfoundry/macsched/model"
)

func drbConfigs() []model.LogicalChannelConfig {
	return []model.LogicalChannelConfig{
		{LCID: model.LCIDSRB0, LCGID: 0},
		{LCID: model.LCIDSRB1, LCGID: 0},
		{LCID: 4, LCGID: 2},
		{LCID: 5, LCGID: 1},
	}
}

func TestBootstrapBearerPreemptsDataBearers(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleBufferState(model.LCIDSRB0, 50)
	m.HandleBufferState(4, 200)

	var tb model.TBInfo
	total := m.Allocate(&tb, 100)
	if total != 50 {
		t.Fatalf("Allocate total = %d, want 50", total)
	}
	if len(tb.SubPDUs) != 1 || tb.SubPDUs[0].LCID != model.LCIDSRB0 || tb.SubPDUs[0].Bytes != 50 {
		t.Fatalf("sub-PDUs = %+v, want only 50 bytes of SRB0", tb.SubPDUs)
	}
	if got := m.PendingBytesFor(4); got != 200 {
		t.Fatalf("data bearer pending = %d, want 200", got)
	}
}

func TestBootstrapKeepsConResButSkipsOtherCEs(t *testing.T) {
	m := NewDLManager()
	m.HandleMACCE(model.CETimingAdvance)
	m.HandleMACCE(model.CEConResID)
	m.HandleBufferState(model.LCIDSRB0, 30)

	var tb model.TBInfo
	total := m.Allocate(&tb, 100)
	if total != 37 {
		t.Fatalf("Allocate total = %d, want 37", total)
	}
	if !tb.SubPDUs[0].IsCE || tb.SubPDUs[0].CE != model.CEConResID {
		t.Fatalf("first sub-PDU = %+v, want contention resolution CE", tb.SubPDUs[0])
	}
	if m.PendingCEBytes() != model.CETimingAdvance.Size() {
		t.Fatalf("PendingCEBytes = %d, want timing advance still queued", m.PendingCEBytes())
	}
}

func TestPriorityOrderIsLCGThenLCID(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleBufferState(model.LCIDSRB1, 10)
	m.HandleBufferState(4, 10)
	m.HandleBufferState(5, 10)
	m.HandleMACCE(model.CEDRX)

	var tb model.TBInfo
	total := m.Allocate(&tb, 26)
	if total != 26 {
		t.Fatalf("Allocate total = %d, want 26", total)
	}
	want := []model.SubPDU{
		{IsCE: true, CE: model.CEDRX, Bytes: 1},
		{LCID: model.LCIDSRB1, Bytes: 10},
		{LCID: 5, Bytes: 10},
		{LCID: 4, Bytes: 5},
	}
	if len(tb.SubPDUs) != len(want) {
		t.Fatalf("sub-PDUs = %+v, want %+v", tb.SubPDUs, want)
	}
	for i := range want {
		if tb.SubPDUs[i] != want[i] {
			t.Fatalf("sub-PDU[%d] = %+v, want %+v", i, tb.SubPDUs[i], want[i])
		}
	}
	if got := m.PendingBytesFor(4); got != 5 {
		t.Fatalf("LCID 4 pending = %d, want 5", got)
	}
}

func TestAllocateNeverExceedsCapacity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 500; iter++ {
		m := NewDLManager()
		m.Configure(drbConfigs())
		for _, c := range drbConfigs() {
			m.HandleBufferState(c.LCID, rng.Uint32N(400))
		}
		if rng.IntN(2) == 0 {
			m.HandleMACCE(model.CEConResID)
		}
		if rng.IntN(2) == 0 {
			m.HandleMACCE(model.CETimingAdvance)
		}
		capacity := rng.Uint32N(600)

		var tb model.TBInfo
		total := m.Allocate(&tb, capacity)
		if total > capacity {
			t.Fatalf("iter %d: total %d exceeds capacity %d", iter, total, capacity)
		}
		if sum := tb.TotalBytes(); sum != total {
			t.Fatalf("iter %d: sub-PDU sum %d != total %d", iter, sum, total)
		}
	}
}

func TestSetStatusKeepsCounter(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleBufferState(4, 300)

	m.SetStatus(4, false)
	if m.PendingBytesFor(4) != 0 || m.PendingBytes() != 0 {
		t.Fatalf("disabled bearer still counted: %d", m.PendingBytes())
	}
	var tb model.TBInfo
	if total := m.Allocate(&tb, 1000); total != 0 {
		t.Fatalf("Allocate from disabled bearer = %d, want 0", total)
	}

	m.SetStatus(4, true)
	if got := m.PendingBytesFor(4); got != 300 {
		t.Fatalf("re-enabled pending = %d, want 300", got)
	}
}

func TestConfigureResetsRemovedChannel(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleBufferState(5, 120)

	m.Configure(drbConfigs()[:3])
	if m.IsActive(5) {
		t.Fatalf("removed LCID 5 still active")
	}
	if m.HandleBufferState(5, 10) {
		t.Fatalf("buffer state accepted for removed LCID 5")
	}

	m.Configure(drbConfigs())
	if got := m.PendingBytesFor(5); got != 0 {
		t.Fatalf("reconfigured LCID 5 pending = %d, want 0", got)
	}
	if !m.IsActive(model.LCIDSRB0) {
		t.Fatalf("SRB0 must stay configured")
	}
}

func TestConfigureKeepsCounterOfRetainedChannel(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleBufferState(4, 99)
	m.Configure(drbConfigs())
	if got := m.PendingBytesFor(4); got != 99 {
		t.Fatalf("retained LCID 4 pending = %d, want 99", got)
	}
}

func TestCEsDoNotSplit(t *testing.T) {
	m := NewDLManager()
	m.HandleMACCE(model.CEConResID)

	var tb model.TBInfo
	if got := m.AllocateCEs(&tb, 6); got != 0 {
		t.Fatalf("AllocateCEs(6) = %d, want 0", got)
	}
	if !m.HasPendingConResCE() {
		t.Fatalf("contention resolution dropped after failed fit")
	}
	if got := m.AllocateCEs(&tb, 7); got != 7 {
		t.Fatalf("AllocateCEs(7) = %d, want 7", got)
	}
	if m.PendingBytes() != 0 {
		t.Fatalf("PendingBytes = %d, want 0", m.PendingBytes())
	}
}

func TestUnfittedConResBlocksPlacement(t *testing.T) {
	m := NewDLManager()
	m.Configure(drbConfigs())
	m.HandleMACCE(model.CEConResID)
	m.HandleMACCE(model.CETimingAdvance)
	m.HandleMACCE(model.CEDRX)
	m.HandleBufferState(4, 200)

	var tb model.TBInfo
	if got := m.Allocate(&tb, 6); got != 0 || len(tb.SubPDUs) != 0 {
		t.Fatalf("Allocate(6) = %d with %+v, want nothing placed", got, tb.SubPDUs)
	}
	if got, want := m.PendingCEBytes(), uint32(7+2+1); got != want {
		t.Fatalf("PendingCEBytes = %d, want %d", got, want)
	}
	if got := m.PendingBytesFor(4); got != 200 {
		t.Fatalf("data bearer pending = %d, want 200", got)
	}

	if got := m.Allocate(&tb, 20); got != 20 {
		t.Fatalf("Allocate(20) = %d, want 20", got)
	}
	if !tb.SubPDUs[0].IsCE || tb.SubPDUs[0].CE != model.CEConResID {
		t.Fatalf("first sub-PDU = %+v, want contention resolution CE", tb.SubPDUs[0])
	}
	if got := m.PendingBytesFor(4); got != 190 {
		t.Fatalf("data bearer pending = %d, want 190", got)
	}
}

func TestUnfittedConResBlocksBootstrap(t *testing.T) {
	m := NewDLManager()
	m.HandleMACCE(model.CEConResID)
	m.HandleBufferState(model.LCIDSRB0, 30)

	var tb model.TBInfo
	if got := m.Allocate(&tb, 5); got != 0 {
		t.Fatalf("Allocate(5) = %d, want 0", got)
	}
	if got := m.PendingBytesFor(model.LCIDSRB0); got != 30 {
		t.Fatalf("SRB0 pending = %d, want 30", got)
	}
}

func TestUnknownCEKindPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("HandleMACCE with an unknown kind did not panic")
		}
		if msg, _ := r.(string); !strings.HasPrefix(msg, "logicalchannel: unknown mac ce") {
			t.Fatalf("panic = %v, want a logicalchannel prefixed message", r)
		}
	}()
	NewDLManager().HandleMACCE(model.MACCEKind(200))
}
