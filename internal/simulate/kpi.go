package simulate

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// KPIs are the simulator's running counters. They are written on the cell
// group executor and may be read from any goroutine.
type KPIs struct {
	Slots atomic.Uint64

	DLOfferedBytes atomic.Uint64
	ULOfferedBytes atomic.Uint64

	DLNewTxs     atomic.Uint64
	DLRetxs      atomic.Uint64
	DLAckedBytes atomic.Uint64
	DLNacks      atomic.Uint64
	DLDTX        atomic.Uint64
	DLFailed     atomic.Uint64

	ULNewTxs       atomic.Uint64
	ULRetxs        atomic.Uint64
	ULDecodedBytes atomic.Uint64
	ULCRCFails     atomic.Uint64
	ULFailed       atomic.Uint64

	StaleFeedback atomic.Uint64
	HarqExhausted atomic.Uint64

	SRs        atomic.Uint64
	BSRs       atomic.Uint64
	CSIReports atomic.Uint64
}

// KPISnapshot is a point-in-time copy of KPIs.
type KPISnapshot struct {
	Slots uint64

	DLOfferedBytes uint64
	ULOfferedBytes uint64

	DLNewTxs     uint64
	DLRetxs      uint64
	DLAckedBytes uint64
	DLNacks      uint64
	DLDTX        uint64
	DLFailed     uint64

	ULNewTxs       uint64
	ULRetxs        uint64
	ULDecodedBytes uint64
	ULCRCFails     uint64
	ULFailed       uint64

	StaleFeedback uint64
	HarqExhausted uint64

	SRs        uint64
	BSRs       uint64
	CSIReports uint64
}

// Snapshot copies the counters.
func (k *KPIs) Snapshot() KPISnapshot {
	return KPISnapshot{
		Slots:          k.Slots.Load(),
		DLOfferedBytes: k.DLOfferedBytes.Load(),
		ULOfferedBytes: k.ULOfferedBytes.Load(),
		DLNewTxs:       k.DLNewTxs.Load(),
		DLRetxs:        k.DLRetxs.Load(),
		DLAckedBytes:   k.DLAckedBytes.Load(),
		DLNacks:        k.DLNacks.Load(),
		DLDTX:          k.DLDTX.Load(),
		DLFailed:       k.DLFailed.Load(),
		ULNewTxs:       k.ULNewTxs.Load(),
		ULRetxs:        k.ULRetxs.Load(),
		ULDecodedBytes: k.ULDecodedBytes.Load(),
		ULCRCFails:     k.ULCRCFails.Load(),
		ULFailed:       k.ULFailed.Load(),
		StaleFeedback:  k.StaleFeedback.Load(),
		HarqExhausted:  k.HarqExhausted.Load(),
		SRs:            k.SRs.Load(),
		BSRs:           k.BSRs.Load(),
		CSIReports:     k.CSIReports.Load(),
	}
}

// DLRetxRatio is the share of DL transmissions that were retransmissions.
func (s KPISnapshot) DLRetxRatio() float64 {
	return ratio(s.DLRetxs, s.DLNewTxs+s.DLRetxs)
}

// ULRetxRatio is the share of UL transmissions that were retransmissions.
func (s KPISnapshot) ULRetxRatio() float64 {
	return ratio(s.ULRetxs, s.ULNewTxs+s.ULRetxs)
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Summary renders the snapshot for logs and the command line.
func (s KPISnapshot) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "slots=%s", humanize.Comma(int64(s.Slots)))
	fmt.Fprintf(&b, " dl: offered=%s acked=%s newtx=%s retx=%s (%.1f%%) failed=%s",
		humanize.Bytes(s.DLOfferedBytes), humanize.Bytes(s.DLAckedBytes),
		humanize.Comma(int64(s.DLNewTxs)), humanize.Comma(int64(s.DLRetxs)), 100*s.DLRetxRatio(),
		humanize.Comma(int64(s.DLFailed)))
	fmt.Fprintf(&b, " ul: offered=%s decoded=%s newtx=%s retx=%s (%.1f%%) failed=%s",
		humanize.Bytes(s.ULOfferedBytes), humanize.Bytes(s.ULDecodedBytes),
		humanize.Comma(int64(s.ULNewTxs)), humanize.Comma(int64(s.ULRetxs)), 100*s.ULRetxRatio(),
		humanize.Comma(int64(s.ULFailed)))
	if s.HarqExhausted > 0 || s.StaleFeedback > 0 {
		fmt.Fprintf(&b, " harq_exhausted=%d stale=%d", s.HarqExhausted, s.StaleFeedback)
	}
	return b.String()
}
