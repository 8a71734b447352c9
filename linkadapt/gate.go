// Package linkadapt decides whether a NACKed transport block may be
// retransmitted with the parameters of its original transmission, given how
// the channel has changed since then.
package linkadapt

import "github.com/signalsfoundry/macsched/model"

// Reason explains a gate decision.
type Reason uint8

const (
	// Allowed means the channel can still sustain the original grant.
	Allowed Reason = iota
	// CQIDrop means the wideband CQI fell by more than the margin.
	CQIDrop
	// RankDrop means the reported rank fell below the transmitted rank.
	RankDrop
)

func (r Reason) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case CQIDrop:
		return "cqi_drop"
	case RankDrop:
		return "ri_drop"
	default:
		return "unknown"
	}
}

// DefaultCQIMargin is the CQI degradation tolerated before retransmissions
// are suppressed.
const DefaultCQIMargin = 3

// Gate holds the CQI margin. The zero value uses a margin of zero.
type Gate struct {
	CQIMargin uint8
}

// NewGate returns a gate with the given CQI margin.
func NewGate(margin uint8) Gate { return Gate{CQIMargin: margin} }

// Decide compares the CSI at original transmission time with the current
// CSI. A snapshot without any report never suppresses, nor does a rank of
// zero (not reported) on either side.
func (g Gate) Decide(atTx, current model.ChannelQualityState) Reason {
	if !atTx.Reported() || !current.Reported() {
		return Allowed
	}
	if atTx.WidebandCQI > current.WidebandCQI &&
		uint8(atTx.WidebandCQI-current.WidebandCQI) > g.CQIMargin {
		return CQIDrop
	}
	if atTx.RI != 0 && current.RI != 0 && current.RI < atTx.RI {
		return RankDrop
	}
	return Allowed
}

// SuppressRetx reports whether a retransmission should be dropped.
func (g Gate) SuppressRetx(atTx, current model.ChannelQualityState) bool {
	return g.Decide(atTx, current) != Allowed
}
