package simulate

import (
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/macsched/model"
)

// ChannelConfig shapes the per-link channel model.
type ChannelConfig struct {
	// MeanCQI is the long-term CQI every link fluctuates around.
	MeanCQI float64 `json:"mean_cqi"`
	// CQIStdDev is the per-report fluctuation.
	CQIStdDev float64 `json:"cqi_std_dev"`
	// BLERTarget is the block error rate when the grant matches the channel.
	BLERTarget float64 `json:"bler_target"`
	// RankDropProb is the chance a report carries rank 1 instead of the
	// link's maximum.
	RankDropProb float64 `json:"rank_drop_prob"`
	// DTXProb is the chance HARQ-ACK feedback is not detected.
	DTXProb float64 `json:"dtx_prob"`
}

// DefaultChannelConfig returns a mildly fading channel.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		MeanCQI:      11,
		CQIStdDev:    1.5,
		BLERTarget:   0.1,
		RankDropProb: 0.05,
		DTXProb:      0.01,
	}
}

type linkKey struct {
	ue   model.UEIndex
	cell model.CellIndex
}

type linkState struct {
	cqi model.CQI
	ri  uint8
}

// ChannelModel draws CSI reports and decoding outcomes per UE and cell.
// It is deterministic for a given seed and call sequence.
type ChannelModel struct {
	cfg   ChannelConfig
	rng   *rand.Rand
	links map[linkKey]*linkState
}

// NewChannelModel returns a model seeded with seed.
func NewChannelModel(cfg ChannelConfig, seed uint64) *ChannelModel {
	return &ChannelModel{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		links: make(map[linkKey]*linkState),
	}
}

// Step advances the channel of a link and returns the CSI report the UE
// would send. maxLayers bounds the reported rank.
func (m *ChannelModel) Step(ue model.UEIndex, cell model.CellIndex, maxLayers uint8) model.CSIReport {
	st := m.link(ue, cell)

	v := math.Round(m.cfg.MeanCQI + m.rng.NormFloat64()*m.cfg.CQIStdDev)
	st.cqi = model.CQI(min(max(v, 1), float64(model.MaxCQI)))

	st.ri = max(maxLayers, 1)
	if st.ri > 1 && m.rng.Float64() < m.cfg.RankDropProb {
		st.ri = 1
	}

	cqi, ri := st.cqi, st.ri
	return model.CSIReport{WidebandCQI: &cqi, RI: &ri}
}

// Current returns the channel state last drawn for a link, or false before
// the first Step.
func (m *ChannelModel) Current(ue model.UEIndex, cell model.CellIndex) (model.CQI, uint8, bool) {
	st, ok := m.links[linkKey{ue, cell}]
	if !ok || st.cqi == 0 {
		return 0, 0, false
	}
	return st.cqi, st.ri, true
}

// Forget drops the state of every link of a UE.
func (m *ChannelModel) Forget(ue model.UEIndex) {
	for k := range m.links {
		if k.ue == ue {
			delete(m.links, k)
		}
	}
}

func (m *ChannelModel) link(ue model.UEIndex, cell model.CellIndex) *linkState {
	k := linkKey{ue, cell}
	st, ok := m.links[k]
	if !ok {
		st = &linkState{}
		m.links[k] = st
	}
	return st
}

// BLER returns the block error probability of a transmission sized for
// grantCQI over a channel currently at actualCQI. Each CQI step the grant
// is too optimistic doubles the error rate.
func (m *ChannelModel) BLER(grantCQI, actualCQI model.CQI) float64 {
	bler := m.cfg.BLERTarget
	if grantCQI > actualCQI {
		bler *= math.Exp2(float64(grantCQI - actualCQI))
	}
	return min(bler, 1)
}

// DecodeDL draws the HARQ-ACK of a DL transmission sized for grantCQI.
func (m *ChannelModel) DecodeDL(ue model.UEIndex, cell model.CellIndex, grantCQI model.CQI) model.AckStatus {
	if m.rng.Float64() < m.cfg.DTXProb {
		return model.DTX
	}
	if m.decode(ue, cell, grantCQI) {
		return model.Ack
	}
	return model.Nack
}

// DecodeUL draws the CRC of a UL transmission sized for grantCQI.
func (m *ChannelModel) DecodeUL(ue model.UEIndex, cell model.CellIndex, grantCQI model.CQI) bool {
	return m.decode(ue, cell, grantCQI)
}

func (m *ChannelModel) decode(ue model.UEIndex, cell model.CellIndex, grantCQI model.CQI) bool {
	actual, _, ok := m.Current(ue, cell)
	if !ok {
		actual = grantCQI
	}
	return m.rng.Float64() >= m.BLER(grantCQI, actual)
}
