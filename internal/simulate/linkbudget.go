package simulate

import "github.com/signalsfoundry/macsched/model"

// spectral efficiency in bits per resource element for CQI 1..15
var cqiEfficiency = [model.MaxCQI + 1]float64{
	0, 0.1523, 0.2344, 0.3770, 0.6016, 0.8770, 1.1758, 1.4766,
	1.9141, 2.4063, 2.7305, 3.3223, 3.9023, 4.5234, 5.1152, 5.5547,
}

// resource elements per PRB per slot available for data
const dataREsPerPRB = 12 * 12

// fallbackCQI sizes grants for links without a CSI report yet.
const fallbackCQI model.CQI = 6

// BytesPerPRB returns the transport block bytes one PRB carries at cqi with
// the given number of layers.
func BytesPerPRB(cqi model.CQI, layers uint8) uint32 {
	if cqi == 0 || cqi > model.MaxCQI {
		cqi = fallbackCQI
	}
	b := uint32(dataREsPerPRB * cqiEfficiency[cqi] / 8)
	return max(b, 1) * uint32(max(layers, 1))
}

// ModulationFor returns the modulation used at cqi.
func ModulationFor(cqi model.CQI) model.Modulation {
	switch {
	case cqi >= 10:
		return model.QAM64
	case cqi >= 7:
		return model.QAM16
	default:
		return model.QPSK
	}
}

// MCSFor maps cqi onto an MCS index of the 64QAM table.
func MCSFor(cqi model.CQI) uint8 {
	if cqi == 0 {
		cqi = fallbackCQI
	}
	return min(uint8(cqi)*2-1, 28)
}

// effectiveCQI returns the CQI a grant is sized for.
func effectiveCQI(csi model.ChannelQualityState) model.CQI {
	if !csi.Reported() || csi.WidebandCQI == 0 {
		return fallbackCQI
	}
	return csi.WidebandCQI
}

// layersFor returns the number of layers a grant uses.
func layersFor(csi model.ChannelQualityState, maxLayers uint8) uint8 {
	layers := max(maxLayers, 1)
	if csi.RI > 0 && csi.RI < layers {
		layers = csi.RI
	}
	return layers
}
