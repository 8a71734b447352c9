package model

import "fmt"

// Modulation is the modulation order of a codeword.
type Modulation uint8

const (
	QPSK Modulation = iota
	QAM16
	QAM64
	QAM256
)

func (m Modulation) String() string {
	switch m {
	case QPSK:
		return "QPSK"
	case QAM16:
		return "16QAM"
	case QAM64:
		return "64QAM"
	case QAM256:
		return "256QAM"
	default:
		return fmt.Sprintf("mod(%d)", uint8(m))
	}
}

// PRBInterval is a contiguous physical resource block allocation [Start, Stop).
type PRBInterval struct {
	Start uint16
	Stop  uint16
}

// Length returns the number of PRBs in the interval.
func (p PRBInterval) Length() uint16 {
	if p.Stop <= p.Start {
		return 0
	}
	return p.Stop - p.Start
}

// TxParams is the snapshot of a grant needed to rebuild it on retransmission.
type TxParams struct {
	MCS        uint8
	Modulation Modulation
	TBSBytes   uint32
	PRBs       PRBInterval
	NofLayers  uint8
	// RV is the redundancy version used by the transmission.
	RV uint8
	// NDI is the new-data indicator toggled on every new transmission.
	NDI bool
}

// Valid reports whether the snapshot describes a usable grant.
func (p TxParams) Valid() bool {
	return p.TBSBytes > 0 && p.PRBs.Length() > 0 && p.NofLayers > 0
}

// AckStatus is the HARQ feedback value reported by the peer.
type AckStatus uint8

const (
	Nack AckStatus = iota
	Ack
	// DTX means the feedback was expected but not detected.
	DTX
)

func (a AckStatus) String() string {
	switch a {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case DTX:
		return "dtx"
	default:
		return fmt.Sprintf("ack_status(%d)", uint8(a))
	}
}
