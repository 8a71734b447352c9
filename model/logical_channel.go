package model

import "fmt"

// LogicalChannelConfig describes one configured bearer of a UE.
type LogicalChannelConfig struct {
	LCID  LCID  `json:"lcid"`
	LCGID LCGID `json:"lcg_id"`
	// SRID is the scheduling request configuration the bearer triggers, if any.
	SRID *uint8 `json:"sr_id,omitempty"`
}

// Validate checks the identifiers of the config.
func (c LogicalChannelConfig) Validate() error {
	if !c.LCID.Valid() {
		return fmt.Errorf("lcid %d out of range", c.LCID)
	}
	if !c.LCGID.Valid() {
		return fmt.Errorf("lcg id %d out of range for lcid %d", c.LCGID, c.LCID)
	}
	return nil
}

// MACCEKind enumerates the MAC control elements the DL multiplexer knows.
type MACCEKind uint8

const (
	// CEConResID is the UE contention resolution identity. It has absolute
	// priority over every bearer.
	CEConResID MACCEKind = iota
	// CETimingAdvance is the timing advance command.
	CETimingAdvance
	// CEDRX is the DRX command.
	CEDRX
)

// Size returns the bytes the CE occupies in a transport block, subheader
// included.
func (k MACCEKind) Size() uint32 {
	switch k {
	case CEConResID:
		return 7
	case CETimingAdvance:
		return 2
	case CEDRX:
		return 1
	default:
		panic(fmt.Sprintf("model: unknown mac ce %d", k))
	}
}

func (k MACCEKind) String() string {
	switch k {
	case CEConResID:
		return "con_res_id"
	case CETimingAdvance:
		return "ta_cmd"
	case CEDRX:
		return "drx_cmd"
	default:
		return fmt.Sprintf("ce(%d)", uint8(k))
	}
}

// SubPDU is one element placed in a transport block: either a MAC CE or
// SDU bytes of a logical channel.
type SubPDU struct {
	IsCE  bool
	CE    MACCEKind
	LCID  LCID
	Bytes uint32
}

// TBInfo lists the sub-PDUs of one transport block.
type TBInfo struct {
	SubPDUs []SubPDU
}

// Reset empties the list and keeps its backing array.
func (t *TBInfo) Reset() { t.SubPDUs = t.SubPDUs[:0] }

// TotalBytes sums the sub-PDU sizes.
func (t *TBInfo) TotalBytes() uint32 {
	var total uint32
	for _, s := range t.SubPDUs {
		total += s.Bytes
	}
	return total
}

// BSRFormat selects how an uplink buffer status report is applied.
type BSRFormat uint8

const (
	// ShortBSR reports a single LCG.
	ShortBSR BSRFormat = iota
	// LongBSR reports several LCGs; unlisted groups keep their value.
	LongBSR
)

// LCGBufferStatus is the reported buffer occupancy of one LCG.
type LCGBufferStatus struct {
	LCGID LCGID
	Bytes uint32
}

// BSRReport is a decoded uplink buffer status report.
type BSRReport struct {
	Format  BSRFormat
	Reports []LCGBufferStatus
}
