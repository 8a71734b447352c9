package model

import "fmt"

const (
	// MaxUEs bounds the number of UEs a cell group can hold.
	MaxUEs = 1024
	// MaxCells bounds the number of cells in a cell group.
	MaxCells = 16
	// MaxHarqsPerUE bounds the HARQ processes per UE per cell per direction.
	MaxHarqsPerUE = 16
	// MaxLCID is the highest logical channel ID carrying SDUs.
	MaxLCID = 32
	// MaxLCGID is the highest logical channel group ID.
	MaxLCGID = 7
	// MaxNofLayers is the highest rank a CSI report can carry.
	MaxNofLayers = 4
)

// UEIndex identifies a UE within a cell group.
type UEIndex uint16

// Valid reports whether the index is inside [0, MaxUEs).
func (u UEIndex) Valid() bool { return u < MaxUEs }

// MustValidate panics if the index is out of range.
func (u UEIndex) MustValidate() {
	if !u.Valid() {
		panic(fmt.Sprintf("model: ue index %d out of range", u))
	}
}

// CellIndex identifies a cell within a cell group.
type CellIndex uint8

// Valid reports whether the index is inside [0, MaxCells).
func (c CellIndex) Valid() bool { return c < MaxCells }

// MustValidate panics if the index is out of range.
func (c CellIndex) MustValidate() {
	if !c.Valid() {
		panic(fmt.Sprintf("model: cell index %d out of range", c))
	}
}

// HarqID identifies a HARQ process within (UE, cell, direction).
type HarqID uint8

// Valid reports whether the id is inside [0, MaxHarqsPerUE).
func (h HarqID) Valid() bool { return h < MaxHarqsPerUE }

// RNTI is the radio network temporary identifier of a UE.
type RNTI uint16

func (r RNTI) String() string { return fmt.Sprintf("0x%04x", uint16(r)) }

// LCID is a logical channel ID.
type LCID uint8

const (
	// LCIDSRB0 carries the earliest RRC signalling, before dedicated bearers
	// exist. It is the bootstrap bearer.
	LCIDSRB0 LCID = 0
	LCIDSRB1 LCID = 1
	LCIDSRB2 LCID = 2
	LCIDSRB3 LCID = 3
	// LCIDMinDRB is the first data radio bearer.
	LCIDMinDRB LCID = 4
	// LCIDMaxDRB is the last data radio bearer.
	LCIDMaxDRB LCID = MaxLCID
)

// Valid reports whether the LCID can carry SDUs.
func (l LCID) Valid() bool { return l <= MaxLCID }

// IsSRB reports whether the LCID is a signalling bearer.
func (l LCID) IsSRB() bool { return l < LCIDMinDRB }

// MustValidate panics if the LCID is out of range.
func (l LCID) MustValidate() {
	if !l.Valid() {
		panic(fmt.Sprintf("model: lcid %d out of range", l))
	}
}

// LCGID is a logical channel group ID.
type LCGID uint8

// Valid reports whether the LCG ID is inside [0, MaxLCGID].
func (g LCGID) Valid() bool { return g <= MaxLCGID }

// MustValidate panics if the LCG ID is out of range.
func (g LCGID) MustValidate() {
	if !g.Valid() {
		panic(fmt.Sprintf("model: lcg id %d out of range", g))
	}
}

// Direction is the link direction of a HARQ process or logical channel.
type Direction uint8

const (
	Downlink Direction = iota
	Uplink
)

// NofDirections is the number of link directions.
const NofDirections = 2

func (d Direction) String() string {
	switch d {
	case Downlink:
		return "dl"
	case Uplink:
		return "ul"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// MustValidate panics on an unknown direction.
func (d Direction) MustValidate() {
	if d > Uplink {
		panic(fmt.Sprintf("model: unknown direction %d", d))
	}
}
