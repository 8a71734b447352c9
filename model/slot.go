package model

import "fmt"

const (
	// NofSFNs is the number of system frame numbers before the counter wraps.
	NofSFNs = 1024
	// NofSubframesPerFrame is fixed at 10 for every numerology.
	NofSubframesPerFrame = 10
	// MaxNumerology is the highest supported subcarrier spacing index (µ).
	MaxNumerology = 4
)

// SlotPoint is a slot counter that wraps at the hyperframe boundary
// (NofSFNs frames). Differences and ordering are computed modulo the
// wraparound, so a slot shortly after the wrap still compares as later
// than one shortly before it.
//
// The zero value is an invalid slot.
type SlotPoint struct {
	// numerology is stored plus one so the zero value is invalid.
	numerology uint8
	count      uint32
}

// NewSlotPoint returns the slot identified by SFN and slot index within the
// frame for the given numerology. Out-of-range arguments panic.
func NewSlotPoint(numerology uint8, sfn, slot uint32) SlotPoint {
	if numerology > MaxNumerology {
		panic(fmt.Sprintf("model: numerology %d out of range", numerology))
	}
	perFrame := SlotsPerFrame(numerology)
	if sfn >= NofSFNs || slot >= perFrame {
		panic(fmt.Sprintf("model: slot %d.%d out of range for numerology %d", sfn, slot, numerology))
	}
	return SlotPoint{numerology: numerology + 1, count: sfn*perFrame + slot}
}

// SlotPointFromCount builds a slot from its absolute count, reduced modulo
// the hyperframe length.
func SlotPointFromCount(numerology uint8, count uint64) SlotPoint {
	if numerology > MaxNumerology {
		panic(fmt.Sprintf("model: numerology %d out of range", numerology))
	}
	mod := uint64(slotModulus(numerology))
	return SlotPoint{numerology: numerology + 1, count: uint32(count % mod)}
}

// SlotsPerFrame returns the number of slots in one 10ms frame.
func SlotsPerFrame(numerology uint8) uint32 {
	return NofSubframesPerFrame << numerology
}

func slotModulus(numerology uint8) uint32 {
	return NofSFNs * SlotsPerFrame(numerology)
}

// Valid reports whether s was constructed rather than zero-valued.
func (s SlotPoint) Valid() bool { return s.numerology != 0 }

// Numerology returns the subcarrier spacing index.
func (s SlotPoint) Numerology() uint8 {
	s.mustBeValid()
	return s.numerology - 1
}

// Count returns the absolute slot index inside the hyperframe.
func (s SlotPoint) Count() uint32 { return s.count }

// SFN returns the system frame number.
func (s SlotPoint) SFN() uint32 {
	s.mustBeValid()
	return s.count / SlotsPerFrame(s.numerology-1)
}

// SlotIndex returns the slot index within the frame.
func (s SlotPoint) SlotIndex() uint32 {
	s.mustBeValid()
	return s.count % SlotsPerFrame(s.numerology-1)
}

// Add returns s advanced by n slots. Negative n moves backwards.
func (s SlotPoint) Add(n int) SlotPoint {
	s.mustBeValid()
	mod := int64(slotModulus(s.numerology - 1))
	c := (int64(s.count) + int64(n)) % mod
	if c < 0 {
		c += mod
	}
	return SlotPoint{numerology: s.numerology, count: uint32(c)}
}

// Sub returns the signed distance s - o in slots, in the range
// [-modulus/2, modulus/2).
func (s SlotPoint) Sub(o SlotPoint) int {
	s.mustBeValid()
	o.mustBeValid()
	if s.numerology != o.numerology {
		panic(fmt.Sprintf("model: comparing slots of numerology %d and %d", s.numerology-1, o.numerology-1))
	}
	mod := int64(slotModulus(s.numerology - 1))
	d := (int64(s.count) - int64(o.count)) % mod
	if d < 0 {
		d += mod
	}
	if d >= mod/2 {
		d -= mod
	}
	return int(d)
}

// Before reports whether s is strictly earlier than o.
func (s SlotPoint) Before(o SlotPoint) bool { return s.Sub(o) < 0 }

// After reports whether s is strictly later than o.
func (s SlotPoint) After(o SlotPoint) bool { return s.Sub(o) > 0 }

// AtOrAfter reports whether s is equal to or later than o.
func (s SlotPoint) AtOrAfter(o SlotPoint) bool { return s.Sub(o) >= 0 }

// Equal reports whether both slots denote the same instant.
func (s SlotPoint) Equal(o SlotPoint) bool {
	return s.numerology == o.numerology && s.count == o.count
}

func (s SlotPoint) String() string {
	if !s.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", s.SFN(), s.SlotIndex())
}

func (s SlotPoint) mustBeValid() {
	if !s.Valid() {
		panic("model: operation on invalid slot")
	}
}
