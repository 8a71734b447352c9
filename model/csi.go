package model

// CQI is a wideband channel quality indicator in [0, 15]. Zero means
// "out of range" in the CQI tables and is treated as no usable report.
type CQI uint8

// MaxCQI is the highest reportable CQI.
const MaxCQI CQI = 15

// Valid reports whether the CQI is inside the reportable range.
func (c CQI) Valid() bool { return c <= MaxCQI }

// ChannelQualityState is the most recent channel-state feedback of a UE in
// one cell. Each report overwrites it.
type ChannelQualityState struct {
	WidebandCQI CQI
	// RI is the reported rank. Zero means no rank has been reported.
	RI uint8
	// Slot is when the report was received; invalid until the first report.
	Slot SlotPoint
}

// Reported reports whether at least one CSI report has been applied.
func (s ChannelQualityState) Reported() bool { return s.Slot.Valid() }

// CSIReport is a decoded CSI report from the uplink control path. Optional
// fields are nil when the report did not carry them.
type CSIReport struct {
	WidebandCQI *CQI
	RI          *uint8
}
