package harq

import (
	"github.com/signalsfoundry/macsched/linkadapt"
	"github.com/signalsfoundry/macsched/model"
)

// TimeoutNotifier receives acknowledgment timeouts. Calls are made from the
// cell's slot path and must not block.
type TimeoutNotifier interface {
	NotifyHarqTimeout(ue model.UEIndex, cell model.CellIndex, dir model.Direction)
}

// TimeoutNotifierFunc adapts a function to TimeoutNotifier.
type TimeoutNotifierFunc func(ue model.UEIndex, cell model.CellIndex, dir model.Direction)

func (f TimeoutNotifierFunc) NotifyHarqTimeout(ue model.UEIndex, cell model.CellIndex, dir model.Direction) {
	f(ue, cell, dir)
}

// Observer receives the remaining pool events for metrics. Like the
// notifier it is called inline and must not block.
type Observer interface {
	OnHarqAllocFailure(cell model.CellIndex, dir model.Direction)
	OnHarqFeedback(cell model.CellIndex, dir model.Direction, outcome Outcome)
	OnRetxSuppressed(cell model.CellIndex, reason linkadapt.Reason)
	OnRetxExpired(cell model.CellIndex, dir model.Direction)
	OnSlotsSkipped(cell model.CellIndex, n int)
}

// PayloadReleaser takes ownership of payload buffers of processes returning
// to Idle.
type PayloadReleaser interface {
	ReleasePayload(buf []byte)
}

type nopNotifier struct{}

func (nopNotifier) NotifyHarqTimeout(model.UEIndex, model.CellIndex, model.Direction) {}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnHarqAllocFailure(model.CellIndex, model.Direction)      {}
func (NopObserver) OnHarqFeedback(model.CellIndex, model.Direction, Outcome) {}
func (NopObserver) OnRetxSuppressed(model.CellIndex, linkadapt.Reason)       {}
func (NopObserver) OnRetxExpired(model.CellIndex, model.Direction)           {}
func (NopObserver) OnSlotsSkipped(model.CellIndex, int)                      {}
