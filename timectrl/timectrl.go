package timectrl

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/macsched/model"
)

// SlotClock gives read access to the current slot. Components that only
// need to know "now" depend on it rather than on a concrete controller.
type SlotClock interface {
	Now() model.SlotPoint
}

// Mode describes how the SlotController advances slots.
type Mode int

const (
	// RealTime follows the wall clock. A listener that overruns its slot
	// causes the next indication to skip ahead.
	RealTime Mode = iota
	// Accelerated delivers every slot back to back, as fast as listeners
	// return.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration string to a Mode. Unknown values fall
// back to RealTime.
func ParseMode(s string) Mode {
	if s == "accelerated" {
		return Accelerated
	}
	return RealTime
}

// SlotDuration returns the slot length for the given numerology.
func SlotDuration(numerology uint8) time.Duration {
	return time.Millisecond >> numerology
}

// SlotController drives the slot counter and notifies registered
// listeners on every indication. It implements SlotClock.
type SlotController struct {
	mu      sync.RWMutex
	start   model.SlotPoint
	tick    time.Duration
	mode    Mode
	current model.SlotPoint

	listeners []func(model.SlotPoint)
}

// NewSlotController constructs a controller starting at start. The tick
// is derived from the slot numerology.
func NewSlotController(start model.SlotPoint, mode Mode) *SlotController {
	return &SlotController{
		start:   start,
		tick:    SlotDuration(start.Numerology()),
		mode:    mode,
		current: start,
	}
}

// Now returns the last indicated slot. Implements SlotClock.
func (sc *SlotController) Now() model.SlotPoint {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.current
}

// Mode returns the pacing mode.
func (sc *SlotController) Mode() Mode { return sc.mode }

// Tick returns the wall-clock length of one slot.
func (sc *SlotController) Tick() time.Duration { return sc.tick }

// AddListener registers a callback invoked on every slot indication.
// Listeners must be added before Run or Slots.
func (sc *SlotController) AddListener(fn func(model.SlotPoint)) {
	sc.listeners = append(sc.listeners, fn)
}

// Run indicates nofSlots slots, or runs until ctx is done when nofSlots is
// zero. The first indication is the start slot. It returns how many slots
// the run covered, skipped ones included.
func (sc *SlotController) Run(ctx context.Context, nofSlots uint64) uint64 {
	sc.mu.RLock()
	start := sc.start
	sc.mu.RUnlock()

	if sc.mode == Accelerated {
		return sc.runAccelerated(ctx, start, nofSlots)
	}
	return sc.runRealTime(ctx, start, nofSlots)
}

// Slots runs the controller in a separate goroutine and streams every
// indicated slot on the returned channel, which is closed when the run
// ends. A slow receiver holds back Accelerated runs and causes skipped
// slots in RealTime runs.
func (sc *SlotController) Slots(ctx context.Context, nofSlots uint64) <-chan model.SlotPoint {
	out := make(chan model.SlotPoint, 1)
	sc.AddListener(func(s model.SlotPoint) {
		select {
		case out <- s:
		case <-ctx.Done():
		}
	})
	go func() {
		defer close(out)
		sc.Run(ctx, nofSlots)
	}()
	return out
}

func (sc *SlotController) runAccelerated(ctx context.Context, start model.SlotPoint, nofSlots uint64) uint64 {
	var n uint64
	for nofSlots == 0 || n < nofSlots {
		select {
		case <-ctx.Done():
			return n
		default:
		}
		sc.indicate(start.Add(int(n)))
		n++
	}
	return n
}

func (sc *SlotController) runRealTime(ctx context.Context, start model.SlotPoint, nofSlots uint64) uint64 {
	begin := time.Now()
	sc.indicate(start)
	if nofSlots == 1 {
		return 1
	}

	ticker := time.NewTicker(sc.tick)
	defer ticker.Stop()

	var advanced uint64
	for {
		select {
		case <-ctx.Done():
			return advanced + 1
		case now := <-ticker.C:
			due := uint64(now.Sub(begin) / sc.tick)
			if due <= advanced {
				continue
			}
			if nofSlots > 0 && due >= nofSlots {
				due = nofSlots - 1
			}
			advanced = due
			sc.indicate(start.Add(int(advanced)))
			if nofSlots > 0 && advanced+1 >= nofSlots {
				return advanced + 1
			}
		}
	}
}

func (sc *SlotController) indicate(s model.SlotPoint) {
	sc.mu.Lock()
	sc.current = s
	sc.mu.Unlock()

	for _, fn := range sc.listeners {
		fn(s)
	}
}
