// Package simulate is a loopback PHY and traffic model that drives a cell
// group end to end: it generates buffer state and channel reports, grants
// resources with a plain round-robin allocator, and feeds back HARQ-ACKs
// and CRCs drawn from a BLER model.
package simulate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/timectrl"
)

// EventScheduler runs callbacks at a given slot of a SlotClock.
//
// The simulator calls RunDue at the start of every slot; callbacks that
// represent feedback or reports are scheduled for the slot they would
// arrive in.
type EventScheduler interface {
	// Schedule registers f to run at slot at and returns an id that can be
	// used to cancel it.
	Schedule(at model.SlotPoint, f func()) (id string)

	// Cancel drops a scheduled event. It is a no-op if the id is unknown or
	// the event already ran.
	Cancel(id string)

	// Now returns the clock's current slot.
	Now() model.SlotPoint

	// RunDue executes every event scheduled at or before Now, earliest
	// first and in scheduling order for equal slots. Events scheduled by a
	// callback for a slot already due run in the same call.
	RunDue()

	// Pending returns how many events are waiting.
	Pending() int
}

type scheduledEvent struct {
	id        string
	when      model.SlotPoint
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.SlotClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates an event scheduler backed by clock.
func NewEventScheduler(clock timectrl.SlotClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at model.SlotPoint, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}

	// after every event at the same slot
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(at)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[id] = ev
	return id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	// removal from events is lazy
	ev.cancelled = true
	delete(s.index, id)
}

func (s *eventScheduler) Now() model.SlotPoint {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest due event, or nil.
func (s *eventScheduler) popDueLocked(now model.SlotPoint) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events[0] = nil
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events[0] = nil
		s.events = s.events[1:]
		return ev
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		ev := s.popDueLocked(now)
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// outside the lock so callbacks can schedule more events
		if ev.f != nil {
			ev.f()
		}
	}
}
