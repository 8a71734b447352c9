package simulate

import (
	"reflect"
	"testing"

	"github.com/signalsfoundry/macsched/model"
)

type fakeClock struct{ now model.SlotPoint }

func (c *fakeClock) Now() model.SlotPoint { return c.now }

func TestEventSchedulerRunsDueInOrder(t *testing.T) {
	clock := &fakeClock{now: model.NewSlotPoint(1, 0, 0)}
	s := NewEventScheduler(clock)

	var got []string
	record := func(name string) func() { return func() { got = append(got, name) } }

	s.Schedule(clock.now.Add(3), record("c"))
	s.Schedule(clock.now.Add(1), record("a"))
	s.Schedule(clock.now.Add(1), record("b"))
	s.Schedule(clock.now.Add(5), record("d"))

	clock.now = clock.now.Add(3)
	s.RunDue()

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}
}

func TestEventSchedulerCancel(t *testing.T) {
	clock := &fakeClock{now: model.NewSlotPoint(0, 10, 0)}
	s := NewEventScheduler(clock)

	ran := false
	id := s.Schedule(clock.now, func() { ran = true })
	s.Cancel(id)
	s.Cancel("ev-unknown")
	s.RunDue()

	if ran {
		t.Fatalf("cancelled event ran")
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", s.Pending())
	}
}

func TestEventSchedulerCallbackSchedulesDueEvent(t *testing.T) {
	clock := &fakeClock{now: model.NewSlotPoint(0, 0, 0)}
	s := NewEventScheduler(clock)

	var got []int
	s.Schedule(clock.now, func() {
		got = append(got, 1)
		s.Schedule(clock.now, func() { got = append(got, 2) })
		s.Schedule(clock.now.Add(1), func() { got = append(got, 3) })
	})
	s.RunDue()

	if want := []int{1, 2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
}

func TestEventSchedulerAcrossWrap(t *testing.T) {
	clock := &fakeClock{now: model.NewSlotPoint(0, model.NofSFNs-1, 9)}
	s := NewEventScheduler(clock)

	var got []string
	s.Schedule(clock.now.Add(2), func() { got = append(got, "after") })
	s.Schedule(clock.now, func() { got = append(got, "before") })

	clock.now = clock.now.Add(2)
	s.RunDue()
	if want := []string{"before", "after"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
}
