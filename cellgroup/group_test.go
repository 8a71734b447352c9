package cellgroup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

type timeoutRecord struct {
	ue   model.UEIndex
	cell model.CellIndex
	dir  model.Direction
}

type recordingNotifier struct{ got []timeoutRecord }

func (r *recordingNotifier) NotifyHarqTimeout(u model.UEIndex, c model.CellIndex, d model.Direction) {
	r.got = append(r.got, timeoutRecord{u, c, d})
}

type recordingMetrics struct {
	slots  int
	active int
	dl, ul uint64
}

func (m *recordingMetrics) ObserveSlot(time.Duration)     { m.slots++ }
func (m *recordingMetrics) SetActiveUEs(n int)            { m.active = n }
func (m *recordingMetrics) SetPendingBytes(dl, ul uint64) { m.dl, m.ul = dl, ul }

func testConfig() Config {
	return Config{
		Numerology: 0,
		Cells:      []CellConfig{{Index: 1, PCI: 10}, {Index: 0, PCI: 11}},
		Harq: harq.Config{
			MaxUEs:           8,
			NofDLHarqs:       4,
			NofULHarqs:       4,
			MaxDLRetxs:       2,
			MaxULRetxs:       2,
			RoundTripSlots:   8,
			RetxTimeoutSlots: 8,
		},
		CQIMargin: 3,
	}
}

func createRequest(idx model.UEIndex, cells ...model.CellIndex) ue.CreateRequest {
	req := ue.CreateRequest{
		Index: idx,
		RNTI:  model.RNTI(0x4600 + uint16(idx)),
		LogicalChannels: []model.LogicalChannelConfig{
			{LCID: model.LCIDSRB0, LCGID: 0},
			{LCID: 4, LCGID: 1},
		},
	}
	for _, c := range cells {
		req.Cells = append(req.Cells, ue.CellConfig{CellIndex: c, DLAckDelay: 4, ULAckDelay: 4, MaxLayers: 1})
	}
	return req
}

func newTestGroup(t *testing.T, opts ...Option) *Group {
	t.Helper()
	g, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func grantParams() model.TxParams {
	return model.TxParams{MCS: 10, Modulation: model.QPSK, TBSBytes: 300, PRBs: model.PRBInterval{Start: 0, Stop: 10}, NofLayers: 1}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no cells", func(c *Config) { c.Cells = nil }},
		{"duplicate cell", func(c *Config) { c.Cells = []CellConfig{{Index: 2}, {Index: 2}} }},
		{"cell out of range", func(c *Config) { c.Cells = []CellConfig{{Index: model.MaxCells}} }},
		{"numerology", func(c *Config) { c.Numerology = model.MaxNumerology + 1 }},
		{"harq", func(c *Config) { c.Harq.RoundTripSlots = 0 }},
	}
	for _, tt := range tests {
		cfg := testConfig()
		tt.mutate(&cfg)
		if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: New() error = %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func TestCellsAreSorted(t *testing.T) {
	g := newTestGroup(t)
	cells := g.Cells()
	if len(cells) != 2 || cells[0] != 0 || cells[1] != 1 {
		t.Fatalf("Cells() = %v, want [0 1]", cells)
	}
	if _, ok := g.Pool(5); ok {
		t.Fatalf("Pool(5) found a pool for a cell outside the group")
	}
}

func TestAddUEOrdersByIndex(t *testing.T) {
	g := newTestGroup(t)
	for _, idx := range []model.UEIndex{5, 1, 3} {
		if _, err := g.AddUE(createRequest(idx, 0)); err != nil {
			t.Fatalf("AddUE(%d): %v", idx, err)
		}
	}
	if _, err := g.AddUE(createRequest(3, 0)); !errors.Is(err, ErrUEExists) {
		t.Fatalf("duplicate AddUE error = %v, want ErrUEExists", err)
	}

	var got []model.UEIndex
	for _, u := range g.UEs() {
		got = append(got, u.Index())
	}
	want := []model.UEIndex{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("UEs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UEs() = %v, want %v", got, want)
		}
	}
}

func TestAddUERejectsIndexBeyondPool(t *testing.T) {
	g := newTestGroup(t)
	if _, err := g.AddUE(createRequest(8, 0)); err == nil {
		t.Fatalf("AddUE accepted ue index beyond pool capacity")
	}
	if _, err := g.AddUE(createRequest(2, 7)); !errors.Is(err, ue.ErrUnknownCell) {
		t.Fatalf("AddUE with unknown cell error = %v, want ue.ErrUnknownCell", err)
	}
}

func TestRemoveUEWaitsForHarqDrain(t *testing.T) {
	notifier := &recordingNotifier{}
	g := newTestGroup(t, WithNotifier(notifier))

	var events []Event
	g.Subscribe(func(ev Event) { events = append(events, ev) })

	u, err := g.AddUE(createRequest(2, 0))
	if err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	start := model.NewSlotPoint(0, 10, 0)
	g.SlotIndication(start)

	cell := u.PCell()
	id, err := cell.AllocateNewTx(model.Downlink, start)
	if err != nil {
		t.Fatalf("AllocateNewTx: %v", err)
	}
	cell.SaveGrant(model.Downlink, id, model.TBInfo{}, nil, grantParams())

	if err := g.RemoveUE(2); err != nil {
		t.Fatalf("RemoveUE: %v", err)
	}
	if !u.Deactivated() {
		t.Fatalf("removed UE was not deactivated")
	}

	for i := 1; i < 8; i++ {
		g.SlotIndication(start.Add(i))
		if _, ok := g.UE(2); !ok {
			t.Fatalf("UE dropped at slot +%d with a process in flight", i)
		}
	}
	g.SlotIndication(start.Add(8))
	if _, ok := g.UE(2); ok {
		t.Fatalf("UE still present after its process timed out")
	}
	if len(notifier.got) != 1 || notifier.got[0] != (timeoutRecord{2, 0, model.Downlink}) {
		t.Fatalf("timeouts = %+v, want one DL timeout for ue 2 cell 0", notifier.got)
	}

	wantTypes := []EventType{EventUEAdded, EventUERemoving, EventUERemoved}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %+v, want %v", events, wantTypes)
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] || ev.UE != 2 {
			t.Fatalf("event %d = %+v, want %v for ue 2", i, ev, wantTypes[i])
		}
	}
}

func TestRemoveIdleUEIsImmediate(t *testing.T) {
	g := newTestGroup(t)
	if _, err := g.AddUE(createRequest(4, 0, 1)); err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	if err := g.RemoveUE(4); err != nil {
		t.Fatalf("RemoveUE: %v", err)
	}
	if _, ok := g.UE(4); ok {
		t.Fatalf("idle UE still present after RemoveUE")
	}
	if err := g.RemoveUE(4); !errors.Is(err, ErrUnknownUE) {
		t.Fatalf("second RemoveUE error = %v, want ErrUnknownUE", err)
	}
}

func TestReconfigureUnknownUE(t *testing.T) {
	g := newTestGroup(t)
	err := g.ReconfigureUE(context.Background(), 3, ue.ReconfigurationRequest{})
	if !errors.Is(err, ErrUnknownUE) {
		t.Fatalf("ReconfigureUE error = %v, want ErrUnknownUE", err)
	}
}

func TestSlotIndicationPublishesStats(t *testing.T) {
	metrics := &recordingMetrics{}
	g := newTestGroup(t, WithMetrics(metrics))

	u, err := g.AddUE(createRequest(1, 0))
	if err != nil {
		t.Fatalf("AddUE: %v", err)
	}
	u.HandleDLBufferState(4, 1500)

	slot := model.NewSlotPoint(0, 0, 3)
	g.SlotIndication(slot)
	g.SlotIndication(slot)

	st := g.Stats()
	if !st.Slot.Equal(slot) || st.Slots != 1 || st.UEs != 1 || st.PendingDLBytes != 1500 {
		t.Fatalf("Stats() = %+v, want slot %v, 1 slot, 1 UE, 1500 DL bytes", st, slot)
	}
	if metrics.slots != 1 || metrics.active != 1 || metrics.dl != 1500 {
		t.Fatalf("metrics = %+v, want 1 slot, 1 active UE, 1500 DL bytes", metrics)
	}
}

func TestSlotIndicationBackwardsPanics(t *testing.T) {
	g := newTestGroup(t)
	g.SlotIndication(model.NewSlotPoint(0, 5, 0))

	defer func() {
		if recover() == nil {
			t.Fatalf("SlotIndication did not panic on an older slot")
		}
	}()
	g.SlotIndication(model.NewSlotPoint(0, 4, 0))
}

func TestPostQueueFull(t *testing.T) {
	g := newTestGroup(t, WithQueueSize(1))
	if err := g.Post(func(*Group) {}); err != nil {
		t.Fatalf("first Post: %v", err)
	}
	if err := g.Post(func(*Group) {}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Post error = %v, want ErrQueueFull", err)
	}
}

func TestPostedTasksRunBeforeSlot(t *testing.T) {
	g := newTestGroup(t)
	if err := g.Post(func(g *Group) {
		if _, err := g.AddUE(createRequest(6, 1)); err != nil {
			t.Errorf("AddUE: %v", err)
		}
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	g.SlotIndication(model.NewSlotPoint(0, 0, 0))
	if st := g.Stats(); st.UEs != 1 {
		t.Fatalf("Stats().UEs = %d, want 1", st.UEs)
	}
}

func TestRunProcessesSlotsAndStops(t *testing.T) {
	g := newTestGroup(t)
	slots := make(chan model.SlotPoint)
	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background(), slots) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := g.Call(ctx, func(g *Group) error {
		_, err := g.AddUE(createRequest(1, 0))
		return err
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	start := model.NewSlotPoint(0, 1, 0)
	for i := 0; i < 3; i++ {
		slots <- start.Add(i)
	}
	close(slots)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatalf("Run did not return after the slot channel closed")
	}

	if st := g.Stats(); !st.Slot.Equal(start.Add(2)) || st.Slots != 3 {
		t.Fatalf("Stats() = %+v, want last slot %v after 3 slots", st, start.Add(2))
	}
	if err := g.Post(func(*Group) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Post after Run error = %v, want ErrStopped", err)
	}
}

func TestCallRacingStopNeverHangs(t *testing.T) {
	for i := 0; i < 50; i++ {
		g := newTestGroup(t)
		slots := make(chan model.SlotPoint)
		done := make(chan error, 1)
		go func() { done <- g.Run(context.Background(), slots) }()

		calls := make(chan error, 1)
		go func() {
			calls <- g.Call(context.Background(), func(*Group) error { return nil })
		}()
		close(slots)

		select {
		case err := <-calls:
			if err != nil && !errors.Is(err, ErrStopped) {
				t.Fatalf("Call() = %v, want nil or ErrStopped", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Call racing the end of Run did not return")
		}
		if err := <-done; err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
		if err := g.Call(context.Background(), func(*Group) error { return nil }); !errors.Is(err, ErrStopped) {
			t.Fatalf("Call after Run error = %v, want ErrStopped", err)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	g := newTestGroup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Run(ctx, make(chan model.SlotPoint)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestReconfigureUEAddsCellAndBearer(t *testing.T) {
	g := newTestGroup(t)
	u, err := g.AddUE(createRequest(2, 0))
	if err != nil {
		t.Fatalf("AddUE: %v", err)
	}

	next := createRequest(2, 0, 1)
	next.LogicalChannels = append(next.LogicalChannels, model.LogicalChannelConfig{LCID: 5, LCGID: 2})
	err = g.ReconfigureUE(context.Background(), 2, ue.ReconfigurationRequest{
		Cells:           next.Cells,
		LogicalChannels: next.LogicalChannels,
	})
	if err != nil {
		t.Fatalf("ReconfigureUE: %v", err)
	}
	if _, ok := u.Cell(1); !ok {
		t.Fatalf("cell 1 not added to ue 2")
	}
	if !u.DL().IsActive(5) {
		t.Fatalf("lcid 5 not active after reconfiguration")
	}
}
