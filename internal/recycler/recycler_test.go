package recycler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingObserver struct{ n atomic.Int32 }

func (c *countingObserver) OnRecyclerDrop() { c.n.Add(1) }

func TestReleaseDropsWhenFillBinFull(t *testing.T) {
	obs := &countingObserver{}
	r := New(2, nil, WithDropObserver(obs))

	for i := 0; i < 3; i++ {
		r.ReleasePayload(make([]byte, 8))
	}

	st := r.Stats()
	if st.Queued != 2 || st.Dropped != 1 {
		t.Fatalf("Stats() = %+v, want 2 queued and 1 dropped", st)
	}
	if got := obs.n.Load(); got != 1 {
		t.Fatalf("OnRecyclerDrop calls = %d, want 1", got)
	}
}

func TestReleaseIgnoresNil(t *testing.T) {
	r := New(1, nil)
	r.ReleasePayload(nil)
	if st := r.Stats(); st.Queued != 0 {
		t.Fatalf("Queued = %d, want 0", st.Queued)
	}
}

func TestFlushFreesFillBin(t *testing.T) {
	r := New(1, nil)
	r.ReleasePayload(make([]byte, 4))
	r.Flush(context.Background())

	r.ReleasePayload(make([]byte, 4))
	if st := r.Stats(); st.Dropped != 0 {
		t.Fatalf("Dropped = %d after flush, want 0", st.Dropped)
	}
}

func TestFlushReportsBusyWorker(t *testing.T) {
	r := New(4, nil)
	r.ReleasePayload(make([]byte, 4))
	if !r.Flush(context.Background()) {
		t.Fatalf("first Flush = false, want true")
	}
	if r.Flush(context.Background()) {
		t.Fatalf("second Flush without worker = true, want false")
	}
}

func TestWorkerRecyclesBuffers(t *testing.T) {
	r := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	buf := make([]byte, 16)
	buf[0] = 0xff
	r.ReleasePayload(buf)
	r.Flush(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Recycled == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("buffer not recycled within deadline")
		}
		time.Sleep(time.Millisecond)
	}

	got := r.Get(8)
	if len(got) != 8 {
		t.Fatalf("len(Get(8)) = %d, want 8", len(got))
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("Get(8)[%d] = %#x, want 0", i, b)
		}
	}
}

func TestOversizedBuffersAreNotPooled(t *testing.T) {
	r := New(2, nil, WithMaxPooledSize(8))
	r.ReleasePayload(make([]byte, 32))
	r.Flush(context.Background())
	r.clear()

	if st := r.Stats(); st.Recycled != 0 {
		t.Fatalf("Recycled = %d, want 0", st.Recycled)
	}
}

func TestGetAllocatesWhenPoolEmpty(t *testing.T) {
	r := New(1, nil)
	if got := r.Get(100); len(got) != 100 {
		t.Fatalf("len(Get(100)) = %d, want 100", len(got))
	}
}
