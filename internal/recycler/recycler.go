// Package recycler takes payload buffers freed on the slot path and returns
// them to a buffer pool from a background worker, so clearing and pooling
// never run inside a slot.
//
// Freed buffers go into one of three bins. The slot goroutine fills one;
// Flush swaps it with the middle bin and wakes the worker; the worker swaps
// the middle bin with the dump bin and empties it. Only the swaps take the
// lock.
package recycler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/macsched/internal/logging"
)

// DropObserver is told about every buffer that could not be queued.
type DropObserver interface {
	OnRecyclerDrop()
}

// Option customises a Recycler.
type Option func(*Recycler)

// WithDropObserver registers a metrics hook for dropped buffers.
func WithDropObserver(o DropObserver) Option {
	return func(r *Recycler) { r.drops = o }
}

// WithMaxPooledSize bounds the capacity of buffers kept for reuse. Larger
// buffers are left to the garbage collector.
func WithMaxPooledSize(n int) Option {
	return func(r *Recycler) { r.maxPooled = n }
}

// Recycler is a three-bin payload recycler. ReleasePayload and Flush must
// be called from one goroutine; Run runs on another.
type Recycler struct {
	bins   [3][][]byte
	toFill *[][]byte
	toSwap *[][]byte
	toDump *[][]byte
	mu     sync.Mutex

	wake chan struct{}
	pool sync.Pool

	capacity  int
	maxPooled int

	queued   atomic.Uint64
	dropped  atomic.Uint64
	recycled atomic.Uint64

	drops DropObserver
	log   logging.Logger
}

// New returns a recycler whose bins hold up to capacity buffers each.
func New(capacity int, log logging.Logger, opts ...Option) *Recycler {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = logging.Noop()
	}
	r := &Recycler{
		wake:      make(chan struct{}, 1),
		capacity:  capacity,
		maxPooled: 64 * 1024,
		log:       log,
	}
	for i := range r.bins {
		r.bins[i] = make([][]byte, 0, capacity)
	}
	r.toFill, r.toSwap, r.toDump = &r.bins[0], &r.bins[1], &r.bins[2]
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReleasePayload queues buf for recycling. When the fill bin is full the
// buffer is dropped and counted; the caller never waits.
func (r *Recycler) ReleasePayload(buf []byte) {
	if buf == nil {
		return
	}
	if len(*r.toFill) >= r.capacity {
		r.dropped.Add(1)
		if r.drops != nil {
			r.drops.OnRecyclerDrop()
		}
		return
	}
	*r.toFill = append(*r.toFill, buf)
	r.queued.Add(1)
}

// Flush hands the buffers queued so far to the worker. It returns false
// when the worker already has a pending wake-up; the buffers then wait for
// that run.
func (r *Recycler) Flush(ctx context.Context) bool {
	r.mu.Lock()
	if len(*r.toSwap) == 0 || len(*r.toFill) > 0 {
		r.toFill, r.toSwap = r.toSwap, r.toFill
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
		return true
	default:
		r.log.Debug(ctx, "recycler worker busy; deferring payload release")
		return false
	}
}

// Run empties handed-off bins until ctx is done.
func (r *Recycler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.clear()
		}
	}
}

func (r *Recycler) clear() {
	r.mu.Lock()
	r.toSwap, r.toDump = r.toDump, r.toSwap
	r.mu.Unlock()

	bin := *r.toDump
	for i, buf := range bin {
		bin[i] = nil
		if cap(buf) > r.maxPooled {
			continue
		}
		clear(buf[:cap(buf)])
		b := buf[:0]
		r.pool.Put(&b)
		r.recycled.Add(1)
	}
	*r.toDump = bin[:0]
}

// Get returns a zeroed buffer of length n, reusing a recycled one when a
// large enough buffer is available.
func (r *Recycler) Get(n int) []byte {
	if v, ok := r.pool.Get().(*[]byte); ok && cap(*v) >= n {
		return (*v)[:n]
	}
	return make([]byte, n)
}

// Stats is a snapshot of recycler counters.
type Stats struct {
	Queued   uint64
	Dropped  uint64
	Recycled uint64
}

// Stats returns the counters accumulated since construction.
func (r *Recycler) Stats() Stats {
	return Stats{
		Queued:   r.queued.Load(),
		Dropped:  r.dropped.Load(),
		Recycled: r.recycled.Load(),
	}
}
