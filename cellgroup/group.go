// Package cellgroup runs the scheduler state of one cell group on a single
// executor goroutine. It owns the HARQ pools of the group's cells and the
// UE repository, and serialises slot indications with every asynchronous
// input posted to it.
package cellgroup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/internal/logging"
	"github.com/signalsfoundry/macsched/internal/observability"
	"github.com/signalsfoundry/macsched/linkadapt"
	"github.com/signalsfoundry/macsched/model"
	"github.com/signalsfoundry/macsched/ue"
)

var (
	// ErrQueueFull is returned by Post when the mailbox has no room.
	ErrQueueFull = errors.New("cellgroup: queue full")
	// ErrStopped is returned by Post once Run has returned.
	ErrStopped = errors.New("cellgroup: stopped")
	// ErrUEExists is returned when adding a UE whose index is taken.
	ErrUEExists = errors.New("cellgroup: ue already exists")
	// ErrUnknownUE is returned for operations on a UE that is not present.
	ErrUnknownUE = errors.New("cellgroup: unknown ue")
	// ErrInvalidConfig wraps every construction-time config problem.
	ErrInvalidConfig = errors.New("cellgroup: invalid config")
)

// DefaultQueueSize is the mailbox capacity when none is configured.
const DefaultQueueSize = 1024

// CellConfig describes one cell of the group. MaxUEs overrides the pool
// capacity of Config.Harq for this cell when positive.
type CellConfig struct {
	Index  model.CellIndex `json:"index"`
	PCI    uint16          `json:"pci"`
	MaxUEs int             `json:"max_ues,omitempty"`
}

// Config describes the cells and shared tuning of a cell group. Every cell
// of the group shares one numerology.
type Config struct {
	Numerology uint8           `json:"numerology"`
	Cells      []CellConfig    `json:"cells"`
	Harq       harq.Config     `json:"harq"`
	CQIMargin  uint8           `json:"cqi_margin"`
	Expert     ue.ExpertConfig `json:"expert"`
}

// Validate checks the group config.
func (c Config) Validate() error {
	if c.Numerology > model.MaxNumerology {
		return fmt.Errorf("%w: numerology %d", ErrInvalidConfig, c.Numerology)
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("%w: no cells", ErrInvalidConfig)
	}
	var seen [model.MaxCells]bool
	for _, cell := range c.Cells {
		if !cell.Index.Valid() {
			return fmt.Errorf("%w: cell index %d", ErrInvalidConfig, cell.Index)
		}
		if seen[cell.Index] {
			return fmt.Errorf("%w: cell %d listed twice", ErrInvalidConfig, cell.Index)
		}
		seen[cell.Index] = true
		if cell.MaxUEs < 0 || cell.MaxUEs > model.MaxUEs {
			return fmt.Errorf("%w: cell %d max ues %d", ErrInvalidConfig, cell.Index, cell.MaxUEs)
		}
	}
	if err := c.Harq.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Metrics receives per-slot figures. SchedulerCollector implements it.
type Metrics interface {
	ObserveSlot(d time.Duration)
	SetActiveUEs(n int)
	SetPendingBytes(dl, ul uint64)
}

// Flusher is implemented by payload releasers that batch work until the
// end of a slot.
type Flusher interface {
	Flush(ctx context.Context) bool
}

// EventType indicates what kind of change happened in the group.
type EventType int

const (
	EventUEAdded EventType = iota
	EventUERemoving
	EventUERemoved
)

func (t EventType) String() string {
	switch t {
	case EventUEAdded:
		return "ue_added"
	case EventUERemoving:
		return "ue_removing"
	case EventUERemoved:
		return "ue_removed"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers on the executor goroutine.
type Event struct {
	Type EventType
	UE   model.UEIndex
	RNTI model.RNTI
}

// Stats is a snapshot published at the end of every slot. It may be read
// from any goroutine.
type Stats struct {
	Slot           model.SlotPoint
	Slots          uint64
	UEs            int
	Removing       int
	PendingDLBytes uint64
	PendingULBytes uint64
}

// Option customises a Group.
type Option func(*Group)

// WithLogger sets the base logger. Slot-path lines go through a rate
// limited view of it.
func WithLogger(l logging.Logger) Option {
	return func(g *Group) {
		if l != nil {
			g.log = l
		}
	}
}

// WithNotifier registers the receiver of HARQ acknowledgment timeouts.
func WithNotifier(n harq.TimeoutNotifier) Option {
	return func(g *Group) { g.notifier = n }
}

// WithObserver registers the HARQ pool observer.
func WithObserver(o harq.Observer) Option {
	return func(g *Group) { g.observer = o }
}

// WithPayloadReleaser registers where freed payload buffers go. If r also
// implements Flusher it is flushed at the end of every slot.
func WithPayloadReleaser(r harq.PayloadReleaser) Option {
	return func(g *Group) { g.releaser = r }
}

// WithQueueSize sets the mailbox capacity.
func WithQueueSize(n int) Option {
	return func(g *Group) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// WithMetrics registers a per-slot metrics sink.
func WithMetrics(m Metrics) Option {
	return func(g *Group) { g.metrics = m }
}

// WithLogRate caps the slot-path log lines per second. Zero keeps the
// default of 50.
func WithLogRate(perSecond int) Option {
	return func(g *Group) {
		if perSecond > 0 {
			g.logRate = perSecond
		}
	}
}

// WithTraceEvery traces one slot in every n. Zero disables slot spans.
func WithTraceEvery(n uint64) Option {
	return func(g *Group) { g.traceEvery = n }
}

// Group is the runtime of one cell group. Apart from Post, Call, Stats and
// Subscribe its methods must run on the executor: either inside Run via
// Post, or directly when no Run loop is active.
type Group struct {
	cfg   Config
	pools [model.MaxCells]*harq.CellPool
	cells []model.CellIndex

	ues      map[model.UEIndex]*ue.UE
	order    []model.UEIndex
	removing map[model.UEIndex]struct{}

	mailbox   chan func(*Group)
	queueSize int
	ctx       context.Context

	// postMu orders sends on mailbox against the final drain in Run.
	postMu  sync.Mutex
	stopped bool

	lastSlot model.SlotPoint
	nofSlots uint64
	stats    atomic.Pointer[Stats]

	subs     []func(Event)
	handlers []SlotHandler

	notifier   harq.TimeoutNotifier
	observer   harq.Observer
	releaser   harq.PayloadReleaser
	metrics    Metrics
	traceEvery uint64
	tracer     trace.Tracer

	log     logging.Logger
	hotLog  logging.Logger
	logRate int
}

// New builds a group and the HARQ pools of its cells.
func New(cfg Config, opts ...Option) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Group{
		cfg:        cfg,
		ues:        make(map[model.UEIndex]*ue.UE),
		removing:   make(map[model.UEIndex]struct{}),
		queueSize:  DefaultQueueSize,
		ctx:        context.Background(),
		traceEvery: 1024,
		tracer:     observability.Tracer(),
		log:        logging.Noop(),
		logRate:    50,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.hotLog = logging.NewLimited(g.log, g.logRate)
	g.mailbox = make(chan func(*Group), g.queueSize)
	g.stats.Store(&Stats{})

	poolOpts := []harq.Option{
		harq.WithTimeoutNotifier(g.notifier),
		harq.WithObserver(g.observer),
		harq.WithGate(linkadapt.NewGate(cfg.CQIMargin)),
	}
	if g.releaser != nil {
		poolOpts = append(poolOpts, harq.WithPayloadReleaser(g.releaser))
	}
	for _, cell := range cfg.Cells {
		poolCfg := cfg.Harq
		if cell.MaxUEs > 0 {
			poolCfg.MaxUEs = cell.MaxUEs
		}
		g.pools[cell.Index] = harq.NewCellPool(cell.Index, poolCfg, g.hotLog, poolOpts...)
		g.cells = append(g.cells, cell.Index)
	}
	slices.Sort(g.cells)
	return g, nil
}

// Config returns the group config.
func (g *Group) Config() Config { return g.cfg }

// Pool returns the HARQ pool of a cell of the group.
func (g *Group) Pool(cell model.CellIndex) (*harq.CellPool, bool) {
	if !cell.Valid() || g.pools[cell] == nil {
		return nil, false
	}
	return g.pools[cell], true
}

// Cells lists the group's cell indexes in ascending order.
func (g *Group) Cells() []model.CellIndex { return g.cells }

// LastSlot returns the last slot processed.
func (g *Group) LastSlot() model.SlotPoint { return g.lastSlot }

// Stats returns the snapshot published at the end of the last slot.
func (g *Group) Stats() Stats { return *g.stats.Load() }

// Subscribe registers a callback for UE lifecycle events. Callbacks run on
// the executor and must not block. Subscribe before Run.
func (g *Group) Subscribe(fn func(Event)) {
	g.subs = append(g.subs, fn)
}

// SlotHandler runs on the executor once per slot, after HARQ and UE state
// advanced to slot and drained removals were dropped.
type SlotHandler func(g *Group, slot model.SlotPoint)

// AddSlotHandler registers h. Register before Run.
func (g *Group) AddSlotHandler(h SlotHandler) {
	g.handlers = append(g.handlers, h)
}

func (g *Group) emit(ev Event) {
	for _, fn := range g.subs {
		fn(ev)
	}
}

// AddUE creates a UE from req.
func (g *Group) AddUE(req ue.CreateRequest) (*ue.UE, error) {
	if _, exists := g.ues[req.Index]; exists {
		return nil, fmt.Errorf("%w: ue %d", ErrUEExists, req.Index)
	}
	if err := g.checkCapacity(req.Index, req.Cells); err != nil {
		return nil, err
	}
	u, err := ue.New(req, ue.Deps{
		Pools:  g.Pool,
		Expert: g.cfg.Expert,
		Logger: g.log,
	})
	if err != nil {
		return nil, err
	}
	g.ues[req.Index] = u
	i, _ := slices.BinarySearch(g.order, req.Index)
	g.order = slices.Insert(g.order, i, req.Index)

	g.log.Info(g.ctx, "ue added",
		logging.Int("ue", int(req.Index)),
		logging.String("rnti", req.RNTI.String()),
		logging.Int("cells", len(req.Cells)),
	)
	g.emit(Event{Type: EventUEAdded, UE: req.Index, RNTI: req.RNTI})
	return u, nil
}

// RemoveUE deactivates a UE. It stays in the group until its HARQ
// processes have drained and is dropped at the end of that slot.
func (g *Group) RemoveUE(idx model.UEIndex) error {
	u, ok := g.ues[idx]
	if !ok {
		return fmt.Errorf("%w: ue %d", ErrUnknownUE, idx)
	}
	if _, pending := g.removing[idx]; pending {
		return nil
	}
	u.Deactivate()
	g.removing[idx] = struct{}{}
	g.emit(Event{Type: EventUERemoving, UE: idx, RNTI: u.RNTI()})
	if !u.HasInFlight() {
		g.drop(idx)
	}
	return nil
}

// ReconfigureUE applies req to a UE.
func (g *Group) ReconfigureUE(ctx context.Context, idx model.UEIndex, req ue.ReconfigurationRequest) error {
	u, ok := g.ues[idx]
	if !ok {
		return fmt.Errorf("%w: ue %d", ErrUnknownUE, idx)
	}
	if err := g.checkCapacity(idx, req.Cells); err != nil {
		return err
	}
	ctx, span := g.tracer.Start(ctx, "cellgroup.reconfigure_ue",
		trace.WithAttributes(attribute.Int("ue", int(idx)), attribute.Int("cells", len(req.Cells))))
	defer span.End()
	err := u.HandleReconfigurationRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (g *Group) checkCapacity(idx model.UEIndex, cells []ue.CellConfig) error {
	for _, cell := range cells {
		if pool, ok := g.Pool(cell.CellIndex); ok && int(idx) >= pool.Config().MaxUEs {
			return fmt.Errorf("ue %d beyond capacity %d of cell %d", idx, pool.Config().MaxUEs, cell.CellIndex)
		}
	}
	return nil
}

// UE returns the UE with the given index.
func (g *Group) UE(idx model.UEIndex) (*ue.UE, bool) {
	u, ok := g.ues[idx]
	return u, ok
}

// UEs returns the group's UEs ordered by index.
func (g *Group) UEs() []*ue.UE {
	out := make([]*ue.UE, 0, len(g.order))
	for _, idx := range g.order {
		out = append(out, g.ues[idx])
	}
	return out
}

// Removing reports whether a UE is draining before removal.
func (g *Group) Removing(idx model.UEIndex) bool {
	_, ok := g.removing[idx]
	return ok
}

func (g *Group) drop(idx model.UEIndex) {
	u := g.ues[idx]
	delete(g.ues, idx)
	delete(g.removing, idx)
	if i, found := slices.BinarySearch(g.order, idx); found {
		g.order = slices.Delete(g.order, i, i+1)
	}
	g.log.Info(g.ctx, "ue removed", logging.Int("ue", int(idx)))
	g.emit(Event{Type: EventUERemoved, UE: idx, RNTI: u.RNTI()})
}

// SlotIndication processes one slot: posted tasks, every pool, every UE,
// then tasks posted meanwhile. Slots must be increasing; a repeated slot is
// ignored.
func (g *Group) SlotIndication(slot model.SlotPoint) {
	if g.lastSlot.Valid() && !slot.After(g.lastSlot) {
		if slot.Equal(g.lastSlot) {
			return
		}
		panic(fmt.Sprintf("cellgroup: slot %v delivered after %v", slot, g.lastSlot))
	}
	start := time.Now()
	g.nofSlots++

	ctx := g.ctx
	var span trace.Span
	if g.traceEvery > 0 && g.nofSlots%g.traceEvery == 0 {
		ctx, span = g.tracer.Start(ctx, "cellgroup.slot",
			trace.WithAttributes(attribute.String("slot", slot.String()), attribute.Int("ues", len(g.order))))
	}

	g.drain()
	for _, cell := range g.cells {
		g.pools[cell].SlotIndication(slot)
	}
	for _, idx := range g.order {
		g.ues[idx].SlotIndication(slot)
	}
	if len(g.removing) > 0 {
		for _, idx := range slices.Clone(g.order) {
			if _, ok := g.removing[idx]; ok && !g.ues[idx].HasInFlight() {
				g.drop(idx)
			}
		}
	}
	g.lastSlot = slot
	for _, h := range g.handlers {
		h(g, slot)
	}
	g.drain()

	if f, ok := g.releaser.(Flusher); ok {
		f.Flush(ctx)
	}
	g.publish(slot)

	if g.metrics != nil {
		g.metrics.ObserveSlot(time.Since(start))
	}
	if span != nil {
		span.End()
	}
}

func (g *Group) publish(slot model.SlotPoint) {
	st := &Stats{
		Slot:     slot,
		Slots:    g.nofSlots,
		UEs:      len(g.order),
		Removing: len(g.removing),
	}
	for _, idx := range g.order {
		u := g.ues[idx]
		st.PendingDLBytes += uint64(u.PendingDLNewTxBytes())
		st.PendingULBytes += uint64(u.PendingULNewTxBytes())
	}
	g.stats.Store(st)
	if g.metrics != nil {
		g.metrics.SetActiveUEs(st.UEs - st.Removing)
		g.metrics.SetPendingBytes(st.PendingDLBytes, st.PendingULBytes)
	}
}

// Post hands fn to the executor without blocking.
func (g *Group) Post(fn func(*Group)) error {
	g.postMu.Lock()
	defer g.postMu.Unlock()
	if g.stopped {
		return ErrStopped
	}
	select {
	case g.mailbox <- fn:
		return nil
	default:
		g.hotLog.Warn(context.Background(), "cellgroup mailbox full; dropping task", logging.Int("capacity", g.queueSize))
		return ErrQueueFull
	}
}

// Call posts fn and waits for its result.
func (g *Group) Call(ctx context.Context, fn func(*Group) error) error {
	done := make(chan error, 1)
	if err := g.Post(func(g *Group) { done <- fn(g) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Group) drain() {
	for {
		select {
		case fn := <-g.mailbox:
			fn(g)
		default:
			return
		}
	}
}

// Run is the executor loop. It processes posted tasks as they arrive and
// every slot received on slots, until ctx is done or slots is closed.
// Post fails with ErrStopped once Run has returned.
func (g *Group) Run(ctx context.Context, slots <-chan model.SlotPoint) error {
	g.ctx = ctx
	defer func() {
		g.postMu.Lock()
		g.stopped = true
		g.postMu.Unlock()
		g.drain()
		g.ctx = context.Background()
	}()

	g.log.Info(ctx, "cell group started",
		logging.Int("cells", len(g.cells)),
		logging.Int("queue_size", g.queueSize),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-g.mailbox:
			fn(g)
		case slot, ok := <-slots:
			if !ok {
				return nil
			}
			g.SlotIndication(slot)
		}
	}
}
