package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/macsched/harq"
	"github.com/signalsfoundry/macsched/linkadapt"
	"github.com/signalsfoundry/macsched/model"
)

// SchedulerCollector exposes slot scheduler metrics. It receives HARQ
// timeouts and the other pool events directly, so it can be handed to a
// cell pool as both its timeout notifier and its observer.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	HarqTimeouts      *prometheus.CounterVec
	HarqAllocFailures *prometheus.CounterVec
	HarqFeedback      *prometheus.CounterVec
	RetxSuppressed    *prometheus.CounterVec
	RetxExpired       *prometheus.CounterVec
	SlotsSkipped      prometheus.Counter
	SlotDuration      prometheus.Histogram
	ActiveUEs         prometheus.Gauge
	PendingBytes      *prometheus.GaugeVec
	RecyclerDropped   prometheus.Counter

	// ueTimeouts keeps per-UE counts for reports; UE labels would explode
	// the metric cardinality.
	ueTimeouts [model.MaxUEs][model.NofDirections]atomic.Uint64
}

var (
	_ harq.TimeoutNotifier = (*SchedulerCollector)(nil)
	_ harq.Observer        = (*SchedulerCollector)(nil)
)

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	timeouts, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_timeouts_total",
		Help: "HARQ processes released because no acknowledgment arrived before the deadline.",
	}, []string{"direction"}), "macsched_harq_timeouts_total")
	if err != nil {
		return nil, err
	}

	allocFailures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_alloc_failures_total",
		Help: "HARQ allocations refused because every process of the UE was busy.",
	}, []string{"direction"}), "macsched_harq_alloc_failures_total")
	if err != nil {
		return nil, err
	}

	feedback, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_feedback_total",
		Help: "HARQ feedback handled, labeled by direction and outcome.",
	}, []string{"direction", "outcome"}), "macsched_harq_feedback_total")
	if err != nil {
		return nil, err
	}

	suppressed, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_retx_suppressed_total",
		Help: "Retransmissions vetoed by link adaptation, labeled by reason.",
	}, []string{"reason"}), "macsched_harq_retx_suppressed_total")
	if err != nil {
		return nil, err
	}

	expired, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_retx_expired_total",
		Help: "NACKed processes dropped because no retransmission was granted in time.",
	}, []string{"direction"}), "macsched_harq_retx_expired_total")
	if err != nil {
		return nil, err
	}

	skipped, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "macsched_slots_skipped_total",
		Help: "Slot indications missing between two consecutive ticks.",
	}), "macsched_slots_skipped_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "macsched_slot_duration_seconds",
		Help:    "Time spent processing one slot indication for a cell group.",
		Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005},
	}), "macsched_slot_duration_seconds")
	if err != nil {
		return nil, err
	}

	activeUEs, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "macsched_active_ues",
		Help: "UEs currently held by the cell group.",
	}), "macsched_active_ues")
	if err != nil {
		return nil, err
	}

	pending, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macsched_pending_bytes",
		Help: "Bytes waiting for a new transmission across all UEs.",
	}, []string{"direction"}), "macsched_pending_bytes")
	if err != nil {
		return nil, err
	}

	dropped, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "macsched_recycler_dropped_total",
		Help: "Payload buffers the recycler could not hand to its worker.",
	}), "macsched_recycler_dropped_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:          gatherer,
		HarqTimeouts:      timeouts,
		HarqAllocFailures: allocFailures,
		HarqFeedback:      feedback,
		RetxSuppressed:    suppressed,
		RetxExpired:       expired,
		SlotsSkipped:      skipped,
		SlotDuration:      duration,
		ActiveUEs:         activeUEs,
		PendingBytes:      pending,
		RecyclerDropped:   dropped,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// NotifyHarqTimeout counts an acknowledgment timeout.
func (c *SchedulerCollector) NotifyHarqTimeout(ue model.UEIndex, _ model.CellIndex, dir model.Direction) {
	if c == nil {
		return
	}
	c.HarqTimeouts.WithLabelValues(dir.String()).Inc()
	if ue.Valid() && dir <= model.Uplink {
		c.ueTimeouts[ue][dir].Add(1)
	}
}

// UETimeouts returns the DL and UL timeouts counted for a UE.
func (c *SchedulerCollector) UETimeouts(ue model.UEIndex) (dl, ul uint64) {
	if c == nil || !ue.Valid() {
		return 0, 0
	}
	return c.ueTimeouts[ue][model.Downlink].Load(), c.ueTimeouts[ue][model.Uplink].Load()
}

// ResetUETimeouts clears the per-UE counts of a UE that left.
func (c *SchedulerCollector) ResetUETimeouts(ue model.UEIndex) {
	if c == nil || !ue.Valid() {
		return
	}
	c.ueTimeouts[ue][model.Downlink].Store(0)
	c.ueTimeouts[ue][model.Uplink].Store(0)
}

func (c *SchedulerCollector) OnHarqAllocFailure(_ model.CellIndex, dir model.Direction) {
	if c == nil {
		return
	}
	c.HarqAllocFailures.WithLabelValues(dir.String()).Inc()
}

func (c *SchedulerCollector) OnHarqFeedback(_ model.CellIndex, dir model.Direction, outcome harq.Outcome) {
	if c == nil {
		return
	}
	c.HarqFeedback.WithLabelValues(dir.String(), outcome.String()).Inc()
}

func (c *SchedulerCollector) OnRetxSuppressed(_ model.CellIndex, reason linkadapt.Reason) {
	if c == nil {
		return
	}
	c.RetxSuppressed.WithLabelValues(reason.String()).Inc()
}

func (c *SchedulerCollector) OnRetxExpired(_ model.CellIndex, dir model.Direction) {
	if c == nil {
		return
	}
	c.RetxExpired.WithLabelValues(dir.String()).Inc()
}

func (c *SchedulerCollector) OnSlotsSkipped(_ model.CellIndex, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.SlotsSkipped.Add(float64(n))
}

// ObserveSlot records how long a slot took to process.
func (c *SchedulerCollector) ObserveSlot(d time.Duration) {
	if c == nil || c.SlotDuration == nil {
		return
	}
	c.SlotDuration.Observe(d.Seconds())
}

// SetActiveUEs updates the UE gauge.
func (c *SchedulerCollector) SetActiveUEs(n int) {
	if c == nil || c.ActiveUEs == nil {
		return
	}
	c.ActiveUEs.Set(float64(n))
}

// SetPendingBytes updates the pending byte gauges.
func (c *SchedulerCollector) SetPendingBytes(dl, ul uint64) {
	if c == nil || c.PendingBytes == nil {
		return
	}
	c.PendingBytes.WithLabelValues(model.Downlink.String()).Set(float64(dl))
	c.PendingBytes.WithLabelValues(model.Uplink.String()).Set(float64(ul))
}

// OnRecyclerDrop counts a payload the recycler had to drop.
func (c *SchedulerCollector) OnRecyclerDrop() {
	if c == nil || c.RecyclerDropped == nil {
		return
	}
	c.RecyclerDropped.Inc()
}
