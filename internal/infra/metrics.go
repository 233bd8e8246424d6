package infra

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline counters with atomic operations and exposes them
// to Prometheus through Collector.
type Metrics struct {
	// Ingestion
	blocksApplied     atomic.Uint64
	blocksSkipped     atomic.Uint64
	outOfOrder        atomic.Uint64
	remoteErrors      atomic.Uint64
	affectedPublished atomic.Uint64

	// Loading
	entitiesLoaded  atomic.Uint64
	loadFailures    atomic.Uint64
	duplicateLoads  atomic.Uint64
	inflightFetches atomic.Int64

	// Consumers
	busOverflows atomic.Uint64
	droppedMsgs  atomic.Uint64

	// Apply latency
	applySumNs atomic.Int64
	applyCount atomic.Uint64

	// Gauges
	watermark       atomic.Uint64
	trackedEntities atomic.Int64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordBlockApplied records one applied block and its writer-section latency.
func (m *Metrics) RecordBlockApplied(latencyNs int64, affected int) {
	m.blocksApplied.Add(1)
	m.applySumNs.Add(latencyNs)
	m.applyCount.Add(1)
	m.affectedPublished.Add(uint64(affected))
}

// RecordBlockSkipped records a block whose diff could not be fetched.
func (m *Metrics) RecordBlockSkipped() {
	m.blocksSkipped.Add(1)
}

// SetWatermark mirrors the Market State watermark into the gauge.
func (m *Metrics) SetWatermark(height uint64) {
	m.watermark.Store(height)
}

func (m *Metrics) RecordOutOfOrder() {
	m.outOfOrder.Add(1)
}

// RecordRemoteError records a failed height query.
func (m *Metrics) RecordRemoteError() {
	m.remoteErrors.Add(1)
}

func (m *Metrics) RecordEntityLoaded() {
	m.entitiesLoaded.Add(1)
}

func (m *Metrics) RecordLoadFailure() {
	m.loadFailures.Add(1)
}

func (m *Metrics) RecordDuplicateLoad() {
	m.duplicateLoads.Add(1)
}

// FetchStarted and FetchDone bracket one outstanding loader fetch.
func (m *Metrics) FetchStarted() {
	m.inflightFetches.Add(1)
}

func (m *Metrics) FetchDone() {
	m.inflightFetches.Add(-1)
}

// RecordOverflow records an overflow signal seen by a consumer.
func (m *Metrics) RecordOverflow(dropped uint64) {
	m.busOverflows.Add(1)
	m.droppedMsgs.Add(dropped)
}

// SetTrackedEntities sets the current registry size.
func (m *Metrics) SetTrackedEntities(n int) {
	m.trackedEntities.Store(int64(n))
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	BlocksApplied     uint64
	BlocksSkipped     uint64
	OutOfOrder        uint64
	RemoteErrors      uint64
	AffectedPublished uint64
	EntitiesLoaded    uint64
	LoadFailures      uint64
	DuplicateLoads    uint64
	InflightFetches   int64
	BusOverflows      uint64
	DroppedMessages   uint64
	AvgApplyNs        int64
	Watermark         uint64
	TrackedEntities   int64
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avg int64
	if count := m.applyCount.Load(); count > 0 {
		avg = m.applySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		BlocksApplied:     m.blocksApplied.Load(),
		BlocksSkipped:     m.blocksSkipped.Load(),
		OutOfOrder:        m.outOfOrder.Load(),
		RemoteErrors:      m.remoteErrors.Load(),
		AffectedPublished: m.affectedPublished.Load(),
		EntitiesLoaded:    m.entitiesLoaded.Load(),
		LoadFailures:      m.loadFailures.Load(),
		DuplicateLoads:    m.duplicateLoads.Load(),
		InflightFetches:   m.inflightFetches.Load(),
		BusOverflows:      m.busOverflows.Load(),
		DroppedMessages:   m.droppedMsgs.Load(),
		AvgApplyNs:        avg,
		Watermark:         m.watermark.Load(),
		TrackedEntities:   m.trackedEntities.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.blocksApplied.Store(0)
	m.blocksSkipped.Store(0)
	m.outOfOrder.Store(0)
	m.remoteErrors.Store(0)
	m.affectedPublished.Store(0)
	m.entitiesLoaded.Store(0)
	m.loadFailures.Store(0)
	m.duplicateLoads.Store(0)
	m.inflightFetches.Store(0)
	m.busOverflows.Store(0)
	m.droppedMsgs.Store(0)
	m.applySumNs.Store(0)
	m.applyCount.Store(0)
	m.watermark.Store(0)
	m.trackedEntities.Store(0)
}

// ======================================================================================
// Prometheus export
// ======================================================================================

const namespace = "poolsync"

var (
	descBlocksApplied   = prometheus.NewDesc(namespace+"_blocks_applied_total", "Blocks applied to market state.", nil, nil)
	descBlocksSkipped   = prometheus.NewDesc(namespace+"_blocks_skipped_total", "Blocks skipped because their diff could not be fetched.", nil, nil)
	descOutOfOrder      = prometheus.NewDesc(namespace+"_out_of_order_total", "Blocks rejected by the watermark policy.", nil, nil)
	descRemoteErrors    = prometheus.NewDesc(namespace+"_remote_errors_total", "Failed remote height queries.", nil, nil)
	descAffected        = prometheus.NewDesc(namespace+"_affected_entities_total", "Affected entities across published blocks.", nil, nil)
	descEntitiesLoaded  = prometheus.NewDesc(namespace+"_entities_loaded_total", "Entities loaded and registered.", nil, nil)
	descLoadFailures    = prometheus.NewDesc(namespace+"_load_failures_total", "Entity loads that failed.", nil, nil)
	descDuplicateLoads  = prometheus.NewDesc(namespace+"_duplicate_loads_total", "Discovered addresses skipped as already dispatched.", nil, nil)
	descInflight        = prometheus.NewDesc(namespace+"_inflight_fetches", "Loader fetches currently running.", nil, nil)
	descOverflows       = prometheus.NewDesc(namespace+"_bus_overflows_total", "Overflow signals received by consumers.", nil, nil)
	descDropped         = prometheus.NewDesc(namespace+"_bus_dropped_messages_total", "Messages dropped from slow consumer backlogs.", nil, nil)
	descAvgApply        = prometheus.NewDesc(namespace+"_apply_latency_avg_seconds", "Average writer-section latency per block.", nil, nil)
	descWatermark       = prometheus.NewDesc(namespace+"_watermark", "Last fully applied block height.", nil, nil)
	descTrackedEntities = prometheus.NewDesc(namespace+"_tracked_entities", "Entities in the registry.", nil, nil)
)

// Collector adapts Metrics to prometheus.Collector.
type Collector struct {
	m *Metrics
}

// NewCollector returns a collector reading from m
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descBlocksApplied, descBlocksSkipped, descOutOfOrder, descRemoteErrors, descAffected,
		descEntitiesLoaded, descLoadFailures, descDuplicateLoads, descInflight,
		descOverflows, descDropped, descAvgApply, descWatermark, descTrackedEntities,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(descBlocksApplied, s.BlocksApplied)
	counter(descBlocksSkipped, s.BlocksSkipped)
	counter(descOutOfOrder, s.OutOfOrder)
	counter(descRemoteErrors, s.RemoteErrors)
	counter(descAffected, s.AffectedPublished)
	counter(descEntitiesLoaded, s.EntitiesLoaded)
	counter(descLoadFailures, s.LoadFailures)
	counter(descDuplicateLoads, s.DuplicateLoads)
	gauge(descInflight, float64(s.InflightFetches))
	counter(descOverflows, s.BusOverflows)
	counter(descDropped, s.DroppedMessages)
	gauge(descAvgApply, time.Duration(s.AvgApplyNs).Seconds())
	gauge(descWatermark, float64(s.Watermark))
	gauge(descTrackedEntities, float64(s.TrackedEntities))
}
