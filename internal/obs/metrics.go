package obs

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradecore/internal/schema"
)

// Stage names a timed step of the pipeline.
type Stage uint8

const (
	StageRiskEval Stage = iota
	StagePlacement
	StageHandler
	stageCount
)

var stageNames = [stageCount]string{"risk_eval", "placement", "handler"}

func (s Stage) String() string {
	if s < stageCount {
		return stageNames[s]
	}
	return "unknown"
}

// Metrics is the counter set of one session. Counts live in atomics so
// reports and tests can read them back; stage timings also feed a
// prometheus histogram for export. A nil *Metrics discards everything.
type Metrics struct {
	events  [schema.EventTypeCount]atomic.Uint64
	drops   atomic.Uint64
	closed  atomic.Uint64
	rejects labelCounter
	faults  labelCounter
	stages  [stageCount]LatencyStats
	latency *prometheus.HistogramVec
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	EventCounts   map[schema.EventType]uint64
	RejectReasons map[string]uint64
	FaultCounts   map[string]uint64
	QueueDrops    uint64
	QueueClosed   uint64
	Latency       map[Stage]LatencySnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_stage_latency_seconds",
			Help:    "Latency of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"stage"}),
	}
}

// ObserveEvent counts a published event by type.
func (m *Metrics) ObserveEvent(e schema.Event) {
	if m == nil || int(e.Type) >= len(m.events) {
		return
	}
	m.events[e.Type].Add(1)
}

func (m *Metrics) IncRejectReason(reason string) {
	if m != nil && reason != "" {
		m.rejects.inc(reason)
	}
}

func (m *Metrics) IncFault(kind string) {
	if m != nil && kind != "" {
		m.faults.inc(kind)
	}
}

// IncQueueDrop counts a tick evicted from a full subscriber queue.
func (m *Metrics) IncQueueDrop() {
	if m != nil {
		m.drops.Add(1)
	}
}

// IncQueueClosed counts a delivery attempted after a queue closed.
func (m *Metrics) IncQueueClosed() {
	if m != nil {
		m.closed.Add(1)
	}
}

// Observe records how long a stage took.
func (m *Metrics) Observe(s Stage, d time.Duration) {
	if m == nil || s >= stageCount || d < 0 {
		return
	}
	m.stages[s].Observe(d)
	if m.latency != nil {
		m.latency.WithLabelValues(s.String()).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveRiskEval(d time.Duration)  { m.Observe(StageRiskEval, d) }
func (m *Metrics) ObservePlacement(d time.Duration) { m.Observe(StagePlacement, d) }
func (m *Metrics) ObserveHandler(d time.Duration)   { m.Observe(StageHandler, d) }

// Fault returns the count for one fault kind.
func (m *Metrics) Fault(kind string) uint64 {
	if m == nil {
		return 0
	}
	return m.faults.get(kind)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		EventCounts:   make(map[schema.EventType]uint64),
		RejectReasons: m.rejects.copy(),
		FaultCounts:   m.faults.copy(),
		QueueDrops:    m.drops.Load(),
		QueueClosed:   m.closed.Load(),
		Latency:       make(map[Stage]LatencySnapshot, stageCount),
	}
	for t := range m.events {
		if n := m.events[t].Load(); n > 0 {
			snap.EventCounts[schema.EventType(t)] = n
		}
	}
	for s := Stage(0); s < stageCount; s++ {
		snap.Latency[s] = m.stages[s].Snapshot()
	}
	return snap
}

// SortedKeys returns map keys in lexical order for stable output.
func SortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// labelCounter counts by an open set of string labels. The map only grows,
// so lookups after the first increment take the read lock.
type labelCounter struct {
	mu sync.RWMutex
	m  map[string]*atomic.Uint64
}

func (c *labelCounter) inc(label string) {
	c.mu.RLock()
	n, ok := c.m[label]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if c.m == nil {
			c.m = make(map[string]*atomic.Uint64)
		}
		if n, ok = c.m[label]; !ok {
			n = new(atomic.Uint64)
			c.m[label] = n
		}
		c.mu.Unlock()
	}
	n.Add(1)
}

func (c *labelCounter) get(label string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.m[label]; ok {
		return n.Load()
	}
	return 0
}

func (c *labelCounter) copy() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.m))
	for k, n := range c.m {
		out[k] = n.Load()
	}
	return out
}

// LatencyStats keeps count, sum and extremes of duration samples.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

// LatencySnapshot is a point-in-time view of LatencyStats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe ignores negative durations.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	v := uint64(d)
	l.count.Add(1)
	l.sum.Add(v)
	casWhile(&l.min, v, func(cur uint64) bool { return cur == 0 || v < cur })
	casWhile(&l.max, v, func(cur uint64) bool { return v > cur })
}

func (l *LatencyStats) Snapshot() LatencySnapshot {
	n := l.count.Load()
	if n == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: n,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / n),
	}
}

// casWhile stores v into a while better reports true for the current value.
func casWhile(a *atomic.Uint64, v uint64, better func(cur uint64) bool) {
	for {
		cur := a.Load()
		if !better(cur) || a.CompareAndSwap(cur, v) {
			return
		}
	}
}
