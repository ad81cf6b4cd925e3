package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Bucket upper bounds. The last bucket is unbounded.
var bucketBounds = [...]time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	250 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

// NumBuckets is the number of latency buckets.
const NumBuckets = len(bucketBounds) + 1

// Monitor records how long each response took to produce, grouped by
// response status. Safe for concurrent use.
type Monitor struct {
	enabled  atomic.Bool
	statuses sync.Map // int -> *statusMetrics
	global   struct {
		totalRequests atomic.Uint64
		totalDuration atomic.Uint64
	}
}

type statusMetrics struct {
	status         int
	count          atomic.Uint64
	totalDuration  atomic.Uint64
	minDuration    atomic.Uint64 // plus one; 0 is unset
	maxDuration    atomic.Uint64
	latencyBuckets [NumBuckets]atomic.Uint64
}

// StatusMetrics is a snapshot for one response status.
type StatusMetrics struct {
	Status  int                `json:"status"`
	Count   uint64             `json:"count"`
	Min     time.Duration      `json:"min"`
	Max     time.Duration      `json:"max"`
	Avg     time.Duration      `json:"avg"`
	Buckets [NumBuckets]uint64 `json:"buckets"`
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string
	Status   int
	Severity int
	Impact   float64
	Details  string
}

// NewMonitor creates an enabled monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.enabled.Store(true)
	return m
}

// SetEnabled turns recording on or off.
func (m *Monitor) SetEnabled(on bool) { m.enabled.Store(on) }

// Start returns a start mark for End, or 0 while disabled.
func (m *Monitor) Start() int64 {
	if !m.enabled.Load() {
		return 0
	}
	return time.Now().UnixNano()
}

// End records the time since start against status.
func (m *Monitor) End(status int, start int64) {
	if start == 0 {
		return
	}
	m.Record(status, time.Duration(time.Now().UnixNano()-start))
}

// Record records one response.
func (m *Monitor) Record(status int, d time.Duration) {
	if !m.enabled.Load() {
		return
	}
	if d < 0 {
		d = 0
	}

	val, ok := m.statuses.Load(status)
	if !ok {
		val, _ = m.statuses.LoadOrStore(status, &statusMetrics{status: status})
	}
	sm := val.(*statusMetrics)

	ns := uint64(d)
	sm.count.Add(1)
	sm.totalDuration.Add(ns)
	updateMin(&sm.minDuration, ns+1)
	updateMax(&sm.maxDuration, ns)
	sm.latencyBuckets[bucket(d)].Add(1)

	m.global.totalRequests.Add(1)
	m.global.totalDuration.Add(ns)
}

func updateMin(v *atomic.Uint64, d uint64) {
	for {
		cur := v.Load()
		if cur != 0 && d >= cur {
			return
		}
		if v.CompareAndSwap(cur, d) {
			return
		}
	}
}

func updateMax(v *atomic.Uint64, d uint64) {
	for {
		cur := v.Load()
		if d <= cur {
			return
		}
		if v.CompareAndSwap(cur, d) {
			return
		}
	}
}

func bucket(d time.Duration) int {
	for i, bound := range bucketBounds {
		if d < bound {
			return i
		}
	}
	return len(bucketBounds)
}

// BucketBounds returns the upper bound of each bucket but the last.
func BucketBounds() []time.Duration {
	return append([]time.Duration(nil), bucketBounds[:]...)
}

// Total returns the number of recorded responses and their mean duration.
func (m *Monitor) Total() (uint64, time.Duration) {
	n := m.global.totalRequests.Load()
	if n == 0 {
		return 0, 0
	}
	return n, time.Duration(m.global.totalDuration.Load() / n)
}

// Snapshot returns the metrics per status, ordered by status.
func (m *Monitor) Snapshot() []StatusMetrics {
	var out []StatusMetrics
	m.statuses.Range(func(_, value interface{}) bool {
		sm := value.(*statusMetrics)
		s := StatusMetrics{
			Status: sm.status,
			Count:  sm.count.Load(),
			Max:    time.Duration(sm.maxDuration.Load()),
		}
		if v := sm.minDuration.Load(); v > 0 {
			s.Min = time.Duration(v - 1)
		}
		if s.Count > 0 {
			s.Avg = time.Duration(sm.totalDuration.Load() / s.Count)
		}
		for i := range sm.latencyBuckets {
			s.Buckets[i] = sm.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out
}

// Bottlenecks reports statuses whose mean latency exceeds slow, and a
// server error rate above 5%.
func (m *Monitor) Bottlenecks(slow time.Duration) []Bottleneck {
	var out []Bottleneck
	var total, failed uint64

	for _, s := range m.Snapshot() {
		total += s.Count
		if s.Status >= 500 {
			failed += s.Count
		}
		if s.Count > 0 && s.Avg > slow {
			out = append(out, Bottleneck{
				Type:     "latency",
				Status:   s.Status,
				Severity: 8,
				Impact:   float64(s.Avg) / float64(slow) * 100,
				Details:  fmt.Sprintf("High latency (%v avg)", s.Avg),
			})
		}
	}

	if total > 0 && float64(failed)/float64(total) > 0.05 {
		rate := float64(failed) / float64(total) * 100
		out = append(out, Bottleneck{
			Type:     "errors",
			Status:   500,
			Severity: 10,
			Impact:   rate,
			Details:  fmt.Sprintf("%.1f%% error rate", rate),
		})
	}
	return out
}
