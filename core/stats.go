package core

import (
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/fast-static/core/http"
	"github.com/searchktools/fast-static/core/observability"
	"github.com/searchktools/fast-static/core/pools"
)

// engineStats holds the engine's live counters.
type engineStats struct {
	accepted          atomic.Uint64
	active            atomic.Int64
	rejectedBusy      atomic.Uint64
	timeouts          atomic.Uint64
	deferred          atomic.Uint64
	evicted           atomic.Uint64
	queueFull         atomic.Uint64
	inline            atomic.Uint64
	oneshotViolations atomic.Uint64
	requests          atomic.Uint64
	bytesRead         atomic.Uint64
	bytesWritten      atomic.Uint64

	status200 atomic.Uint64
	status400 atomic.Uint64
	status403 atomic.Uint64
	status404 atomic.Uint64
	status500 atomic.Uint64
}

func (s *engineStats) response(status int) {
	switch status {
	case http.StatusOK:
		s.status200.Add(1)
	case http.StatusBadRequest:
		s.status400.Add(1)
	case http.StatusForbidden:
		s.status403.Add(1)
	case http.StatusNotFound:
		s.status404.Add(1)
	case http.StatusInternalServerError:
		s.status500.Add(1)
	}
}

// Stats is a snapshot of engine statistics.
type Stats struct {
	Accepted          uint64 `json:"accepted"`
	Active            int64  `json:"active"`
	RejectedBusy      uint64 `json:"rejected_busy"`
	Timeouts          uint64 `json:"timeouts"`
	DeferredTimeouts  uint64 `json:"deferred_timeouts"`
	Evicted           uint64 `json:"evicted"`
	QueueFull         uint64 `json:"queue_full"`
	InlineProcessed   uint64 `json:"inline_processed"`
	OneshotViolations uint64 `json:"oneshot_violations"`
	Requests          uint64 `json:"requests"`
	BytesRead         uint64 `json:"bytes_read"`
	BytesWritten      uint64 `json:"bytes_written"`

	Responses map[int]uint64                `json:"responses"`
	Latency   []observability.StatusMetrics `json:"latency"`

	WorkerPool pools.WorkerPoolStats `json:"worker_pool"`
	BytePool   pools.BytePoolStats   `json:"byte_pool"`
}

// Stats returns a snapshot of the engine's counters. Safe for concurrent use.
func (e *Engine) Stats() Stats {
	s := &e.stats
	return Stats{
		Accepted:          s.accepted.Load(),
		Active:            s.active.Load(),
		RejectedBusy:      s.rejectedBusy.Load(),
		Timeouts:          s.timeouts.Load(),
		DeferredTimeouts:  s.deferred.Load(),
		Evicted:           s.evicted.Load(),
		QueueFull:         s.queueFull.Load(),
		InlineProcessed:   s.inline.Load(),
		OneshotViolations: s.oneshotViolations.Load(),
		Requests:          s.requests.Load(),
		BytesRead:         s.bytesRead.Load(),
		BytesWritten:      s.bytesWritten.Load(),
		Responses: map[int]uint64{
			http.StatusOK:                  s.status200.Load(),
			http.StatusBadRequest:          s.status400.Load(),
			http.StatusForbidden:           s.status403.Load(),
			http.StatusNotFound:            s.status404.Load(),
			http.StatusInternalServerError: s.status500.Load(),
		},
		Latency:    e.monitor.Snapshot(),
		WorkerPool: e.pool.Stats(),
		BytePool:   e.bytes.Stats(),
	}
}

// Proto converts the snapshot to a protobuf Struct.
func (s Stats) Proto() (*structpb.Struct, error) {
	responses := make(map[string]any, len(s.Responses))
	for status, n := range s.Responses {
		responses[fmt.Sprint(status)] = n
	}
	latency := make([]any, len(s.Latency))
	for i, l := range s.Latency {
		buckets := make([]any, len(l.Buckets))
		for j, n := range l.Buckets {
			buckets[j] = n
		}
		latency[i] = map[string]any{
			"status":  l.Status,
			"count":   l.Count,
			"min_us":  l.Min.Microseconds(),
			"max_us":  l.Max.Microseconds(),
			"avg_us":  l.Avg.Microseconds(),
			"buckets": buckets,
		}
	}
	tiers := make([]any, len(s.BytePool.Tiers))
	for i, t := range s.BytePool.Tiers {
		tiers[i] = t
	}

	return structpb.NewStruct(map[string]any{
		"accepted":           s.Accepted,
		"active":             s.Active,
		"rejected_busy":      s.RejectedBusy,
		"timeouts":           s.Timeouts,
		"deferred_timeouts":  s.DeferredTimeouts,
		"evicted":            s.Evicted,
		"queue_full":         s.QueueFull,
		"inline_processed":   s.InlineProcessed,
		"oneshot_violations": s.OneshotViolations,
		"requests":           s.Requests,
		"bytes_read":         s.BytesRead,
		"bytes_written":      s.BytesWritten,
		"responses":          responses,
		"latency":            latency,
		"worker_pool": map[string]any{
			"workers":   s.WorkerPool.NumWorkers,
			"capacity":  s.WorkerPool.Capacity,
			"queued":    s.WorkerPool.Queued,
			"submitted": s.WorkerPool.TasksSubmitted,
			"completed": s.WorkerPool.TasksCompleted,
			"rejected":  s.WorkerPool.TasksRejected,
		},
		"byte_pool": map[string]any{
			"tiers":  tiers,
			"gets":   s.BytePool.TotalGets,
			"puts":   s.BytePool.TotalPuts,
			"misses": s.BytePool.Misses,
			"active": s.BytePool.ActiveBufs,
		},
	})
}

// JSON returns the snapshot in protobuf JSON form.
func (s Stats) JSON() (string, error) {
	pb, err := s.Proto()
	if err != nil {
		return "", err
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(pb)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Text returns the snapshot as human-readable text
func (s Stats) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, `Engine Statistics
=================

Connections:
  Accepted:      %d
  Active:        %d
  Rejected busy: %d
  Timeouts:      %d (deferred %d)
  Evicted:       %d

Requests:
  Total: %d
  200: %d  400: %d  403: %d  404: %d  500: %d
  Bytes read:    %d
  Bytes written: %d

Worker Pool:
  Workers:   %d
  Queued:    %d / %d
  Completed: %d
  Queue full: %d (processed inline %d)

Oneshot violations: %d
`,
		s.Accepted, s.Active, s.RejectedBusy, s.Timeouts, s.DeferredTimeouts, s.Evicted,
		s.Requests,
		s.Responses[http.StatusOK], s.Responses[http.StatusBadRequest], s.Responses[http.StatusForbidden],
		s.Responses[http.StatusNotFound], s.Responses[http.StatusInternalServerError],
		s.BytesRead, s.BytesWritten,
		s.WorkerPool.NumWorkers, s.WorkerPool.Queued, s.WorkerPool.Capacity, s.WorkerPool.TasksCompleted,
		s.QueueFull, s.InlineProcessed,
		s.OneshotViolations,
	)

	if len(s.Latency) > 0 {
		b.WriteString("\nLatency:\n")
		for _, l := range s.Latency {
			fmt.Fprintf(&b, "  %d: count %d  avg %v  min %v  max %v\n", l.Status, l.Count, l.Avg, l.Min, l.Max)
		}
	}
	return b.String()
}
