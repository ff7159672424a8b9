package engine

import "sync/atomic"

// Counts are per-pipeline totals.
type Counts struct {
	Matched       uint64 `json:"matched"`
	Processed     uint64 `json:"processed"`
	Filtered      uint64 `json:"filtered"`
	Malformed     uint64 `json:"malformed"`
	HandlerErrors uint64 `json:"handler_errors"`
}

// Status is a point-in-time view for the health endpoint.
type Status struct {
	Source          string            `json:"source"`
	State           ConnectionState   `json:"state"`
	QueueDepth      int               `json:"queue_depth"`
	QueueCapacity   int               `json:"queue_capacity"`
	Overflow        string            `json:"overflow"`
	Workers         int               `json:"workers"`
	Ingested        uint64            `json:"ingested"`
	DroppedOverflow uint64            `json:"dropped_overflow"`
	Rejected        uint64            `json:"rejected"`
	DroppedShutdown uint64            `json:"dropped_on_shutdown"`
	WorkerPanics    uint64            `json:"worker_panics"`
	LastSlot        uint64            `json:"last_slot"`
	Pipelines       map[string]Counts `json:"pipelines"`
}

type pipelineStats struct {
	matched       atomic.Uint64
	processed     atomic.Uint64
	filtered      atomic.Uint64
	malformed     atomic.Uint64
	handlerErrors atomic.Uint64
}

func (s *pipelineStats) snapshot() Counts {
	return Counts{
		Matched:       s.matched.Load(),
		Processed:     s.processed.Load(),
		Filtered:      s.filtered.Load(),
		Malformed:     s.malformed.Load(),
		HandlerErrors: s.handlerErrors.Load(),
	}
}

type stats struct {
	ingested        atomic.Uint64
	droppedOverflow atomic.Uint64
	rejected        atomic.Uint64
	droppedShutdown atomic.Uint64
	workerPanics    atomic.Uint64
	lastSlot        atomic.Uint64

	// built once in New, read-only afterwards
	pipelines map[string]*pipelineStats
}

func (s *stats) observeSlot(slot uint64) {
	for {
		cur := s.lastSlot.Load()
		if slot <= cur || s.lastSlot.CompareAndSwap(cur, slot) {
			return
		}
	}
}
