package workerpool

import (
	"sync/atomic"
	"time"
)

// Stats contains pool statistics
type Stats struct {
	ActiveWorkers  int           `json:"active_workers"`
	QueuedTasks    int           `json:"queued_tasks"`
	CompletedTasks int64         `json:"completed_tasks"`
	FailedTasks    int64         `json:"failed_tasks"`
	RejectedTasks  int64         `json:"rejected_tasks"`
	AverageLatency time.Duration `json:"average_latency"`
	Uptime         time.Duration `json:"uptime"`
}

type statsCollector struct {
	activeWorkers  atomic.Int32
	completedTasks atomic.Int64
	failedTasks    atomic.Int64
	rejectedTasks  atomic.Int64
	totalLatency   atomic.Int64 // in nanoseconds
	startTime      time.Time
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		startTime: time.Now(),
	}
}

func (s *statsCollector) snapshot(queueLen int) Stats {
	completed := s.completedTasks.Load()
	var avgLatency time.Duration
	if completed > 0 {
		avgLatency = time.Duration(s.totalLatency.Load() / completed)
	}

	return Stats{
		ActiveWorkers:  int(s.activeWorkers.Load()),
		QueuedTasks:    queueLen,
		CompletedTasks: completed,
		FailedTasks:    s.failedTasks.Load(),
		RejectedTasks:  s.rejectedTasks.Load(),
		AverageLatency: avgLatency,
		Uptime:         time.Since(s.startTime),
	}
}

func (s *statsCollector) recordTaskCompletion(duration time.Duration, failed bool) {
	s.completedTasks.Add(1)
	s.totalLatency.Add(int64(duration))
	if failed {
		s.failedTasks.Add(1)
	}
}

func (s *statsCollector) recordTaskRejection() {
	s.rejectedTasks.Add(1)
}
