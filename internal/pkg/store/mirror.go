package store

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"storefront-service/internal/metrics"

	"go.uber.org/zap"
)

var errMirrorClosed = errors.New("store: mirror queue closed")

type mirrorJob struct {
	op   string
	key  string
	run  func(ctx context.Context) error
	done chan error
}

// mirror applies durable-tier work on a fixed set of workers. Jobs for the
// same key always land on the same worker, so they run in submission order.
// Jobs run on their own timeout, detached from the submitting request.
type mirror struct {
	shards  []chan mirrorJob
	timeout time.Duration
	logger  *zap.Logger
	metrics metrics.Recorder

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup

	pmu     sync.Mutex
	pending int
	idle    chan struct{}
}

func newMirror(workers, queue int, timeout time.Duration, logger *zap.Logger, rec metrics.Recorder) *mirror {
	if workers < 1 {
		workers = 1
	}
	depth := queue / workers
	if depth < 1 {
		depth = 1
	}

	idle := make(chan struct{})
	close(idle)

	m := &mirror{
		shards:  make([]chan mirrorJob, workers),
		timeout: timeout,
		logger:  logger,
		metrics: rec,
		idle:    idle,
	}
	for i := range m.shards {
		m.shards[i] = make(chan mirrorJob, depth)
		m.workers.Add(1)
		go m.work(m.shards[i])
	}
	return m
}

func (m *mirror) work(jobs <-chan mirrorJob) {
	defer m.workers.Done()
	for job := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := job.run(ctx)
		cancel()

		if job.done != nil {
			job.done <- err
		} else if err != nil {
			m.logger.Warn("durable mirror write failed",
				zap.String("op", job.op),
				zap.String("key", job.key),
				zap.Error(err),
			)
			m.metrics.MirrorFailed(job.op)
		}
		m.end()
	}
}

// submit queues fire-and-forget work. A full shard drops the job rather than
// stall the request path; the drop is logged and counted.
func (m *mirror) submit(op, key string, run func(ctx context.Context) error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.logger.Warn("durable mirror closed, write dropped", zap.String("op", op), zap.String("key", key))
		m.metrics.MirrorFailed(op)
		return
	}

	m.begin()
	select {
	case m.shard(key) <- mirrorJob{op: op, key: key, run: run}:
	default:
		m.end()
		m.logger.Warn("durable mirror queue full, write dropped", zap.String("op", op), zap.String("key", key))
		m.metrics.MirrorFailed(op)
	}
}

// do queues work behind anything already pending for key and waits for it.
// Cancelling ctx stops the wait, not the work.
func (m *mirror) do(ctx context.Context, op, key string, run func(ctx context.Context) error) error {
	done := make(chan error, 1)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMirrorClosed
	}
	m.begin()
	select {
	case m.shard(key) <- mirrorJob{op: op, key: key, run: run, done: done}:
	case <-ctx.Done():
		m.end()
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mirror) shard(key string) chan mirrorJob {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *mirror) begin() {
	m.pmu.Lock()
	if m.pending == 0 {
		m.idle = make(chan struct{})
	}
	m.pending++
	m.pmu.Unlock()
}

func (m *mirror) end() {
	m.pmu.Lock()
	m.pending--
	if m.pending == 0 {
		close(m.idle)
	}
	m.pmu.Unlock()
}

// flush blocks until every queued job has run.
func (m *mirror) flush(ctx context.Context) error {
	m.pmu.Lock()
	idle := m.idle
	m.pmu.Unlock()

	select {
	case <-idle:
		return nil
	default:
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mirror) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, shard := range m.shards {
		close(shard)
	}
	m.mu.Unlock()
	m.workers.Wait()
}
