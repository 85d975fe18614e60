package server

import (
	"sync"

	"go.uber.org/zap"
)

// workerPool fans inbound contexts out to a bounded set of workers.
// Serve never blocks: a full pool is reported to the caller, which
// retries with backoff.
type workerPool struct {
	WorkerFunc      func(ctx *context) error
	MaxWorkersCount int
	Logger          *zap.Logger

	mux     sync.Mutex
	started bool
	jobs    chan *context
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Start spawns the workers. Safe to call once per Stop.
func (wp *workerPool) Start() {
	wp.mux.Lock()
	defer wp.mux.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.jobs = make(chan *context, wp.MaxWorkersCount)
	wp.stop = make(chan struct{})
	for i := 0; i < wp.MaxWorkersCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop shuts the pool down and waits for in-flight work.
func (wp *workerPool) Stop() {
	wp.mux.Lock()
	if !wp.started {
		wp.mux.Unlock()
		return
	}
	wp.started = false
	close(wp.stop)
	wp.mux.Unlock()
	wp.wg.Wait()
}

// Serve hands ctx to a worker. Reports false when the pool is
// saturated.
func (wp *workerPool) Serve(ctx *context) bool {
	wp.mux.Lock()
	if !wp.started {
		wp.mux.Unlock()
		return false
	}
	jobs := wp.jobs
	wp.mux.Unlock()
	select {
	case jobs <- ctx:
		return true
	default:
		return false
	}
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case ctx := <-wp.jobs:
			if err := wp.WorkerFunc(ctx); err != nil {
				wp.Logger.Warn("worker failed", zap.Error(err))
			}
			putContext(ctx)
		case <-wp.stop:
			return
		}
	}
}
