package utils

import (
	"sync"

	"github.com/rs/zerolog"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// WorkerPool manages a pool of workers to execute jobs. It bounds how many
// resolutions run at once across all coordinators. Submit never blocks; the
// backlog is kept small by callers that coalesce their own work.
type WorkerPool struct {
	workers   int
	waitGroup sync.WaitGroup
	logger    zerolog.Logger

	mu     sync.Mutex
	ready  *sync.Cond
	queue  []Job
	closed bool
}

// NewWorkerPool creates a new WorkerPool with the specified number of
// workers. A count below one is raised to one.
func NewWorkerPool(workers int, logger zerolog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}

	pool := &WorkerPool{
		workers: workers,
		logger:  logger,
	}
	pool.ready = sync.NewCond(&pool.mu)

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes queued jobs until the pool is shut down and drained.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for {
		job, ok := wp.next()
		if !ok {
			return
		}
		wp.run(job)
	}
}

func (wp *WorkerPool) next() (Job, bool) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for len(wp.queue) == 0 && !wp.closed {
		wp.ready.Wait()
	}
	if len(wp.queue) == 0 {
		return Job{}, false
	}
	job := wp.queue[0]
	wp.queue[0] = Job{}
	wp.queue = wp.queue[1:]
	return job, true
}

func (wp *WorkerPool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().Interface("panic", r).Msg("Worker job panicked")
		}
	}()
	job.Task()
}

// Submit queues a job and returns immediately. Jobs submitted after
// Shutdown are dropped.
func (wp *WorkerPool) Submit(task func()) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		wp.logger.Warn().Msg("Worker pool is shut down, dropping job")
		return
	}
	wp.queue = append(wp.queue, Job{Task: task})
	wp.ready.Signal()
}

// Pending returns the number of queued jobs no worker has picked up yet.
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// Shutdown waits for all queued jobs to finish and then stops the workers.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	wp.ready.Broadcast()
	wp.mu.Unlock()

	wp.waitGroup.Wait()
}
