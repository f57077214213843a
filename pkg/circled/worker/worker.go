package worker

import "sync"

// Queue runs deferred jobs on a fixed pool of workers. The dispatcher
// enqueues async events here instead of blocking the HTTP caller.
type Queue struct {
	jobs    chan func()
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New creates a queue with the given buffer size and starts the workers.
func New(buffer, workers int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	if workers <= 0 {
		workers = 1
	}
	q := &Queue{jobs: make(chan func(), buffer)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				job()
			}
		}()
	}
	return q
}

// Enqueue hands a job to the workers. It reports false when the queue is
// saturated or shut down; the caller then runs the job synchronously.
func (q *Queue) Enqueue(job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting jobs and drains the ones already queued.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}
