package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is one unit of background work. It is retried until it succeeds or
// the dispatcher's attempt budget is spent.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type DispatcherOptions struct {
	Workers     int
	Buffer      int
	Timeout     time.Duration // per attempt
	Handoff     time.Duration // how long Submit waits for buffer space
	MaxAttempts int
	Backoff     time.Duration // doubled after every failed attempt
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	return o
}

// Dispatcher runs jobs on a fixed pool of workers fed by a bounded buffer.
type Dispatcher struct {
	opts DispatcherOptions
	jobs chan Job
	wg   sync.WaitGroup
	stop chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		opts: opts,
		jobs: make(chan Job, opts.Buffer),
		stop: make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	log.Infof("dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.Timeout, opts.Handoff)
	return d
}

// Submit queues job. It waits at most the handoff timeout for buffer space and
// reports whether the job was accepted.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- job:
		return true
	default:
	}
	if d.opts.Handoff <= 0 {
		return false
	}
	timer := time.NewTimer(d.opts.Handoff)
	defer timer.Stop()
	select {
	case d.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish, or for ctx
// to expire, in which case pending retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(d.stop)
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.run(id, job)
	}
}

func (d *Dispatcher) run(worker int, job Job) {
	delay := d.opts.Backoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		err := job.Run(ctx)
		cancel()
		if err == nil {
			return
		}
		entry := log.WithError(err).WithFields(log.Fields{"job": job.Name, "attempt": attempt, "worker": worker})
		if attempt >= d.opts.MaxAttempts {
			entry.Error("job failed, giving up")
			return
		}
		entry.Warn("job failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			entry.Error("dispatcher stopped, abandoning job")
			return
		}
		delay *= 2
	}
}
