package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dispatcher runs handlers off the driver's read loop. Dispatch never blocks:
// a delivery either takes a free worker slot or waits in a bounded queue
// that busy workers drain. Deliveries arriving at a full queue are dropped.
type Dispatcher struct {
	sem            *semaphore.Weighted
	queue          chan dispatchJob
	logger         *slog.Logger
	handlerTimeout time.Duration
	queueSize      int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

type dispatchJob struct {
	handler Handler
	msg     *Message
}

// DispatcherOption configures the dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithHandlerTimeout bounds the context handed to each handler
func WithHandlerTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.handlerTimeout = timeout
	}
}

// WithQueueSize sets how many deliveries may wait for a busy worker
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		d.queueSize = size
	}
}

// NewDispatcher creates a dispatcher running at most concurrency handlers at once
func NewDispatcher(concurrency int, options ...DispatcherOption) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sem:            semaphore.NewWeighted(int64(concurrency)),
		logger:         slog.Default(),
		handlerTimeout: 30 * time.Second,
		queueSize:      1024,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range options {
		opt(d)
	}
	if d.queueSize < 0 {
		d.queueSize = 0
	}
	d.queue = make(chan dispatchJob, d.queueSize)
	return d
}

// Dispatch schedules handler for msg
func (d *Dispatcher) Dispatch(handler Handler, msg *Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn("dispatcher stopped, dropping message", "topic", msg.Topic)
		return
	}
	job := dispatchJob{handler: handler, msg: msg}
	if d.sem.TryAcquire(1) {
		d.wg.Add(1)
		go d.work(job)
		return
	}
	select {
	case d.queue <- job:
	default:
		d.dropped.Add(1)
		d.logger.Warn("dispatch queue full, dropping message", "topic", msg.Topic, "queueSize", d.queueSize)
	}
}

// Dropped returns the number of deliveries discarded at a full queue
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// work runs job and then keeps draining the queue. Releasing the slot and
// checking the queue happen under the Dispatch lock so no job is stranded.
func (d *Dispatcher) work(job dispatchJob) {
	defer d.wg.Done()
	for {
		d.run(job.handler, job.msg)

		d.mu.Lock()
		if d.closed {
			d.sem.Release(1)
			d.mu.Unlock()
			return
		}
		select {
		case job = <-d.queue:
			d.mu.Unlock()
		default:
			d.sem.Release(1)
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) run(handler Handler, msg *Message) {
	ctx, cancel := context.WithTimeout(d.ctx, d.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("bus handler panicked",
				"topic", msg.Topic,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	handler(ctx, msg)
}

// Close stops accepting work, cancels running handler contexts and waits for
// in-flight handlers to return. Queued deliveries are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	pending := len(d.queue)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	if pending > 0 {
		d.logger.Debug("dispatcher closed with queued messages", "discarded", pending)
	}
}
