package notepipe

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultDispatcherWorkers = 4
	defaultMaxAttempts       = 3
	defaultRetryDelay        = 5 * time.Second
)

// Processor is the unit of work a dispatcher worker runs per event.
type Processor interface {
	Process(ctx context.Context, event StorageEvent) error
}

type DispatcherOptions struct {
	Queue       EventQueue
	Processor   Processor
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      zerolog.Logger
}

// Dispatcher is the hosting delivery layer for pipeline invocations:
// workers drain the event queue and run the processor, and a failed
// invocation is redelivered (Attempt+1) after a delay until the attempt
// budget is spent. Delivery is at least once; overlapping deliveries
// for the same note are not deduplicated, last write wins.
type Dispatcher struct {
	queue       EventQueue
	processor   Processor
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	processed   atomic.Int64
	failed      atomic.Int64
	deadLetters atomic.Int64
}

// DispatcherStatus is an operator-facing snapshot.
type DispatcherStatus struct {
	QueueDepth    int   `json:"queueDepth"`
	QueueCapacity int   `json:"queueCapacity"`
	Workers       int   `json:"workers"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
	DeadLettered  int64 `json:"deadLettered"`
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Queue == nil || opts.Processor == nil {
		return nil, ErrInvalidInput
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultDispatcherWorkers
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:       opts.Queue,
		processor:   opts.Processor,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		log:         opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		_ = d.queue.Close()
	})
}

// Submit accepts a finalize event for processing. Missing delivery
// metadata is filled in. Returns false once the dispatcher is closed or
// the queue rejects the event outright.
func (d *Dispatcher) Submit(event StorageEvent) bool {
	if strings.TrimSpace(event.Name) == "" {
		return false
	}
	select {
	case <-d.ctx.Done():
		return false
	default:
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = "evt_" + uuid.NewString()
	}
	if d.queue.TryEnqueue(event) {
		return true
	}
	go d.queue.Enqueue(d.ctx, event)
	return true
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		event, ok := d.queue.Dequeue(d.ctx)
		if !ok {
			return
		}
		if err := d.processor.Process(d.ctx, event); err != nil {
			d.failed.Add(1)
			d.scheduleRedelivery(event, err)
			continue
		}
		d.processed.Add(1)
	}
}

func (d *Dispatcher) scheduleRedelivery(event StorageEvent, cause error) {
	attempt := event.Attempt + 1
	if attempt >= d.maxAttempts {
		d.deadLetters.Add(1)
		d.log.Error().Err(cause).
			Str("object", event.Name).
			Str("eventId", event.EventID).
			Int("attempts", attempt).
			Msg("event exhausted delivery attempts, dropping")
		return
	}
	event.Attempt = attempt
	d.log.Warn().Err(cause).
		Str("object", event.Name).
		Str("eventId", event.EventID).
		Int("attempt", attempt).
		Msg("pipeline invocation failed, scheduling redelivery")
	time.AfterFunc(d.retryDelay, func() {
		select {
		case <-d.ctx.Done():
		default:
			if !d.queue.TryEnqueue(event) {
				go d.queue.Enqueue(d.ctx, event)
			}
		}
	})
}

func (d *Dispatcher) Status() DispatcherStatus {
	return DispatcherStatus{
		QueueDepth:    d.queue.Depth(),
		QueueCapacity: d.queue.Capacity(),
		Workers:       d.workers,
		Processed:     d.processed.Load(),
		Failed:        d.failed.Load(),
		DeadLettered:  d.deadLetters.Load(),
	}
}
