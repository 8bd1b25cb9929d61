package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"helmetwatch/internal/eventbus"
)

// Writer is a slow consumer fed in batches off the bus goroutine.
type Writer interface {
	Name() string
	Write(ctx context.Context, batch []eventbus.Event) error
	Close() error
}

// Metrics is optional.
type Metrics interface {
	SinkDropped(sink string)
	SinkFailed(sink string)
}

type Bus interface {
	Subscribe(topic string, h eventbus.Handler) eventbus.SubscriptionID
	Unsubscribe(id eventbus.SubscriptionID)
}

type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	DrainTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	return o
}

// Queue decouples a Writer from the publishing goroutine. Events are dropped,
// not blocked on, when the queue is full.
type Queue struct {
	w       Writer
	opts    Options
	logger  *slog.Logger
	metrics Metrics

	ch   chan eventbus.Event
	stop chan struct{}
	done chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool
	bus     Bus
	subs    []eventbus.SubscriptionID

	// dropped counts events lost since the last drop report.
	dropped atomic.Int64
}

func NewQueue(w Writer, opts Options, logger *slog.Logger, metrics Metrics) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		w:       w,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		ch:      make(chan eventbus.Event, opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *Queue) Name() string { return q.w.Name() }

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run(ctx)
}

// Enqueue reports whether ev was accepted.
func (q *Queue) Enqueue(ev eventbus.Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		if q.dropped.Add(1) == 1 && q.logger != nil {
			q.logger.Warn("sink queue full, dropping events", "sink", q.w.Name(), "topic", ev.Topic)
		}
		if q.metrics != nil {
			q.metrics.SinkDropped(q.w.Name())
		}
		return false
	}
}

func (q *Queue) Handler() eventbus.Handler {
	return func(ev eventbus.Event) error {
		q.Enqueue(ev)
		return nil
	}
}

// Subscribe feeds the queue from the given bus topics until Close.
func (q *Queue) Subscribe(bus Bus, topics ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bus = bus
	h := q.Handler()
	for _, topic := range topics {
		if id := bus.Subscribe(topic, h); id != 0 {
			q.subs = append(q.subs, id)
		}
	}
}

// Close unsubscribes, flushes what is queued and closes the writer.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	if q.bus != nil {
		for _, id := range q.subs {
			q.bus.Unsubscribe(id)
		}
		q.subs = nil
	}
	q.mu.Unlock()

	var err error
	if started {
		close(q.stop)
		select {
		case <-q.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	return errors.Join(err, q.w.Close())
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]eventbus.Event, 0, q.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		q.write(ctx, batch)
		batch = make([]eventbus.Event, 0, q.opts.BatchSize)
	}

	for {
		select {
		case ev := <-q.ch:
			batch = append(batch, ev)
			if len(batch) >= q.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
			q.reportDrops()
		case <-q.stop:
			q.drain(&batch, flush)
			return
		case <-ctx.Done():
			q.drain(&batch, flush)
			return
		}
	}
}

func (q *Queue) drain(batch *[]eventbus.Event, flush func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-q.ch:
			*batch = append(*batch, ev)
			if len(*batch) >= q.opts.BatchSize {
				flush(ctx)
			}
		default:
			flush(ctx)
			q.reportDrops()
			return
		}
	}
}

// reportDrops logs one summary per drop burst and re-arms the burst warning.
func (q *Queue) reportDrops() {
	n := q.dropped.Swap(0)
	if n > 0 && q.logger != nil {
		q.logger.Warn("sink dropped events", "sink", q.w.Name(), "count", n)
	}
}

func (q *Queue) write(ctx context.Context, batch []eventbus.Event) {
	delay := q.opts.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := q.w.Write(ctx, batch)
		if err == nil {
			return
		}
		if q.metrics != nil {
			q.metrics.SinkFailed(q.w.Name())
		}
		if attempt >= q.opts.MaxRetries {
			if q.logger != nil {
				q.logger.Error("sink write failed, dropping batch", "sink", q.w.Name(), "events", len(batch), "err", err)
			}
			return
		}
		if q.logger != nil {
			q.logger.Warn("sink write failed, retrying", "sink", q.w.Name(), "attempt", attempt+1, "err", err)
		}
		if !BackoffSleep(ctx, delay) {
			return
		}
		delay *= 2
	}
}

// BackoffSleep waits d or until ctx is done, reporting whether the full delay
// elapsed.
func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
