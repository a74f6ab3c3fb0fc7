package mirror

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/rootwatch/internal/audit"
)

const (
	defaultQueueSize  = 1024
	defaultMaxRetries = 5
	retryBase         = 250 * time.Millisecond
	retryCap          = 10 * time.Second
)

type item struct {
	rec  audit.Record
	line []byte
}

// Stats counts forwarder outcomes.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// ForwarderConfig tunes a Forwarder. Zero values take defaults.
type ForwarderConfig struct {
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Forwarder is an audit.Mirror that ships lines to a Sink from a single
// background worker, in order. Enqueue never blocks: when the queue is full
// the line is dropped and counted. Delivery failures are logged and never
// reach the audit writer.
type Forwarder struct {
	sink       Sink
	queue      chan item
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
	backoff    func(n int) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewForwarder starts the worker.
func NewForwarder(sink Sink, cfg ForwarderConfig) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		sink:       sink,
		queue:      make(chan item, cfg.QueueSize),
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		logger:     logger.With("component", "mirror"),
		backoff:    retryDelay,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go f.run()
	return f
}

// Enqueue implements audit.Mirror.
func (f *Forwarder) Enqueue(rec audit.Record, line []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Add(1)
		return
	}
	it := item{rec: rec, line: append([]byte(nil), line...)}
	select {
	case f.queue <- it:
	default:
		f.dropped.Add(1)
		f.logger.Warn("mirror queue full, dropping record", "seq", rec.Seq)
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for it := range f.queue {
		f.deliver(it)
	}
}

func (f *Forwarder) deliver(it item) {
	for try := 0; ; try++ {
		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		err := f.sink.Send(ctx, it.rec, it.line)
		cancel()
		if err == nil {
			f.sent.Add(1)
			return
		}
		if IsPermanent(err) || try >= f.maxRetries || f.ctx.Err() != nil {
			f.failed.Add(1)
			f.logger.Error("mirror delivery failed", "seq", it.rec.Seq, "tries", try+1, "error", err)
			return
		}
		f.logger.Debug("mirror delivery retry", "seq", it.rec.Seq, "try", try+1, "error", err)

		t := time.NewTimer(f.backoff(try + 1))
		select {
		case <-t.C:
		case <-f.ctx.Done():
			t.Stop()
		}
	}
}

// Close stops accepting lines and drains the queue until ctx expires, then
// abandons whatever is left. The sink is closed in both cases.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	var err error
	select {
	case <-f.done:
	case <-ctx.Done():
		f.cancel()
		<-f.done
		err = ctx.Err()
	}
	f.cancel()
	if cerr := f.sink.Close(); err == nil {
		err = cerr
	}
	return err
}

// Stats returns the delivery counters.
func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load(), Dropped: f.dropped.Load()}
}

func retryDelay(n int) time.Duration {
	d := retryBase << (n - 1)
	if d <= 0 || d > retryCap {
		return retryCap
	}
	return d
}
