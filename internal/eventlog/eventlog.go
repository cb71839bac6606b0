// Package eventlog ships best-effort log events to a remote sink.
//
// Emit never blocks and never fails: events go to a bounded queue drained
// by background workers, a full queue drops the event, and sink failures
// are only reported to the local logger.
package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Level is the severity understood by the remote sink
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is the JSON body posted to the sink
type Entry struct {
	Stack   string `json:"stack"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Sink delivers a single entry
type Sink interface {
	Send(ctx context.Context, entry Entry) error
}

// Emitter is what the registry logs through
type Emitter interface {
	Emit(level Level, message string)
}

// DropCounter is notified of every event discarded because the queue was full
type DropCounter interface {
	Dropped(ctx context.Context)
}

// Options tunes a Dispatcher
type Options struct {
	Stack       string
	QueueSize   int
	Workers     int
	Drops       DropCounter
	SendTimeout time.Duration // Bounds each Sink.Send call
}

// Dispatcher is a non-blocking Emitter backed by a worker pool
type Dispatcher struct {
	sink        Sink
	logger      *slog.Logger
	stack       string
	drops       DropCounter
	sendTimeout time.Duration

	queue   chan Entry
	workers int

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group
}

// NewDispatcher creates a dispatcher; call Start before emitting.
func NewDispatcher(sink Sink, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Stack == "" {
		opts.Stack = "frontend"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:        sink,
		logger:      logger,
		stack:       opts.Stack,
		drops:       opts.Drops,
		sendTimeout: opts.SendTimeout,
		queue:       make(chan Entry, opts.QueueSize),
		workers:     opts.Workers,
	}
}

// Start launches the workers. They drain the queue until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for entry := range d.queue {
				d.deliver(ctx, entry)
			}
			return nil
		})
	}
	d.group = g
}

// Emit queues an entry without blocking
func (d *Dispatcher) Emit(level Level, message string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	entry := Entry{Stack: d.stack, Level: level, Message: message}
	select {
	case d.queue <- entry:
	default:
		d.logger.Warn("event log queue full, dropping event",
			slog.String("level", string(level)),
			slog.String("message", message))
		if d.drops != nil {
			d.drops.Dropped(context.Background())
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered,
// giving up when ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	if d.group == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event log sink panicked", slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := d.sink.Send(ctx, entry); err != nil {
		d.logger.Error("failed to send event log entry",
			slog.String("level", string(entry.Level)),
			slog.String("error", err.Error()))
	}
}

var _ Emitter = (*Dispatcher)(nil)
