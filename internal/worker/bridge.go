// Package worker runs streaming generation jobs on an elastic worker pool and
// hands their output back over bounded channels.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"edututor/internal/service/ai"
)

var (
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	ErrBridgeClosed   = errors.New("bridge closed")
)

// Generator streams one completion, calling yield for every fragment.
type Generator interface {
	Stream(ctx context.Context, req ai.Request, yield func(string) error) error
}

type EventKind int

const (
	EventFragment EventKind = iota
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one item on a stream channel.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	BufferSize  int
}

const (
	defaultMaxWorkers = 16
	defaultQueueSize  = 64
	defaultBufferSize = 32
)

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = max(defaultMaxWorkers, c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultWorkerIdle
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Bridge is the only way the connection loop reaches the generator. Every
// channel returned by Stream is closed exactly once.
type Bridge struct {
	dispatcher *Dispatcher
	pool       *jobChannelPool
	bufferSize int
	logger     *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Idle    int `json:"idle"`
	Pending int `json:"pending"`
}

func NewBridge(gen Generator, cfg DispatcherConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, gen, logger)
	base, cancel := context.WithCancel(context.Background())
	return &Bridge{
		dispatcher: NewDispatcher(pool, cfg.QueueSize, cfg.MinWorkers, logger),
		pool:       pool,
		bufferSize: cfg.BufferSize,
		logger:     logger,
		base:       base,
		cancel:     cancel,
	}
}

// Stream queues a generation job for key and returns its event channel.
// Fragments arrive in order, followed by at most one EventError and then
// EventEnd. When ctx is cancelled the channel is closed without EventEnd.
func (b *Bridge) Stream(ctx context.Context, key int64, req ai.Request) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBridgeClosed
	}

	jctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.base, cancel)
	out := make(chan Event, b.bufferSize)
	j := job{
		key: key,
		ctx: jctx,
		req: req,
		out: out,
		release: func() {
			stop()
			cancel()
		},
	}
	select {
	case b.dispatcher.JobQueue <- j:
		return out, nil
	default:
		j.release()
		b.logger.Warn("generation queue full", zap.Int64("key", key))
		return nil, ErrDispatcherBusy
	}
}

// Cancel drops jobs still queued for key. Running jobs are not touched; they
// stop with their own context.
func (b *Bridge) Cancel(key int64) {
	b.dispatcher.CancelKey(key)
}

func (b *Bridge) Stats() Stats {
	workers, idle := b.pool.stats()
	return Stats{Workers: workers, Idle: idle, Pending: b.dispatcher.pending()}
}

// Close cancels running jobs, closes the channels of queued ones and waits
// for every worker to exit. It is safe to call more than once.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()
		b.dispatcher.stop()
		b.pool.close()
	})
}
