package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"edututor/internal/service/ai"
)

type job struct {
	key     int64
	ctx     context.Context
	req     ai.Request
	out     chan Event
	release func()
	stop    bool // retire sentinel sent by the pool
}

// abort closes a job that never reached a worker.
func (j job) abort() {
	if j.release != nil {
		j.release()
	}
	if j.out != nil {
		close(j.out)
	}
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	gen        Generator
	jobChannel chan job
	logger     *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		gen:        pool.gen,
		jobChannel: make(chan job),
		logger:     pool.logger.With(zap.Int("worker", id)),
	}
}

// Start parks the worker in the idle list and serves jobs until it is
// retired or the pool closes.
func (w *Worker) Start() {
	go func() {
		defer w.pool.wg.Done()
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			select {
			case j := <-w.jobChannel:
				if j.stop {
					w.logger.Debug("worker retired")
					return
				}
				w.handle(j)
			case <-w.pool.done:
				return
			}
		}
	}()
}

func (w *Worker) handle(j job) {
	defer close(j.out)
	defer j.release()

	send := func(ev Event) bool {
		select {
		case j.out <- ev:
			return true
		case <-j.ctx.Done():
			return false
		}
	}
	if j.ctx.Err() != nil {
		return
	}

	err := w.generate(j, send)
	if j.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.logger.Warn("generation failed", zap.Int64("key", j.key), zap.Error(err))
		if !send(Event{Kind: EventError, Err: err}) {
			return
		}
	}
	send(Event{Kind: EventEnd})
}

func (w *Worker) generate(j job, send func(Event) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return w.gen.Stream(j.ctx, j.req, func(fragment string) error {
		if !send(Event{Kind: EventFragment, Text: fragment}) {
			return j.ctx.Err()
		}
		return nil
	})
}
