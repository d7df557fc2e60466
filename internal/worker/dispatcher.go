package worker

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

type keyQueue struct {
	jobs     []job
	enqueued bool
}

// Dispatcher hands jobs to workers one key at a time, round robin, so a
// conversation with many queued turns cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan job // interface for outer jobs get in the dispatcher
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[int64]*keyQueue // job queue for each key
	ready     *list.List          // LRU queue storing keys
	positions map[int64]*list.Element

	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(pool *jobChannelPool, queueSize, warm int, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		queues:    make(map[int64]*keyQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan job, queueSize),
		logger:    logger,
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}

	for i := 0; i < warm; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.finished)
	for {
		// dispatch one job of the key in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case j := <-d.JobQueue: // force congestion
				d.enqueueJob(j)
			case <-d.done:
				d.drain()
				return
			}
			continue
		}
		// if we have a new job, enqueue it and its key
		select {
		case j := <-d.JobQueue: // non-congestion
			d.enqueueJob(j)
		case <-d.done:
			d.drain()
			return
		default:
		}
	}
}

// CancelKey drops every queued job for key and closes their channels.
func (d *Dispatcher) CancelKey(key int64) {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	if q == nil {
		return
	}
	for _, j := range q.jobs {
		j.abort()
	}
}

func (d *Dispatcher) enqueueJob(j job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[j.key]
	if q == nil {
		q = &keyQueue{}
		d.queues[j.key] = q
	}
	q.jobs = append(q.jobs, j)
	if q.enqueued {
		// key already enqueued, skip
		return
	}
	q.enqueued = true
	d.positions[j.key] = d.ready.PushBack(j.key)
}

// nextJob pops the head job of the first key in LRU order and moves that key
// to the back when it still has work.
func (d *Dispatcher) nextJob() (job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return job{}, false
	}
	key := elem.Value.(int64)
	q := d.queues[key]
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// key only had one job, it leaves the queue
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return j, true
}

// dispatchOne get first key in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	j, ok := d.nextJob()
	if !ok {
		return false
	}
	if j.ctx.Err() != nil {
		// the caller left while the job was queued
		j.abort()
		return true
	}

	workerChan, workerID, ok := d.pool.acquire()
	if !ok {
		j.abort()
		return false
	}
	d.logger.Debug("assign job", zap.Int64("key", j.key), zap.Int("worker", workerID))
	select {
	case workerChan <- j:
	case <-d.pool.done:
		j.abort()
		return false
	}
	return true
}

func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

// drain closes every job that will never run.
func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.JobQueue:
			j.abort()
		default:
			d.mu.Lock()
			queues := d.queues
			d.queues = make(map[int64]*keyQueue)
			d.ready.Init()
			d.positions = make(map[int64]*list.Element)
			d.mu.Unlock()
			for _, q := range queues {
				for _, j := range q.jobs {
					j.abort()
				}
			}
			return
		}
	}
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
	<-d.finished
}
