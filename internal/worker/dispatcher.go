package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDispatcherBusy    = errors.New("server is busy, please retry")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Dispatcher feeds the worker pool from per-user FIFO backlogs, taking one
// job per user in turn so a single user's burst cannot starve the others.
type Dispatcher struct {
	pool  *workerPool
	limit int
	log   *zap.Logger

	mu       sync.Mutex
	backlogs map[int64][]Job
	turn     *list.List // users with queued jobs, next to be served at the front
	slots    map[int64]*list.Element
	queued   int
	stopped  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		pool:     newWorkerPool(minWorkers, maxWorkers, idleTimeout, manager.handleTurn),
		limit:    max(queueSize, 1),
		log:      log,
		backlogs: make(map[int64][]Job),
		turn:     list.New(),
		slots:    make(map[int64]*list.Element),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.grow()
	}
	go d.run()
	return d
}

// Submit appends job to the user's backlog, or fails with ErrDispatcherBusy
// when limit jobs are already waiting across all users.
func (d *Dispatcher) Submit(userID int64, job Job) error {
	d.mu.Lock()
	switch {
	case d.stopped:
		d.mu.Unlock()
		return ErrDispatcherStopped
	case d.queued >= d.limit:
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.backlogs[userID] = append(d.backlogs[userID], job)
	d.queued++
	if _, ok := d.slots[userID]; !ok {
		d.slots[userID] = d.turn.PushBack(userID)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelUser removes and returns the jobs userID still has waiting.
func (d *Dispatcher) CancelUser(userID int64) []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.backlogs[userID]
	d.dropLocked(userID)
	d.queued -= len(jobs)
	return jobs
}

func (d *Dispatcher) dropLocked(userID int64) {
	delete(d.backlogs, userID)
	if elem, ok := d.slots[userID]; ok {
		d.turn.Remove(elem)
		delete(d.slots, userID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if d.hasWork() && d.dispatch() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) hasWork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.turn.Len() > 0
}

// dispatch waits for an idle worker and only then picks the job, so a job
// stays cancellable for as long as it waits.
func (d *Dispatcher) dispatch() bool {
	worker := d.pool.checkout()
	if worker == nil {
		return false
	}
	job, userID, ok := d.next()
	if !ok {
		// everything was cancelled while we waited
		if !d.pool.checkin(worker) {
			worker <- Job{Type: Stop}
		}
		return true
	}
	d.log.Debug("assign job", zap.Int64("user_id", userID))
	worker <- job
	return true
}

// next pops the oldest job of the user at the front and moves that user to
// the back of the rotation.
func (d *Dispatcher) next() (Job, int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.turn.Front()
	if elem == nil {
		return Job{}, 0, false
	}
	userID := elem.Value.(int64)
	jobs := d.backlogs[userID]
	job := jobs[0]
	d.queued--
	if len(jobs) == 1 {
		d.dropLocked(userID)
	} else {
		d.backlogs[userID] = jobs[1:]
		d.turn.MoveToBack(elem)
	}
	return job, userID, true
}

// Stop fails waiting jobs, lets running ones finish and stops every worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var dropped []Job
	for _, jobs := range d.backlogs {
		dropped = append(dropped, jobs...)
	}
	d.backlogs = make(map[int64][]Job)
	d.slots = make(map[int64]*list.Element)
	d.turn.Init()
	d.queued = 0
	d.mu.Unlock()

	for _, job := range dropped {
		job.Turn.fail(ErrDispatcherStopped)
	}
	close(d.quit)
	d.pool.shutdown()
	<-d.done
}

// Pending reports how many jobs are queued but not yet running.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}
