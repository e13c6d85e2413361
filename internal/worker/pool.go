package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// workerPool keeps between minIdle and maxWorkers goroutines. Idle workers
// form a stack, so the most recently used one is handed out first and the
// long-idle ones sink to the bottom where reap finds them.
type workerPool struct {
	handle      func(*turnTask)
	minIdle     int
	maxWorkers  int
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*poolWorker
	workers map[chan Job]*poolWorker
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorkerPool(minIdle, maxWorkers int, idleTimeout time.Duration, handle func(*turnTask)) *workerPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultWorkerIdle
	}
	minIdle = max(minIdle, 0)
	maxWorkers = max(maxWorkers, minIdle, 1)
	p := &workerPool{
		handle:      handle,
		minIdle:     minIdle,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		now:         time.Now,
		workers:     make(map[chan Job]*poolWorker),
		quit:        make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.reaper()
	return p
}

// grow starts one more worker if there is room. It reports whether it did.
func (p *workerPool) grow() bool {
	p.mu.Lock()
	w := p.startLocked()
	p.mu.Unlock()
	return w != nil
}

func (p *workerPool) startLocked() *poolWorker {
	if p.closed || len(p.workers) >= p.maxWorkers {
		return nil
	}
	w := &poolWorker{jobs: make(chan Job)}
	p.workers[w.jobs] = w
	p.wg.Add(1)
	go p.loop(w)
	return w
}

// checkout blocks until a worker is idle and removes it from the idle stack.
// It returns nil once the pool is shut down.
func (p *workerPool) checkout() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed {
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			w.parked = false
			return w.jobs
		}
		// a fresh worker signals once it parks itself
		p.startLocked()
		p.cond.Wait()
	}
	return nil
}

// checkin parks the worker owning ch. It returns false once the pool is shut
// down and the worker should exit.
func (p *workerPool) checkin(ch chan Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	w, ok := p.workers[ch]
	if ok && !w.retired && !w.parked {
		w.parked = true
		w.idleSince = p.now()
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

func (p *workerPool) exit(w *poolWorker) {
	p.mu.Lock()
	delete(p.workers, w.jobs)
	w.retired = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Done()
}

func (p *workerPool) reaper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap stops workers idle for longer than idleTimeout while more than
// minIdle workers exist.
func (p *workerPool) reap() {
	cutoff := p.now().Add(-p.idleTimeout)

	p.mu.Lock()
	surplus := len(p.workers) - p.minIdle
	n := 0
	for n < len(p.idle) && n < surplus && !p.idle[n].idleSince.After(cutoff) {
		n++
	}
	stale := make([]*poolWorker, n)
	copy(stale, p.idle[:n])
	p.idle = append(p.idle[:0], p.idle[n:]...)
	for _, w := range stale {
		w.parked = false
		w.retired = true
	}
	p.mu.Unlock()

	for _, w := range stale {
		w.jobs <- Job{Type: Stop}
	}
}

// shutdown stops idle workers and waits for busy ones to finish their job.
func (p *workerPool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, w := range idle {
		w.retired = true
	}
	p.mu.Unlock()
	p.cond.Broadcast()
	close(p.quit)

	for _, w := range idle {
		w.jobs <- Job{Type: Stop}
	}
	p.wg.Wait()
}

func (p *workerPool) counts() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers), len(p.idle)
}
