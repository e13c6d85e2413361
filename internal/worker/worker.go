package worker

import "time"

// JobType selects what a worker does with a Job.
type JobType int

const (
	Run JobType = iota
	Stop
)

// Job is one unit of work handed to a worker.
type Job struct {
	Type JobType
	Turn *turnTask
}

// poolWorker is one goroutine of a workerPool, addressed by its jobs channel.
type poolWorker struct {
	jobs      chan Job
	idleSince time.Time
	parked    bool // on the idle stack
	retired   bool // told to stop, or about to be
}

// loop parks w, runs the job it is handed and parks again until it gets Stop
// or the pool shuts down.
func (p *workerPool) loop(w *poolWorker) {
	defer p.exit(w)
	for p.checkin(w.jobs) {
		job := <-w.jobs
		if job.Type == Stop {
			return
		}
		p.handle(job.Turn)
	}
}
