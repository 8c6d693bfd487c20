// Package workerpool implements WorkerPool & Dispatcher: a fixed-size pool
// of workers fed by a bounded channel, with cooperative shutdown.
package workerpool

import (
	"context"

	"rteval-parserd/internal/control"
	"rteval-parserd/internal/job"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/pipeline"
)

// Pool delivers jobs to a fixed set of workers over a bounded channel of
// capacity threads (one slot per worker), with blocking send and receive.
type Pool struct {
	Jobs chan job.Job
	loop *control.Loop
	log  *logging.LogSink
}

// New creates a Pool whose dispatch channel has capacity threads.
func New(threads int, loop *control.Loop, log *logging.LogSink) *Pool {
	return &Pool{Jobs: make(chan job.Job, threads), loop: loop, log: log}
}

// Start spawns one goroutine per entry in pipelines, each a fully wired
// worker (its own DbConnection and compiled Stylesheet, per the ThreadSlot
// contract). The active-worker counter is incremented before the goroutine
// starts and decremented on its exit, so ControlLoop can await quiescence.
func (p *Pool) Start(pipelines []*pipeline.Pipeline) {
	for id, pl := range pipelines {
		p.loop.Active.Inc()
		go p.run(id, pl)
	}
}

// run is one worker's main loop. On each iteration it first checks for
// shutdown non-blocking, so that once shutdown is requested, jobs already
// sitting in the channel buffer are left unprocessed rather than drained —
// matching the contract that queued-but-undispatched jobs are abandoned on
// shutdown, not completed. Each claimed job is pinged before pickup: a dead
// connection is logged here rather than left to surface only once Run's
// first query fails.
func (p *Pool) run(id int, pl *pipeline.Pipeline) {
	defer p.loop.Active.Dec()

	for {
		select {
		case <-p.loop.ShutdownCh():
			return
		default:
		}

		select {
		case <-p.loop.ShutdownCh():
			return
		case j, ok := <-p.Jobs:
			if !ok {
				return
			}
			ctx := context.Background()
			if err := pl.DB.Ping(ctx); err != nil {
				p.log.Writef(logging.WARNING, "worker %d: submid %d: db ping failed, proceeding anyway: %v", id, j.SubmissionID, err)
			}
			status := pl.Run(ctx, j)
			p.log.Writef(logging.INFO, "worker %d: submid %d terminal status %s", id, j.SubmissionID, status)
		}
	}
}

// Submit sends j to the dispatcher channel, blocking if every worker is
// busy. Called by QueuePoller for each job it claims.
func (p *Pool) Submit(j job.Job) {
	p.Jobs <- j
}

// Close closes the dispatch channel: a worker that finds it closed and
// empty exits, and a Submit made after Close panics. Workers also observe
// the shutdown flag independently of Close.
func (p *Pool) Close() {
	close(p.Jobs)
}
