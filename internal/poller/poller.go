// Package poller implements QueuePoller: it consumes the database
// notification stream, drains all currently eligible queue rows under the
// queue mutex, and submits each to the dispatcher.
package poller

import (
	"context"
	"sync"

	"rteval-parserd/internal/control"
	"rteval-parserd/internal/dbclient"
	"rteval-parserd/internal/logging"
	"rteval-parserd/internal/workerpool"
)

// NotifyChannel is the fixed PostgreSQL NOTIFY channel name the queue
// triggers on submissionqueue inserts.
const NotifyChannel = "rteval_submq"

// Poller drives the poll loop described in the queue poller's rationale:
// NOTIFY is an edge trigger, so after every wakeup the poller must drain
// every currently eligible row before sleeping again, since more rows may
// have been inserted before NOTIFY fired.
type Poller struct {
	DB      dbclient.DbClient
	QueueMu *sync.Mutex
	Pool    *workerpool.Pool
	Loop    *control.Loop
	Log     *logging.LogSink
}

// Run blocks until shutdown is requested, then closes the dispatcher
// channel and returns.
func (p *Poller) Run(ctx context.Context) {
	for {
		hasData, err := p.DB.WaitNotification(ctx, NotifyChannel, p.Loop.ShutdownRequested)
		if err != nil {
			p.Log.Writef(logging.ERR, "queue poller: wait_notification: %v", err)
			if p.Loop.ShutdownRequested() {
				p.Pool.Close()
				return
			}
			continue
		}
		if p.Loop.ShutdownRequested() {
			p.Pool.Close()
			return
		}
		if !hasData {
			continue
		}

		for {
			j, err := p.DB.GetSubmissionQueueJob(ctx, p.QueueMu)
			if err != nil {
				p.Log.Writef(logging.ERR, "queue poller: get_submissionqueue_job: %v", err)
				break
			}
			if j == nil {
				break
			}
			p.Log.Writef(logging.DEBUG, "queue poller: dispatching submid %d", j.SubmissionID)
			p.Pool.Submit(*j)
		}
	}
}
