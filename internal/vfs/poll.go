package vfs

import (
	"time"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/wait"
)

// PollRequest pairs a file with the events the caller is interested in.
type PollRequest struct {
	File   *File
	Events PollEvents
}

// PollResult reports which of a request's events were ready.
type PollResult struct {
	Ready PollEvents
}

// Poll builds a wait-queue list from every request's Poll op, rechecking readiness before
// sleeping and again after each wake, per spec.md §4.7. It returns as soon as any file is ready,
// or once timeout elapses with everything still not ready.
func Poll(t *sched.Thread, requests []PollRequest, timeout time.Duration) ([]PollResult, error) {
	results := make([]PollResult, len(requests))

	for {
		var queues []*wait.WaitQueue

		anyReady := false

		for i, req := range requests {
			q, ready, err := req.File.Poll(req.Events)
			if err != nil {
				return nil, err
			}

			results[i].Ready = ready & req.Events

			if results[i].Ready != 0 {
				anyReady = true
				continue
			}

			if q != nil {
				queues = append(queues, q)
			}
		}

		if anyReady || len(queues) == 0 {
			return results, nil
		}

		status := wait.BlockMany(t, queues, timeout)
		if status != errno.NORM { // timeout, cancellation, or kill: stop polling and report what we have
			return results, nil
		}
	}
}
