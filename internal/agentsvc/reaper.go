package agentsvc

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// reapChildren is PID 1's zombie-reaping duty: wait4(-1, ...) collects
// any child whose parent exited without waiting on it (every orphaned
// exec'd process ends up reparented to the agent), discarding the
// status since only explicitly tracked exec processes have a caller
// waiting on their result.
func (a *Agent) reapChildren(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			continue
		}
		a.log.WithField("pid", pid).Debug("reaped child process")
	}
}
