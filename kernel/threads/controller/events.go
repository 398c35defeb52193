package controller

import (
	"context"

	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/threads/supervisor"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// forwardEvents turns the pool's worker diagnostics for this run into
// status messages until ctx is done. Fatal events are added to the report.
func (c *Controller) forwardEvents(ctx context.Context) {
	events := c.pool.Events()
	for {
		select {
		case <-ctx.Done():
			c.drainEvents(events)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(e)
		}
	}
}

// drainEvents handles what workers reported before the run ended
func (c *Controller) drainEvents(events <-chan supervisor.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(e)
		default:
			return
		}
	}
}

func (c *Controller) handleEvent(e supervisor.Event) {
	simID := c.run.SimID
	if e.SimID != simID {
		c.logger.Debug("event of another run ignored", utils.String("event_sim", e.SimID.String()), utils.String("kind", e.Kind.String()))
		return
	}
	if e.Fatal() && e.Err != nil {
		c.addError(e.Err)
	}

	switch e.Kind {
	case supervisor.EventRunnerErrors:
		c.send(status.RunnerErrors(simID, []error{e.Err}))
	case supervisor.EventPackageError:
		c.send(status.PackageError(simID, e.Err))
	case supervisor.EventRunnerWarnings:
		if e.Err != nil {
			c.send(status.RunnerWarnings(simID, []string{e.Err.Error()}))
		}
	case supervisor.EventUserErrors:
		c.send(status.UserErrors(simID, e.UserErrors))
	case supervisor.EventUserWarnings:
		warnings := e.UserWarnings
		if c.diagnostics != nil {
			warnings = c.diagnostics.NewWarnings(simID, warnings)
		}
		if len(warnings) > 0 {
			c.send(status.UserWarnings(simID, warnings))
		}
	case supervisor.EventRunnerLogs:
		if c.diagnostics != nil && !c.diagnostics.AllowLogs(simID) {
			return
		}
		c.send(status.Logs(simID, e.Logs))
	default:
		c.logger.Warn("unexpected worker event", utils.String("kind", e.Kind.String()), utils.Int("worker", e.Worker))
	}
}
