package status

import (
	"sync"

	"github.com/nmxmxh/simkernel/kernel/utils"
)

// Recorder keeps every status it is sent
type Recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *Recorder) Send(s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return nil
}

// Statuses returns what was sent so far, optionally only of some kinds
func (r *Recorder) Statuses(kinds ...Kind) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		return append([]Status(nil), r.statuses...)
	}
	var out []Status
	for _, s := range r.statuses {
		for _, k := range kinds {
			if s.Kind == k {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// LogSender writes statuses to a logger, for runs without an orchestrator
type LogSender struct {
	Logger *utils.Logger
}

func (l LogSender) Send(s Status) error {
	fields := []utils.Field{utils.String("kind", s.Kind.String())}
	if s.SimID != 0 {
		fields = append(fields, utils.String("sim", s.SimID.String()))
	}
	switch s.Kind {
	case KindSimStatus:
		fields = append(fields, utils.Int64("steps", s.Steps), utils.Bool("running", s.Running))
		l.Logger.Debug("status", fields...)
	case KindRunnerErrors, KindUserErrors, KindPackageError, KindProcessError:
		fields = append(fields, utils.String("message", s.Message), utils.Any("diagnostics", s.Diagnostics))
		l.Logger.Error("status", fields...)
	case KindRunnerWarnings, KindUserWarnings:
		fields = append(fields, utils.Any("diagnostics", s.Diagnostics))
		l.Logger.Warn("status", fields...)
	case KindLogs:
		for _, line := range s.Logs {
			l.Logger.Info(line, fields...)
		}
	default:
		l.Logger.Info("status", fields...)
	}
	return nil
}
