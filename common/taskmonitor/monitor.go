// Package taskmonitor warns about lifecycle steps that stall.
package taskmonitor

import (
	"context"
	"time"

	"github.com/sagernet/sing-vpn/log"
	F "github.com/sagernet/sing/common/format"
)

type Monitor struct {
	logger  log.ContextLogger
	timeout time.Duration
	timer   *time.Timer
	task    string
	started time.Time
}

func New(logger log.ContextLogger, timeout time.Duration) *Monitor {
	return &Monitor{
		logger:  logger,
		timeout: timeout,
	}
}

// Start arms the warning for one step. A monitor tracks a single step at a
// time; starting again replaces the previous one.
func (m *Monitor) Start(ctx context.Context, taskName ...any) {
	m.Finish()
	task, timeout := F.ToString(taskName...), m.timeout
	m.task = task
	m.started = time.Now()
	m.timer = time.AfterFunc(timeout, func() {
		m.logger.WarnContext(ctx, task, " still running after ", timeout)
	})
}

// Finish disarms the warning and returns how long the step took.
func (m *Monitor) Finish() time.Duration {
	if m.timer == nil {
		return 0
	}
	m.timer.Stop()
	m.timer = nil
	return time.Since(m.started)
}
