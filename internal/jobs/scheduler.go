package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Every starts fn through m right away and then once per interval until ctx is done.
// A tick that finds another job running is skipped.
func Every(ctx context.Context, m *Manager, interval time.Duration, kind Kind, fn Func) {
	if interval <= 0 {
		return
	}

	tick := func() {
		job, err := m.Start(kind, fn)
		if errors.Is(err, ErrBusy) {
			zap.L().Debug("scheduled job skipped, another job is running", zap.String("kind", string(kind)))
			return
		}
		if err != nil {
			zap.L().Error("failed to start scheduled job", zap.String("kind", string(kind)), zap.Error(err))
			return
		}
		select {
		case <-job.Done():
		case <-ctx.Done():
			job.Cancel()
		}
	}

	zap.L().Info("scheduler started", zap.String("kind", string(kind)), zap.Duration("interval", interval))
	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
