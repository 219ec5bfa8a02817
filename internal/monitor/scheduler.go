package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Run evaluates once immediately and then every poll interval until ctx is
// cancelled. A tick that arrives while a cycle is still running is skipped.
func (e *Engine) Run(ctx context.Context) error {
	logger := cronLogger{l: e.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	spec := fmt.Sprintf("@every %s", e.interval)
	if _, err := c.AddFunc(spec, func() { e.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule decision cycle: %w", err)
	}

	e.tick(ctx)
	c.Start()
	e.logger.Info("monitor started", zap.Duration("poll_interval", e.interval), zap.Int("chains", len(e.chains)))

	<-ctx.Done()
	<-c.Stop().Done()
	e.logger.Info("monitor stopped")
	return nil
}

func (e *Engine) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			e.logger.Debug("skipping tick; previous cycle still running")
			return
		}
		e.logger.Error("decision cycle failed", zap.Error(err))
	}
}

// cronLogger routes scheduler diagnostics through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
