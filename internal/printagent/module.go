package printagent

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/printqueue"
)

// Module wires the outbox as the queue's confirmer and runs the agent for the
// lifetime of the Fx app.
var Module = fx.Options(
	fx.Provide(
		NewOutbox,
		func(o *Outbox) printqueue.Confirmer { return o },
		NewAgent,
	),
	fx.Invoke(func(lc fx.Lifecycle, agent *Agent, logger *zap.Logger) {
		var (
			cancel context.CancelFunc
			done   chan struct{}
		)
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				var runCtx context.Context
				runCtx, cancel = context.WithCancel(context.Background())
				done = make(chan struct{})
				go func() {
					defer close(done)
					if err := agent.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("print agent stopped", zap.Error(err))
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}),
)
