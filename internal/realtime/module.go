package realtime

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/messaging"
	orderrepo "github.com/Additional-Code/dispatch/internal/repository/order"
)

// Module wires the router and the dispatcher into the Fx lifecycle. The
// dispatcher stops after the bus is closed and drained; sessions are closed last.
var Module = fx.Options(
	fx.Provide(
		func(r *orderrepo.Repository) ParticipantChecker { return r },
		NewRouter,
		func(bus *event.Bus, router *Router, broker messaging.Client, logger *zap.Logger) *Dispatcher {
			return NewDispatcher(bus.Events(), router, broker, logger)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, bus *event.Bus, router *Router, dispatcher *Dispatcher) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				dispatcher.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				bus.Close()
				err := dispatcher.Wait(ctx)
				router.Close()
				return err
			},
		})
	}),
)
