package printqueue

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
)

// Module provides the renderer, the configured printer spool and the queue.
var Module = fx.Provide(
	func(cfg config.Config, clk clock.Clock) *Renderer {
		return NewRenderer(cfg.Print, clk)
	},
	func(cfg config.Config, logger *zap.Logger) *Spool {
		return NewSpool(cfg.Print, logger)
	},
	func(s *Spool) Channel { return s },
	NewQueue,
)
