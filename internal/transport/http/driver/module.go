package driver

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/Additional-Code/dispatch/internal/auth"
)

// Module wires HTTP driver handlers.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(func(e *echo.Echo, h *Handler, a *auth.Authenticator) {
		Register(e, h, a)
	}),
)
