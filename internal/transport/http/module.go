package http

import (
	"go.uber.org/fx"

	drivertransport "github.com/Additional-Code/dispatch/internal/transport/http/driver"
	ordertransport "github.com/Additional-Code/dispatch/internal/transport/http/order"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	drivertransport.Module,
)
