package ws

import (
	"go.uber.org/fx"
)

// Module wires the websocket gateway onto the Echo router.
var Module = fx.Options(
	fx.Provide(NewGateway),
	fx.Invoke(Register),
)
