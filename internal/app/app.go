package app

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/dispatch/internal/auth"
	"github.com/Additional-Code/dispatch/internal/cache"
	"github.com/Additional-Code/dispatch/internal/clock"
	"github.com/Additional-Code/dispatch/internal/config"
	"github.com/Additional-Code/dispatch/internal/database"
	"github.com/Additional-Code/dispatch/internal/event"
	"github.com/Additional-Code/dispatch/internal/logger"
	"github.com/Additional-Code/dispatch/internal/messaging"
	"github.com/Additional-Code/dispatch/internal/observability"
	"github.com/Additional-Code/dispatch/internal/printagent"
	"github.com/Additional-Code/dispatch/internal/printqueue"
	"github.com/Additional-Code/dispatch/internal/realtime"
	repositoryactor "github.com/Additional-Code/dispatch/internal/repository/actor"
	repositoryorder "github.com/Additional-Code/dispatch/internal/repository/order"
	repositoryprintlog "github.com/Additional-Code/dispatch/internal/repository/printlog"
	grpcserver "github.com/Additional-Code/dispatch/internal/server/grpc"
	httpserver "github.com/Additional-Code/dispatch/internal/server/http"
	servicedriver "github.com/Additional-Code/dispatch/internal/service/driver"
	serviceorder "github.com/Additional-Code/dispatch/internal/service/order"
	transporthttp "github.com/Additional-Code/dispatch/internal/transport/http"
	transportws "github.com/Additional-Code/dispatch/internal/transport/ws"
	"github.com/Additional-Code/dispatch/internal/worker"
	workerorder "github.com/Additional-Code/dispatch/internal/worker/order"
)

// Base is what every executable needs, including the print agent.
var Base = fx.Options(
	config.Module,
	logger.Module,
	clock.Module,
	observability.Module,
)

// Core provides the foundational modules shared across backend executables.
var Core = fx.Options(
	Base,
	cache.Module,
	database.Module,
	messaging.Module,
	event.Module,
	repositoryorder.Module,
	repositoryactor.Module,
	repositoryprintlog.Module,
	serviceorder.Module,
	servicedriver.Module,
	auth.Module,
)

// HTTP wires the REST, websocket and gRPC surfaces on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	grpcserver.Module,
	realtime.Module,
	transportws.Module,
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
)

// PrintAgent runs the printer-side process. It holds no database connection.
var PrintAgent = fx.Options(
	Base,
	printqueue.Module,
	printagent.Module,
)

// Module is the default application wiring (backend API).
var Module = HTTP
