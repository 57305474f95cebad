package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/nodeflow/cmd/api/container"
	"github.com/lyzr/nodeflow/cmd/api/handlers"
	apimw "github.com/lyzr/nodeflow/cmd/api/middleware"
	"github.com/lyzr/nodeflow/cmd/api/routes"
	"github.com/lyzr/nodeflow/common/bootstrap"
	"github.com/lyzr/nodeflow/common/middleware"
)

func main() {
	ctx := context.Background()

	svc, err := bootstrap.Setup(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Shutdown(ctx)

	ctn := container.NewContainer(svc)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, svc)
	registerRoutes(e, ctn)

	startServer(e, svc)
}

// setupEcho initializes the Echo server
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures the global middleware chain
func setupMiddleware(e *echo.Echo) {
	e.Use(echomw.RequestID())
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(apimw.ExtractUser())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, svc *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := svc.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "api",
		})
	})
}

// registerRoutes builds the handlers from the container and registers
// all application routes
func registerRoutes(e *echo.Echo, ctn *container.Container) {
	deps := handlers.Deps{
		Executions: ctn.Executions,
		Workflows:  ctn.Workflows,
		Logs:       ctn.Logs,
		Tasks:      ctn.Tasks,
		Dispatcher: ctn.Dispatcher,
		Queue:      ctn.Components.Queue,
		Limiter:    ctn.Limiter,
		RateLimit:  ctn.Components.Config.RateLimit,
		Logger:     ctn.Components.Logger,
	}
	limit := middleware.UserRateLimit(ctn.Limiter, ctn.Components.Config.RateLimit)

	routes.RegisterExecutionRoutes(e, handlers.NewExecutionHandler(deps), limit)
	routes.RegisterWorkflowRoutes(e, handlers.NewWorkflowHandler(deps))
	routes.RegisterEventRoutes(e, handlers.NewEventHandler(deps), limit)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, svc *bootstrap.Components) {
	port := svc.Config.Service.Port
	svc.Logger.Info("api listening", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
		svc.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
