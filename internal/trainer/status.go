package trainer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

// registerStatus mounts the status surface on e.
func (t *Trainer) registerStatus(e *echo.Echo) {
	e.GET("/v1/status", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, t.Status())
	})
}

// serveStatus runs the optional status server until ctx is canceled.
// Training never depends on it; a serve error is logged and the loop
// continues.
func (t *Trainer) serveStatus(ctx context.Context) {
	e := echo.New()
	e.Use(middleware.Recover())
	t.registerStatus(e)
	t.log.Info("status server listening", "address", t.opts.StatusAddress)
	sc := echo.StartConfig{
		Address: t.opts.StatusAddress,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		t.log.Warn("status server stopped", "error", err)
	}
}
