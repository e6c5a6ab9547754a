package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func mountPprof(e *echo.Echo, token string) {
	g := e.Group("/debug/pprof")
	if tok := strings.TrimSpace(token); tok != "" {
		g.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == tok, nil
		}))
	}
	g.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	// Named profiles: heap, goroutine, allocs, block, mutex, threadcreate.
	g.GET("/:name", func(c echo.Context) error {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
