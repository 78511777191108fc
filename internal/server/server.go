package server

import (
	"net/http"

	"storefront/internal/config"
	"storefront/internal/handler"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// New はechoインスタンスを組み立てる。起動はしない（テストで使い回すため）。
func New(cfg config.Config, cartH *handler.CartHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     []string{cfg.FEURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowCredentials: true,
	}))

	// IP単位の粗いレートリミット。カートの整合性とは無関係の別関心。
	e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(rate.Limit(20))))

	RegisterRoutes(e, cfg, cartH)
	return e
}

func Start(addr string, cfg config.Config, cartH *handler.CartHandler) error {
	return New(cfg, cartH).Start(addr)
}
