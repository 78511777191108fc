package middleware

import (
	"errors"
	"strings"

	"storefront/internal/config"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

const CtxUserIDKey = "user_id" // string（JWTのsub）

// OptionalAuthJWT はBearerトークンがあれば検証してuser_idをcontextに載せる。
// カートは匿名でも動くので、ヘッダ無し・検証失敗のどちらも匿名のまま通す（401にしない）。
// user_idは注文履歴との紐付けにだけ使われる。
func OptionalAuthJWT(cfg config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authz := c.Request().Header.Get("Authorization")
			if authz == "" {
				return next(c)
			}

			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return next(c)
			}
			rawToken := strings.TrimSpace(parts[1])
			if rawToken == "" {
				return next(c)
			}

			token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
				if t.Method != jwt.SigningMethodHS256 {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || token == nil || !token.Valid {
				return next(c)
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				return next(c)
			}

			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				return next(c)
			}

			c.Set(CtxUserIDKey, sub)
			return next(c)
		}
	}
}

// UserIDFromContext は認証済みならユーザーIDを返す。匿名ならnil。
func UserIDFromContext(c echo.Context) *string {
	id, ok := c.Get(CtxUserIDKey).(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}
