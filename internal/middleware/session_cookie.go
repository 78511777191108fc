package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"storefront/internal/config"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	CtxSessionIDKey = "cart_session_id" // string

	sessionCookieName = "cart_session"
	sessionTTL        = 30 * 24 * time.Hour
)

// SessionCookie はカートの匿名セッショントークンを解決するミドルウェア。
// cookieが無ければ発行し、あれば同じ値を使い続ける（ローテーションしない）。
// レスポンスのたびに期限を now+30日 へ引き直す（スライド式）。
// 失敗しない：読み取りに何か問題があれば新規発行にフォールバックする。
func SessionCookie(cfg config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := ""
			if ck, err := c.Cookie(sessionCookieName); err == nil && ck.Value != "" {
				id = ck.Value
			}
			if id == "" {
				id = mintSessionID()
			}

			c.SetCookie(&http.Cookie{
				Name:     sessionCookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   cfg.CookieSecure,
				SameSite: http.SameSiteLaxMode,
				Expires:  time.Now().Add(sessionTTL),
			})

			c.Set(CtxSessionIDKey, id)
			return next(c)
		}
	}
}

// SessionIDFromContext はミドルウェアが解決したトークンを取り出す。
func SessionIDFromContext(c echo.Context) (string, bool) {
	id, ok := c.Get(CtxSessionIDKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// トークンは時刻成分+乱数成分。推測できない長さのエントロピーを持つ。
func mintSessionID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/randが読めない環境でも発行は止めない
		return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), base64.RawURLEncoding.EncodeToString(buf))
}
