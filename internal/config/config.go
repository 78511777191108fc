package config

import (
	"fmt"
	"os"
)

// Configはアプリ全体の設定
type Config struct {
	Port string // サーバーポート（8080）

	JWTSecret string // 任意認証のJWT署名シークレット

	GoEnv string // dev/prod
	FEURL string // フロントURL（CORSで使う）

	CookieSecure bool // session cookieのSecure属性。デフォルトは prod のときのみ true

	CartStore string // gorm（デフォルト） / memory
}

// Loadは環境変数から読み込む
func Load() (Config, error) {
	cfg := Config{
		Port:      os.Getenv("PORT"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		GoEnv:     os.Getenv("GO_ENV"),
		FEURL:     os.Getenv("FE_URL"),
		CartStore: os.Getenv("CART_STORE"),
	}

	//必須チェック
	if cfg.Port == "" {
		return Config{}, fmt.Errorf("PORT is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.GoEnv == "" {
		return Config{}, fmt.Errorf("GO_ENV is required")
	}
	if cfg.FEURL == "" {
		return Config{}, fmt.Errorf("FE_URL is required")
	}

	cfg.CookieSecure = envBool("COOKIE_SECURE", cfg.GoEnv == "prod")

	if cfg.CartStore == "" {
		cfg.CartStore = "gorm"
	}
	if cfg.CartStore != "gorm" && cfg.CartStore != "memory" {
		return Config{}, fmt.Errorf("CART_STORE must be gorm or memory")
	}

	return cfg, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}
