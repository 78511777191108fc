package main

import (
	"time"

	"storefront/internal/config"
	"storefront/internal/domain/model"
	"storefront/internal/handler"
	"storefront/internal/infra/db"
	infraRepo "storefront/internal/infra/repository"
	repo "storefront/internal/repository"
	"storefront/internal/server"
	"storefront/internal/usecase"

	"github.com/joho/godotenv"
	glog "github.com/labstack/gommon/log"
	"github.com/shopspring/decimal"
)

func init() {
	// priceはJSONでは数値のまま出す（"8.50"ではなく8.5）
	decimal.MarshalJSONWithoutQuotes = true
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func main() {
	// .envは無ければ無いで環境変数をそのまま使う
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	//Store生成
	var store repo.CartStore
	if cfg.CartStore == "memory" {
		store = infraRepo.NewCartMemoryStore()
	} else {
		gormDB, err := db.Connect()
		if err != nil {
			panic(err)
		}
		if err := gormDB.AutoMigrate(&model.CartSession{}); err != nil {
			panic(err)
		}
		store = infraRepo.NewCartGormStore(gormDB)
	}

	//Usecase生成
	cartUC := usecase.NewCartUsecase(store, &realClock{}, glog.New("cart"))

	//Handler生成
	cartH := handler.NewCartHandler(cartUC)

	//Server起動
	addr := cfg.Port
	if addr[0] != ':' {
		addr = ":" + addr
	}

	if err := server.Start(addr, cfg, cartH); err != nil {
		panic(err)
	}
}
