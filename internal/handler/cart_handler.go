package handler

import (
	"net/http"

	"storefront/internal/config"
	"storefront/internal/domain/model"
	"storefront/internal/middleware"
	"storefront/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if he, ok := usecase.AsHTTPError(err); ok {
		return c.JSON(he.Status, ErrorResponse{Error: he.Message, Code: he.Code})
	}

	//500。生のエラーはクライアントに出さない
	c.Logger().Errorf("unhandled error: %v", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
}

// /cartのHTTP
type CartHandler struct {
	uc *usecase.CartUsecase
}

// DI
func NewCartHandler(uc *usecase.CartUsecase) *CartHandler {
	return &CartHandler{uc: uc}
}

type AddCartItemRequest struct {
	DishID      string           `json:"dishId"`
	Name        string           `json:"name"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *int64           `json:"quantity"`
	ImageSrc    *string          `json:"imageSrc,omitempty"`
	Size        *string          `json:"size,omitempty"`
	VariantID   *string          `json:"variantId,omitempty"`
	VariantName *string          `json:"variantName,omitempty"`
}

type UpdateCartItemRequest struct {
	ItemID   string `json:"itemId"`
	Quantity *int64 `json:"quantity"`
}

type CartResponse struct {
	Cart    []model.CartLineItem `json:"cart"`
	Success bool                 `json:"success,omitempty"`
}

// /cart を登録。セッションcookieと任意認証の後ろに置く。
func (h *CartHandler) RegisterRoutes(e *echo.Echo, cfg config.Config) {
	g := e.Group("/cart")
	g.Use(middleware.SessionCookie(cfg))
	g.Use(middleware.OptionalAuthJWT(cfg))

	g.GET("", h.getCart)
	g.POST("", h.addItem)
	g.PUT("", h.updateQuantity)
	g.DELETE("", h.deleteItem)
}

// カート状態を返すレスポンスは中間キャッシュに乗せない。
// 複数タブ・複数端末が同じcookieで読むので、古い状態を配ると巻き戻って見える。
func noStore(c echo.Context) {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store, no-cache, must-revalidate")
}

func (h *CartHandler) getCart(c echo.Context) error {
	sessionID, ok := middleware.SessionIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}

	noStore(c)
	items := h.uc.GetCart(c.Request().Context(), sessionID)
	return c.JSON(http.StatusOK, CartResponse{Cart: items})
}

func (h *CartHandler) addItem(c echo.Context) error {
	sessionID, ok := middleware.SessionIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}

	var req AddCartItemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body", Code: "INVALID_BODY"})
	}

	//フィールド欠落はここで弾く（値の検査はusecase側）
	if req.DishID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "dishId is required", Code: "INVALID_DISH_ID"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "name is required", Code: "INVALID_NAME"})
	}
	if req.Price == nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "price is required", Code: "INVALID_PRICE"})
	}
	if req.Quantity == nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "quantity is required", Code: "INVALID_QUANTITY"})
	}

	noStore(c)
	items, err := h.uc.AddItem(c.Request().Context(), sessionID, middleware.UserIDFromContext(c), usecase.AddItemInput{
		DishID:      req.DishID,
		Name:        req.Name,
		Price:       *req.Price,
		Quantity:    *req.Quantity,
		ImageSrc:    req.ImageSrc,
		Size:        req.Size,
		VariantID:   req.VariantID,
		VariantName: req.VariantName,
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, CartResponse{Cart: items, Success: true})
}

func (h *CartHandler) updateQuantity(c echo.Context) error {
	sessionID, ok := middleware.SessionIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}

	var req UpdateCartItemRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid body", Code: "INVALID_BODY"})
	}

	if req.ItemID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "itemId is required", Code: "INVALID_ITEM_ID"})
	}
	if req.Quantity == nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "quantity is required", Code: "INVALID_QUANTITY"})
	}

	noStore(c)
	// quantity <= 0 はusecase側で削除に収束する
	items, err := h.uc.SetQuantity(c.Request().Context(), sessionID, middleware.UserIDFromContext(c), req.ItemID, *req.Quantity)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, CartResponse{Cart: items, Success: true})
}

func (h *CartHandler) deleteItem(c echo.Context) error {
	sessionID, ok := middleware.SessionIDFromContext(c)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}

	noStore(c)
	ctx := c.Request().Context()
	userID := middleware.UserIDFromContext(c)

	if c.QueryParam("clear") == "true" {
		items, err := h.uc.Clear(ctx, sessionID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, CartResponse{Cart: items, Success: true})
	}

	itemID := c.QueryParam("itemId")
	if itemID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "itemId or clear=true is required", Code: "INVALID_ITEM_ID"})
	}

	items, err := h.uc.RemoveItem(ctx, sessionID, userID, itemID)
	if err != nil {
		return writeError(c, err)
	}

	// 検証リード。古い読みで消し損ねていたら、もう一度だけ削除を試みる。
	if containsItem(h.uc.GetCart(ctx, sessionID), itemID) {
		c.Logger().Warnf("stale removal detected, retrying once: session=%s item=%s", sessionID, itemID)
		items, err = h.uc.RemoveItem(ctx, sessionID, userID, itemID)
		if err != nil {
			return writeError(c, err)
		}
	}

	return c.JSON(http.StatusOK, CartResponse{Cart: items, Success: true})
}

func containsItem(items []model.CartLineItem, itemID string) bool {
	for _, it := range items {
		if it.ID == itemID {
			return true
		}
	}
	return false
}
