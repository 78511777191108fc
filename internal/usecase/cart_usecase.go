package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"

	"github.com/google/uuid"
	glog "github.com/labstack/gommon/log"
	"github.com/shopspring/decimal"
)

const (
	// スライド式の有効期限。書き込み成功のたびに now+30日 へ引き直す。
	cartTTL = 30 * 24 * time.Hour

	// addItemのみリトライ対象（同一皿へのダブルクリックで増分を失わないため）
	addMaxAttempts  = 3
	addRetryBackoff = 100 * time.Millisecond
)

type Clock interface {
	Now() time.Time
}

// CartUsecase は /cart の業務ロジック。
// CartStoreに対する read-merge-write が唯一の共有状態アクセスで、
// 同一sessionIDへの並行呼び出し（複数タブ・リトライ）を前提にする。
type CartUsecase struct {
	store  repo.CartStore
	clock  Clock
	logger *glog.Logger
	sleep  func(time.Duration)
}

func NewCartUsecase(store repo.CartStore, clock Clock, logger *glog.Logger) *CartUsecase {
	if logger == nil {
		logger = glog.New("cart")
	}
	return &CartUsecase{
		store:  store,
		clock:  clock,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// POST /cart の入力。name/price/imageSrc は追加時点のスナップショットとして保存される。
type AddItemInput struct {
	DishID      string
	Name        string
	Price       decimal.Decimal
	Quantity    int64
	ImageSrc    *string
	Size        *string
	VariantID   *string
	VariantName *string
}

// GetCart は現在の明細一覧を返す。
// 行が無い場合も、ストアの読み取りが失敗した場合も空カート扱い（可用性優先）。
// 失敗はサーバ側ログにのみ残る。
func (u *CartUsecase) GetCart(ctx context.Context, sessionID string) []model.CartLineItem {
	sess, err := u.store.Get(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return []model.CartLineItem{}
	}
	if err != nil {
		u.logger.Warnf("cart read failed, serving empty: session=%s err=%v", sessionID, err)
		return []model.CartLineItem{}
	}
	return append([]model.CartLineItem{}, sess.Items...)
}

// AddItem は (dishId, variantId) が一致する既存明細へ数量を加算し、無ければ末尾に追加する。
// 既存明細の表示メタデータ（name/price/imageSrc）はdraftで上書きしない（先勝ち）。
// 書き込みは条件付きupsertで、競合時は読み直してからリトライする（最大3回）。
func (u *CartUsecase) AddItem(ctx context.Context, sessionID string, userID *string, in AddItemInput) ([]model.CartLineItem, error) {
	if in.DishID == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_DISH_ID", "dishId is required")
	}
	if in.Name == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_NAME", "name is required")
	}
	if in.Price.IsNegative() {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_PRICE", "price must be >= 0")
	}
	if in.Quantity < 1 {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_QUANTITY", "quantity must be >= 1")
	}

	var lastErr error
	for attempt := 1; attempt <= addMaxAttempts; attempt++ {
		if attempt > 1 {
			u.sleep(addRetryBackoff * time.Duration(attempt-1))
		}

		sess, found, err := u.read(ctx, sessionID)
		if err != nil {
			lastErr = err
			continue
		}

		now := u.clock.Now()
		merged := mergeDraft(sess.Items, in, now)

		next := model.CartSession{
			SessionID: sessionID,
			UserID:    linkUser(userID, sess.UserID),
			Items:     merged,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(cartTTL),
		}
		if found {
			next.CreatedAt = sess.CreatedAt
		}

		if err := u.store.Upsert(ctx, next, sess.Version); err != nil {
			lastErr = err
			continue
		}
		return merged, nil
	}

	u.logger.Errorf("cart add exhausted retries: session=%s err=%v", sessionID, lastErr)
	return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
}

// SetQuantity は明細の数量を置き換える。0以下は削除に委譲する。
// 未知のitemIdは変更なしの書き戻しになる（エラーにはしない）。
func (u *CartUsecase) SetQuantity(ctx context.Context, sessionID string, userID *string, itemID string, quantity int64) ([]model.CartLineItem, error) {
	if itemID == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_ITEM_ID", "itemId is required")
	}
	if quantity <= 0 {
		return u.RemoveItem(ctx, sessionID, userID, itemID)
	}

	sess, found, err := u.read(ctx, sessionID)
	if err != nil {
		u.logger.Warnf("cart update read failed: session=%s err=%v", sessionID, err)
		return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
	}
	if !found {
		return []model.CartLineItem{}, nil
	}

	items := make(model.CartLineItems, 0, len(sess.Items))
	for _, it := range sess.Items {
		if it.ID == itemID {
			it.Quantity = quantity
		}
		items = append(items, it)
	}

	return u.persist(ctx, sess, userID, items)
}

// RemoveItem はitemId一致の明細を取り除く。
// 結果が空になったら行ごと削除する（空配列の行は残さない）。
func (u *CartUsecase) RemoveItem(ctx context.Context, sessionID string, userID *string, itemID string) ([]model.CartLineItem, error) {
	if itemID == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "INVALID_ITEM_ID", "itemId is required")
	}

	sess, found, err := u.read(ctx, sessionID)
	if err != nil {
		u.logger.Warnf("cart remove read failed: session=%s err=%v", sessionID, err)
		return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
	}
	if !found {
		return []model.CartLineItem{}, nil
	}

	items := make(model.CartLineItems, 0, len(sess.Items))
	for _, it := range sess.Items {
		if it.ID == itemID {
			continue
		}
		items = append(items, it)
	}

	if len(items) == 0 {
		if err := u.store.Delete(ctx, sessionID); err != nil {
			u.logger.Warnf("cart row delete failed: session=%s err=%v", sessionID, err)
			return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
		}
		return []model.CartLineItem{}, nil
	}

	return u.persist(ctx, sess, userID, items)
}

// Clear は行を無条件削除する。行が無くても成功。
func (u *CartUsecase) Clear(ctx context.Context, sessionID string) ([]model.CartLineItem, error) {
	if err := u.store.Delete(ctx, sessionID); err != nil {
		u.logger.Warnf("cart clear failed: session=%s err=%v", sessionID, err)
		return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
	}
	return []model.CartLineItem{}, nil
}

// 行を読む。ErrNotFound は「まだカートが無い」扱いで version=0 の空セッションを返す。
func (u *CartUsecase) read(ctx context.Context, sessionID string) (model.CartSession, bool, error) {
	sess, err := u.store.Get(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.CartSession{SessionID: sessionID}, false, nil
	}
	if err != nil {
		return model.CartSession{}, false, err
	}
	return sess, true, nil
}

// setQuantity/removeItem 用の一回書き込み。
// addItemと違いリトライしない（UIの送る絶対値はat-least-onceでべき等なため）。
func (u *CartUsecase) persist(ctx context.Context, sess model.CartSession, userID *string, items model.CartLineItems) ([]model.CartLineItem, error) {
	now := u.clock.Now()

	next := model.CartSession{
		SessionID: sess.SessionID,
		UserID:    linkUser(userID, sess.UserID),
		Items:     items,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: now,
		ExpiresAt: now.Add(cartTTL),
	}

	if err := u.store.Upsert(ctx, next, sess.Version); err != nil {
		u.logger.Warnf("cart write failed: session=%s err=%v", sess.SessionID, err)
		return nil, NewHTTPError(http.StatusInternalServerError, "CART_WRITE_FAILED", "cart write failed")
	}
	return append([]model.CartLineItem{}, items...), nil
}

// draftを既存一覧にマージする。同一エントリは数量加算のみ、新規は末尾追加。
func mergeDraft(items model.CartLineItems, in AddItemInput, now time.Time) model.CartLineItems {
	merged := append(model.CartLineItems{}, items...)

	for i, it := range merged {
		if it.SameEntry(in.DishID, in.VariantID) {
			merged[i].Quantity += in.Quantity
			return merged
		}
	}

	return append(merged, model.CartLineItem{
		ID:          newLineItemID(in.DishID, in.VariantID, now),
		DishID:      in.DishID,
		VariantID:   in.VariantID,
		VariantName: in.VariantName,
		Name:        in.Name,
		Price:       in.Price,
		Quantity:    in.Quantity,
		ImageSrc:    in.ImageSrc,
		Size:        in.Size,
	})
}

// 明細ID。同一(dish,variant)の並行追加でも衝突しないよう時刻+乱数サフィックスを含める。
func newLineItemID(dishID string, variantID *string, now time.Time) string {
	variant := "default"
	if variantID != nil && *variantID != "" {
		variant = *variantID
	}
	return fmt.Sprintf("%s-%s-%d-%s", dishID, variant, now.UnixNano(), uuid.NewString()[:8])
}

// 認証済みならuser_idを載せ替え、匿名リクエストでは既存の紐付けを保つ
func linkUser(fresh *string, existing *string) *string {
	if fresh != nil && *fresh != "" {
		return fresh
	}
	return existing
}
