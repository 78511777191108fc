package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// カートの明細。
// name / price / imageSrc は追加時点のスナップショット（後から商品側を変更しても再同期しない）。
type CartLineItem struct {
	ID          string          `json:"id"`
	DishID      string          `json:"dishId"`
	VariantID   *string         `json:"variantId,omitempty"`
	VariantName *string         `json:"variantName,omitempty"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	ImageSrc    *string         `json:"imageSrc,omitempty"`
	// 旧形式の自由入力ラベル。variantId/variantName に移行済みだが受け付けは継続する。
	Size *string `json:"size,omitempty"`
}

// SameEntry は同一カートエントリ判定。(dishId, variantId) が一致すればマージ対象。
// variantId は「無し」同士も一致とみなす。
func (it CartLineItem) SameEntry(dishID string, variantID *string) bool {
	if it.DishID != dishID {
		return false
	}
	if it.VariantID == nil || variantID == nil {
		return it.VariantID == nil && variantID == nil
	}
	return *it.VariantID == *variantID
}

type CartLineItems []CartLineItem

// jsonbカラムに丸ごと保存する
func (items CartLineItems) Value() (driver.Value, error) {
	if items == nil {
		items = CartLineItems{}
	}
	return json.Marshal(items)
}

func (items *CartLineItems) Scan(src interface{}) error {
	if src == nil {
		*items = CartLineItems{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, items)
	case string:
		return json.Unmarshal([]byte(v), items)
	default:
		return errors.New("cart items: unsupported column type")
	}
}

// 1セッション=1行。session_id が唯一の分割キー。
// created_at は初回作成時のみ設定し、以後の保存で上書きしない。
// version は楽観ロック用カラムで、書き込み成功のたびに+1される。
type CartSession struct {
	SessionID string        `gorm:"primaryKey;type:varchar(128)" json:"session_id"`
	UserID    *string       `gorm:"type:varchar(64);index" json:"user_id,omitempty"`
	Items     CartLineItems `gorm:"type:jsonb;not null" json:"items"`
	Version   int64         `gorm:"not null" json:"-"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
	ExpiresAt time.Time     `gorm:"not null;index" json:"expires_at"`
}

func (CartSession) TableName() string {
	return "cart_sessions"
}
