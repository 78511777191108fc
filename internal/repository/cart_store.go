package repository

import (
	"context"
	"errors"

	"storefront/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// 楽観ロックの競合（versionずれ、または新規作成のキー衝突）
var ErrConflict = errors.New("conflict")

// CartStore は session_id をキーにした行ストアの契約。
// get-by-key / upsert-by-key（キー衝突検知あり） / delete-by-key のみを要求する。
type CartStore interface {
	// 無ければ ErrNotFound
	Get(ctx context.Context, sessionID string) (model.CartSession, error)

	// expectedVersion == 0 は新規作成（既に行があれば ErrConflict）。
	// expectedVersion > 0 は条件付き更新で、現在行のversionと一致しなければ ErrConflict。
	// 更新時に created_at は据え置かれる。
	Upsert(ctx context.Context, session model.CartSession, expectedVersion int64) error

	// 行が無くても成功（clearはべき等）
	Delete(ctx context.Context, sessionID string) error
}
