package repository

import (
	"context"
	"errors"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CartGormStore struct {
	db *gorm.DB
}

// DI
func NewCartGormStore(db *gorm.DB) *CartGormStore {
	return &CartGormStore{db: db}
}

// セッションの行を取得
func (r *CartGormStore) Get(ctx context.Context, sessionID string) (model.CartSession, error) {
	var sess model.CartSession

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&sess).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CartSession{}, repo.ErrNotFound
	}
	if err != nil {
		return model.CartSession{}, err
	}
	return sess, nil
}

// expectedVersion==0 は INSERT（キー衝突は ErrConflict）、
// expectedVersion>0 は version 一致時のみ UPDATE。
// どちらも外側の read-merge-write ループが ErrConflict を拾って再読込する前提。
func (r *CartGormStore) Upsert(ctx context.Context, sess model.CartSession, expectedVersion int64) error {
	if expectedVersion == 0 {
		sess.Version = 1

		res := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_id"}},
				DoNothing: true,
			}).
			Create(&sess)

		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 行の作成レースに負けた
			return repo.ErrConflict
		}
		return nil
	}

	// created_at は更新対象に含めない
	res := r.db.WithContext(ctx).
		Model(&model.CartSession{}).
		Where("session_id = ? AND version = ?", sess.SessionID, expectedVersion).
		Updates(map[string]interface{}{
			"items":      sess.Items,
			"user_id":    sess.UserID,
			"version":    expectedVersion + 1,
			"updated_at": sess.UpdatedAt,
			"expires_at": sess.ExpiresAt,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrConflict
	}
	return nil
}

// 行を削除。無くても成功扱い。
func (r *CartGormStore) Delete(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&model.CartSession{}).Error
}
