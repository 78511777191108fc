package repository

import (
	"context"
	"sync"

	"storefront/internal/domain/model"
	repo "storefront/internal/repository"
)

// CartMemoryStore はDB無しで動かすためのインメモリ実装。
// ローカル開発（CART_STORE=memory）とテストで使う。
// 再起動で消えるので本番はgorm実装を使うこと。
type CartMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]model.CartSession
}

func NewCartMemoryStore() *CartMemoryStore {
	return &CartMemoryStore{
		sessions: make(map[string]model.CartSession),
	}
}

func (s *CartMemoryStore) Get(ctx context.Context, sessionID string) (model.CartSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.CartSession{}, repo.ErrNotFound
	}

	// 呼び出し側のmergeで共有sliceを壊されないようコピーを返す
	sess.Items = append(model.CartLineItems{}, sess.Items...)
	return sess, nil
}

// gorm実装と同じ条件付き書き込みのセマンティクス。
func (s *CartMemoryStore) Upsert(ctx context.Context, sess model.CartSession, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sess.SessionID]
	if expectedVersion == 0 {
		if ok {
			return repo.ErrConflict
		}
		sess.Version = 1
		sess.Items = append(model.CartLineItems{}, sess.Items...)
		s.sessions[sess.SessionID] = sess
		return nil
	}

	if !ok || cur.Version != expectedVersion {
		return repo.ErrConflict
	}

	sess.Version = expectedVersion + 1
	sess.CreatedAt = cur.CreatedAt
	sess.Items = append(model.CartLineItems{}, sess.Items...)
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *CartMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Has はテスト用途で行の有無（空カートの正規化）を覗くためのヘルパ。
func (s *CartMemoryStore) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[sessionID]
	return ok
}
