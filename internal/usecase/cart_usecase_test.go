package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"storefront/internal/domain/model"
	infraRepo "storefront/internal/infra/repository"
	repo "storefront/internal/repository"
	"storefront/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/sync/errgroup"
)

// =====================
// テスト部品
// =====================

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.t
}

// flakyStore は注入した回数だけ書き込みを失敗させるラッパー。
type flakyStore struct {
	repo.CartStore

	mu          sync.Mutex
	failUpserts int
	upsertCalls int
	readErr     error
}

func (s *flakyStore) Get(ctx context.Context, sessionID string) (model.CartSession, error) {
	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()

	if readErr != nil {
		return model.CartSession{}, readErr
	}
	return s.CartStore.Get(ctx, sessionID)
}

func (s *flakyStore) Upsert(ctx context.Context, sess model.CartSession, expectedVersion int64) error {
	s.mu.Lock()
	s.upsertCalls++
	fail := s.failUpserts > 0
	if fail {
		s.failUpserts--
	}
	s.mu.Unlock()

	if fail {
		return errors.New("backend write hiccup")
	}
	return s.CartStore.Upsert(ctx, sess, expectedVersion)
}

type MockCartStore struct {
	mock.Mock
}

func (m *MockCartStore) Get(ctx context.Context, sessionID string) (model.CartSession, error) {
	args := m.Called(ctx, sessionID)
	sess, _ := args.Get(0).(model.CartSession)
	return sess, args.Error(1)
}

func (m *MockCartStore) Upsert(ctx context.Context, sess model.CartSession, expectedVersion int64) error {
	args := m.Called(ctx, sess, expectedVersion)
	return args.Error(0)
}

func (m *MockCartStore) Delete(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func newUsecase(store repo.CartStore) *usecase.CartUsecase {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return usecase.NewCartUsecase(store, clock, nil)
}

func draft(dishID string, name string, price string, qty int64) usecase.AddItemInput {
	return usecase.AddItemInput{
		DishID:   dishID,
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Quantity: qty,
	}
}

func strPtr(s string) *string {
	return &s
}

func assertHTTPCode(t *testing.T, err error, wantStatus int, wantCode string) {
	t.Helper()
	he, ok := usecase.AsHTTPError(err)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	assert.Equal(t, wantStatus, he.Status)
	assert.Equal(t, wantCode, he.Code)
}

// =====================
// マージ同一性
// =====================

func TestAddItem_MergesSameDishAndVariant(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	_, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
	assert.NoError(t, err)

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 3))
	assert.NoError(t, err)

	// 2行にならず数量が加算される
	assert.Len(t, items, 1)
	assert.Equal(t, int64(5), items[0].Quantity)
}

func TestAddItem_VariantDistinguishesEntries(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	_, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 1))
	assert.NoError(t, err)

	withVariant := draft("D1", "Samosas (Large)", "9.50", 1)
	withVariant.VariantID = strPtr("V-large")
	withVariant.VariantName = strPtr("Large")

	items, err := uc.AddItem(ctx, "s1", nil, withVariant)
	assert.NoError(t, err)

	// (dishA, nil) と (dishA, variantX) は別エントリ
	assert.Len(t, items, 2)
	assert.NotEqual(t, items[0].ID, items[1].ID)
}

func TestAddItem_SnapshotMetadataFirstAddWins(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	img := strPtr("https://cdn.example/samosas.jpg")
	first := draft("D1", "Samosas", "8.50", 1)
	first.ImageSrc = img
	_, err := uc.AddItem(ctx, "s1", nil, first)
	assert.NoError(t, err)

	// 2回目のdraftは別の表示情報を持っていても反映されない
	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosa's NEW", "12.00", 1))
	assert.NoError(t, err)

	assert.Len(t, items, 1)
	assert.Equal(t, "Samosas", items[0].Name)
	assert.True(t, decimal.RequireFromString("8.50").Equal(items[0].Price))
	assert.Equal(t, img, items[0].ImageSrc)
	assert.Equal(t, int64(2), items[0].Quantity)
}

// =====================
// 入力検証
// =====================

func TestAddItem_ValidationNeverReachesStore(t *testing.T) {
	cases := []struct {
		name     string
		in       usecase.AddItemInput
		wantCode string
	}{
		{"missing dishId", draft("", "Samosas", "8.50", 1), "INVALID_DISH_ID"},
		{"missing name", draft("D1", "", "8.50", 1), "INVALID_NAME"},
		{"negative price", draft("D1", "Samosas", "-0.01", 1), "INVALID_PRICE"},
		{"zero quantity", draft("D1", "Samosas", "8.50", 0), "INVALID_QUANTITY"},
		{"negative quantity", draft("D1", "Samosas", "8.50", -2), "INVALID_QUANTITY"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(MockCartStore)
			uc := newUsecase(store)

			_, err := uc.AddItem(context.Background(), "s1", nil, tc.in)
			assertHTTPCode(t, err, http.StatusBadRequest, tc.wantCode)

			// 検証失敗はバックエンドに到達しない
			store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// =====================
// 数量の下限
// =====================

func TestSetQuantity_ZeroOrNegativeRemovesItem(t *testing.T) {
	for _, qty := range []int64{0, -5} {
		t.Run(fmt.Sprintf("qty=%d", qty), func(t *testing.T) {
			store := infraRepo.NewCartMemoryStore()
			uc := newUsecase(store)
			ctx := context.Background()

			items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
			assert.NoError(t, err)

			got, err := uc.SetQuantity(ctx, "s1", nil, items[0].ID, qty)
			assert.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestSetQuantity_UpdatesQuantityOnly(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
	assert.NoError(t, err)

	got, err := uc.SetQuantity(ctx, "s1", nil, items[0].ID, 7)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Quantity)
	assert.Equal(t, "Samosas", got[0].Name)
}

// =====================
// 未知IDはno-op
// =====================

func TestSetQuantity_UnknownItemIsNoop(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
	assert.NoError(t, err)

	got, err := uc.SetQuantity(ctx, "s1", nil, "no-such-item", 3)
	assert.NoError(t, err)
	assert.Equal(t, items, got)
}

func TestRemoveItem_UnknownItemIsNoop(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
	assert.NoError(t, err)

	got, err := uc.RemoveItem(ctx, "s1", nil, "no-such-item")
	assert.NoError(t, err)
	assert.Equal(t, items, got)
}

// =====================
// 空カートの正規化
// =====================

func TestRemoveLastItem_DeletesRowAndAllowsRecreate(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 1))
	assert.NoError(t, err)

	got, err := uc.RemoveItem(ctx, "s1", nil, items[0].ID)
	assert.NoError(t, err)
	assert.Empty(t, got)

	// 空配列の行を残さず、行ごと消えている
	assert.False(t, store.Has("s1"))
	assert.Empty(t, uc.GetCart(ctx, "s1"))

	// ゾンビ行が無いので再追加は普通に通る
	got, err = uc.AddItem(ctx, "s1", nil, draft("D2", "Naan", "3.00", 1))
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "D2", got[0].DishID)
}

func TestClear_IdempotentWithoutRow(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	got, err := uc.Clear(ctx, "never-seen")
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, uc.GetCart(ctx, "never-seen"))
}

// =====================
// 読み取りエラーの握りつぶし
// =====================

func TestGetCart_SwallowsReadErrors(t *testing.T) {
	store := &flakyStore{
		CartStore: infraRepo.NewCartMemoryStore(),
		readErr:   errors.New("backend down"),
	}
	uc := newUsecase(store)

	// バックエンド断は空カートと区別されない（可用性優先の設計判断）
	items := uc.GetCart(context.Background(), "s1")
	assert.Empty(t, items)
}

// =====================
// addItemのリトライ
// =====================

func TestAddItem_RetriesTransientWriteFailure(t *testing.T) {
	store := &flakyStore{
		CartStore:   infraRepo.NewCartMemoryStore(),
		failUpserts: 2,
	}
	uc := newUsecase(store)

	items, err := uc.AddItem(context.Background(), "s1", nil, draft("D1", "Samosas", "8.50", 1))
	assert.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 3, store.upsertCalls)
}

func TestAddItem_SurfacesErrorAfterRetriesExhausted(t *testing.T) {
	store := &flakyStore{
		CartStore:   infraRepo.NewCartMemoryStore(),
		failUpserts: 3,
	}
	uc := newUsecase(store)

	_, err := uc.AddItem(context.Background(), "s1", nil, draft("D1", "Samosas", "8.50", 1))
	assertHTTPCode(t, err, http.StatusInternalServerError, "CART_WRITE_FAILED")
	assert.Equal(t, 3, store.upsertCalls)
}

// =====================
// 並行追加の耐久性
// =====================

// ダブルクリック・複数タブのモデル化：同一(session, dish, variant)への
// 同時addItemが1回分の増分も失わないこと。
func TestAddItem_ConcurrentAddsLoseNoIncrement(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	const rounds = 25
	for i := 0; i < rounds; i++ {
		g, gctx := errgroup.WithContext(ctx)
		for j := 0; j < 2; j++ {
			g.Go(func() error {
				_, err := uc.AddItem(gctx, "s1", nil, draft("D1", "Samosas", "8.50", 1))
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent AddItem failed: %v", err)
		}
	}

	items := uc.GetCart(ctx, "s1")
	assert.Len(t, items, 1)
	assert.Equal(t, int64(2*rounds), items[0].Quantity)
}

// =====================
// 一連のシナリオ
// =====================

func TestCartLifecycleScenario(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	items, err := uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 2))
	assert.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, "D1", items[0].DishID)
	assert.Equal(t, int64(2), items[0].Quantity)
	assert.True(t, decimal.RequireFromString("8.50").Equal(items[0].Price))

	items, err = uc.AddItem(ctx, "s1", nil, draft("D1", "Samosas", "8.50", 1))
	assert.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].Quantity)

	items, err = uc.SetQuantity(ctx, "s1", nil, items[0].ID, 1)
	assert.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].Quantity)

	items, err = uc.RemoveItem(ctx, "s1", nil, items[0].ID)
	assert.NoError(t, err)
	assert.Empty(t, items)
	assert.False(t, store.Has("s1"))
}

// =====================
// 識別子の付与
// =====================

func TestAddItem_ConcurrentDistinctDishesGetUniqueIDs(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	// 3並行まではリトライ回数の範囲で必ず収束する
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 3; i++ {
		dish := fmt.Sprintf("D%d", i)
		g.Go(func() error {
			_, err := uc.AddItem(gctx, "s1", nil, draft(dish, "Dish "+dish, "5.00", 1))
			return err
		})
	}
	assert.NoError(t, g.Wait())

	for i := 3; i < 8; i++ {
		dish := fmt.Sprintf("D%d", i)
		_, err := uc.AddItem(ctx, "s1", nil, draft(dish, "Dish "+dish, "5.00", 1))
		assert.NoError(t, err)
	}

	items := uc.GetCart(ctx, "s1")
	assert.Len(t, items, 8)

	seen := map[string]bool{}
	for _, it := range items {
		assert.False(t, seen[it.ID], "duplicate line item id %s", it.ID)
		seen[it.ID] = true
	}
}

// =====================
// ユーザー紐付け
// =====================

func TestAddItem_KeepsUserLinkOnAnonymousFollowUp(t *testing.T) {
	store := infraRepo.NewCartMemoryStore()
	uc := newUsecase(store)
	ctx := context.Background()

	_, err := uc.AddItem(ctx, "s1", strPtr("user-42"), draft("D1", "Samosas", "8.50", 1))
	assert.NoError(t, err)

	// 匿名の後続リクエストで紐付けが外れない
	_, err = uc.AddItem(ctx, "s1", nil, draft("D2", "Naan", "3.00", 1))
	assert.NoError(t, err)

	sess, err := store.Get(ctx, "s1")
	assert.NoError(t, err)
	if assert.NotNil(t, sess.UserID) {
		assert.Equal(t, "user-42", *sess.UserID)
	}
}
