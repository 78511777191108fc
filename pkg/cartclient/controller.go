// Package cartclient はカートAPIのクライアント側コントローラ。
// ブラウザのカートUIと同じ動きをする：変更は楽観的にローカル反映し、
// 数量変更は500msのデバウンス窓でまとめてAPIへ送り、失敗したら巻き戻して再同期する。
package cartclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"storefront/internal/domain/model"

	"github.com/shopspring/decimal"
)

const (
	defaultDebounceWindow = 500 * time.Millisecond
	defaultPollInterval   = 5 * time.Second
)

var ErrClosed = errors.New("cartclient: controller closed")

// Event は cartUpdated ブロードキャスト。ミューテーションのたびに購読者へ流れる。
type Event struct {
	Items []model.CartLineItem
}

// AddItem はカート追加の入力。
type AddItem struct {
	DishID      string
	Name        string
	Price       decimal.Decimal
	Quantity    int64
	ImageSrc    *string
	Size        *string
	VariantID   *string
	VariantName *string
}

// Controller は1つのイベントループgoroutineが全状態を専有する。
// 外部からの操作はコマンドとしてループへ送られ、HTTP呼び出しだけが
// 別goroutineで走って結果をループへ戻す。Closeで新規タイマーは止まるが、
// 進行中のリクエストは中断しない。
type Controller struct {
	baseURL        string
	http           *http.Client
	debounceWindow time.Duration
	pollInterval   time.Duration

	cmds   chan func()
	done   chan struct{}
	closed chan struct{}

	closeOnce sync.Once

	// ここから下はループgoroutine専有
	items    []model.CartLineItem
	pending  map[string]int64
	inflight int
	gen      uint64 // ミューテーションのたびに+1。古いfetch結果の適用を防ぐ
	debounce *time.Timer
	subs     []chan Event
}

type Option func(*Controller)

func WithHTTPClient(hc *http.Client) Option {
	return func(ctl *Controller) { ctl.http = hc }
}

// テスト用に窓を縮められる
func WithDebounceWindow(d time.Duration) Option {
	return func(ctl *Controller) { ctl.debounceWindow = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(ctl *Controller) { ctl.pollInterval = d }
}

// New はコントローラを起動し、初回のカート取得をスケジュールする。
func New(baseURL string, opts ...Option) (*Controller, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	ctl := &Controller{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
		debounceWindow: defaultDebounceWindow,
		pollInterval:   defaultPollInterval,
		cmds:           make(chan func(), 16),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
		pending:        make(map[string]int64),
	}
	for _, opt := range opts {
		opt(ctl)
	}

	go ctl.run()
	ctl.post(func() { ctl.refreshAsync() })
	return ctl, nil
}

// Close はタイマーを止め、保留中の更新を破棄し、購読チャネルを閉じる。
// ループ終了まで待つ。二重呼び出しは安全。
func (ctl *Controller) Close() {
	ctl.closeOnce.Do(func() { close(ctl.done) })
	<-ctl.closed
}

// Items は現在のローカル状態のスナップショットを返す。
func (ctl *Controller) Items() []model.CartLineItem {
	reply := make(chan []model.CartLineItem, 1)
	if !ctl.post(func() { reply <- snapshot(ctl.items) }) {
		return nil
	}
	select {
	case v := <-reply:
		return v
	case <-ctl.closed:
		return nil
	}
}

// Subscribe はcartUpdatedイベントの購読チャネルを返す。Closeで閉じられる。
func (ctl *Controller) Subscribe() <-chan Event {
	ch := make(chan Event, 1)
	if !ctl.post(func() { ctl.subs = append(ctl.subs, ch) }) {
		close(ch)
	}
	return ch
}

// Add は楽観的にローカルへマージしてからAPIへ送る。
func (ctl *Controller) Add(in AddItem) error {
	if !ctl.post(func() {
		prev := snapshot(ctl.items)
		ctl.applyAddLocally(in)
		ctl.broadcast()
		ctl.dispatch(prev, func(ctx context.Context) ([]model.CartLineItem, error) {
			return ctl.apiAdd(ctx, in)
		})
	}) {
		return ErrClosed
	}
	return nil
}

// ChangeQuantity は即時にローカル反映し、API呼び出しはデバウンスする。
// 連打はitemIDごとに最後の値だけが残り、窓が閉じた時点で全件まとめて送られる。
func (ctl *Controller) ChangeQuantity(itemID string, quantity int64) error {
	if !ctl.post(func() {
		next := make([]model.CartLineItem, 0, len(ctl.items))
		for _, it := range ctl.items {
			if it.ID == itemID {
				if quantity <= 0 {
					continue
				}
				it.Quantity = quantity
			}
			next = append(next, it)
		}
		ctl.items = next
		ctl.gen++
		ctl.pending[itemID] = quantity
		ctl.scheduleFlush()
		ctl.broadcast()
	}) {
		return ErrClosed
	}
	return nil
}

// Remove は明細を1件消す。
func (ctl *Controller) Remove(itemID string) error {
	if !ctl.post(func() {
		prev := snapshot(ctl.items)
		next := make([]model.CartLineItem, 0, len(ctl.items))
		for _, it := range ctl.items {
			if it.ID == itemID {
				continue
			}
			next = append(next, it)
		}
		ctl.items = next
		delete(ctl.pending, itemID)
		ctl.broadcast()
		ctl.dispatch(prev, func(ctx context.Context) ([]model.CartLineItem, error) {
			return ctl.apiRemove(ctx, itemID)
		})
	}) {
		return ErrClosed
	}
	return nil
}

// Clear は全部消す。
func (ctl *Controller) Clear() error {
	if !ctl.post(func() {
		prev := snapshot(ctl.items)
		ctl.items = []model.CartLineItem{}
		ctl.pending = make(map[string]int64)
		ctl.broadcast()
		ctl.dispatch(prev, func(ctx context.Context) ([]model.CartLineItem, error) {
			return ctl.apiClear(ctx)
		})
	}) {
		return ErrClosed
	}
	return nil
}

func (ctl *Controller) post(fn func()) bool {
	select {
	case ctl.cmds <- fn:
		return true
	case <-ctl.done:
		return false
	}
}

func (ctl *Controller) run() {
	poll := time.NewTicker(ctl.pollInterval)
	defer poll.Stop()

	for {
		select {
		case fn := <-ctl.cmds:
			fn()
		case <-poll.C:
			// ブロードキャストを取りこぼした画面向けの低頻度フォールバック同期。
			// 未送信・進行中の更新があるときは取りにいかない。
			if len(ctl.pending) == 0 && ctl.inflight == 0 {
				ctl.refreshAsync()
			}
		case <-ctl.done:
			if ctl.debounce != nil {
				ctl.debounce.Stop()
			}
			ctl.pending = nil
			for _, ch := range ctl.subs {
				close(ch)
			}
			ctl.subs = nil
			close(ctl.closed)
			return
		}
	}
}

// 楽観マージ。サーバと同じ(dishId, variantId)同一性で数量加算する。
// 新規行のIDはサーバ採番が返るまでの仮のもの。
func (ctl *Controller) applyAddLocally(in AddItem) {
	next := snapshot(ctl.items)
	for i, it := range next {
		if it.SameEntry(in.DishID, in.VariantID) {
			next[i].Quantity += in.Quantity
			ctl.items = next
			return
		}
	}
	ctl.items = append(next, model.CartLineItem{
		ID:          fmt.Sprintf("pending-%d", time.Now().UnixNano()),
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

func (ctl *Controller) scheduleFlush() {
	if ctl.debounce != nil {
		ctl.debounce.Stop()
	}
	ctl.debounce = time.AfterFunc(ctl.debounceWindow, func() {
		ctl.post(ctl.flushPending)
	})
}

func (ctl *Controller) flushPending() {
	if len(ctl.pending) == 0 {
		return
	}
	pending := ctl.pending
	ctl.pending = make(map[string]int64)
	prev := snapshot(ctl.items)

	ctl.dispatch(prev, func(ctx context.Context) ([]model.CartLineItem, error) {
		var items []model.CartLineItem
		for id, qty := range pending {
			var err error
			items, err = ctl.apiSetQuantity(ctx, id, qty)
			if err != nil {
				return nil, err
			}
		}
		return items, nil
	})
}

// API呼び出しを別goroutineで実行し、結果をループへ戻す。
// 失敗時はprevへロールバックしてサーバ状態を取り直す。
func (ctl *Controller) dispatch(prev []model.CartLineItem, call func(context.Context) ([]model.CartLineItem, error)) {
	ctl.gen++
	ctl.inflight++
	go func() {
		items, err := call(context.Background())
		ctl.post(func() {
			ctl.inflight--
			if err != nil {
				ctl.items = prev
				ctl.broadcast()
				ctl.refreshAsync()
				return
			}
			ctl.items = items
			ctl.broadcast()
		})
	}()
}

// ループcontextからのみ呼ぶこと（genのスナップショットを取るため）。
func (ctl *Controller) refreshAsync() {
	gen := ctl.gen
	go func() {
		items, err := ctl.apiGet(context.Background())
		if err != nil {
			return
		}
		ctl.post(func() {
			// fetch開始後にミューテーションがあった／進行中なら、この結果は古い
			if ctl.gen != gen || len(ctl.pending) > 0 || ctl.inflight > 0 {
				return
			}
			ctl.items = items
			ctl.broadcast()
		})
	}()
}

func (ctl *Controller) broadcast() {
	ev := Event{Items: snapshot(ctl.items)}
	for _, ch := range ctl.subs {
		select {
		case ch <- ev:
		default:
			// 読み遅れた購読者には最新イベントだけ残ればよい
		}
	}
}

func snapshot(items []model.CartLineItem) []model.CartLineItem {
	return append([]model.CartLineItem{}, items...)
}

// ---- HTTP ----

type cartAPIResponse struct {
	Cart []model.CartLineItem `json:"cart"`
}

type addItemRequest struct {
	DishID      string          `json:"dishId"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	ImageSrc    *string         `json:"imageSrc,omitempty"`
	Size        *string         `json:"size,omitempty"`
	VariantID   *string         `json:"variantId,omitempty"`
	VariantName *string         `json:"variantName,omitempty"`
}

type updateItemRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int64  `json:"quantity"`
}

func (ctl *Controller) apiGet(ctx context.Context) ([]model.CartLineItem, error) {
	return ctl.doJSON(ctx, http.MethodGet, "/cart", nil)
}

func (ctl *Controller) apiAdd(ctx context.Context, in AddItem) ([]model.CartLineItem, error) {
	return ctl.doJSON(ctx, http.MethodPost, "/cart", addItemRequest{
		DishID:      in.DishID,
		Name:        in.Name,
		Price:       in.Price,
		Quantity:    in.Quantity,
		ImageSrc:    in.ImageSrc,
		Size:        in.Size,
		VariantID:   in.VariantID,
		VariantName: in.VariantName,
	})
}

func (ctl *Controller) apiSetQuantity(ctx context.Context, itemID string, quantity int64) ([]model.CartLineItem, error) {
	return ctl.doJSON(ctx, http.MethodPut, "/cart", updateItemRequest{
		ItemID:   itemID,
		Quantity: quantity,
	})
}

func (ctl *Controller) apiRemove(ctx context.Context, itemID string) ([]model.CartLineItem, error) {
	return ctl.doJSON(ctx, http.MethodDelete, "/cart?itemId="+url.QueryEscape(itemID), nil)
}

func (ctl *Controller) apiClear(ctx context.Context) ([]model.CartLineItem, error) {
	return ctl.doJSON(ctx, http.MethodDelete, "/cart?clear=true", nil)
}

func (ctl *Controller) doJSON(ctx context.Context, method string, path string, body interface{}) ([]model.CartLineItem, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, ctl.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ctl.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cart api %s %s: status=%d body=%s", method, path, resp.StatusCode, string(data))
	}

	var out cartAPIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.Cart == nil {
		out.Cart = []model.CartLineItem{}
	}
	return out.Cart, nil
}
