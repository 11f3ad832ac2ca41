package feedclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/chirp/internal/model"
)

// DefaultReloadInterval は投稿追加による再読み込みの最短間隔。
const DefaultReloadInterval = time.Second

// ErrMergerRunning はStart済みのMergerを再度Startした場合のエラー。
var ErrMergerRunning = errors.New("feedclient: merger already started")

// Merger は変更通知をStoreへ反映する。
// 投稿の追加は検索条件に一致する場合に再読み込みを要求し、
// 連続した追加は間隔ごとに1回と最後の1回にまとめる。
type Merger struct {
	store   *Store
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	subs     []model.Subscription
	cancel   context.CancelFunc
	ctx      context.Context
	reloadCh chan struct{}
	wg       sync.WaitGroup
}

// MergerOption はMergerの任意設定。
type MergerOption func(*Merger)

// WithReloadInterval は再読み込みの最短間隔を設定する。
func WithReloadInterval(d time.Duration) MergerOption {
	return func(m *Merger) { m.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithMergerLogger はロガーを設定する。
func WithMergerLogger(l *slog.Logger) MergerOption {
	return func(m *Merger) { m.logger = l }
}

// NewMerger はMergerを生成する。
func NewMerger(store *Store, opts ...MergerOption) *Merger {
	m := &Merger{
		store:   store,
		limiter: rate.NewLimiter(rate.Every(DefaultReloadInterval), 1),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start はpostsとlikesのトピックを購読して反映を開始する。
func (m *Merger) Start(sub model.EventSubscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrMergerRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	var subs []model.Subscription
	for _, topic := range []string{model.TopicPosts, model.TopicLikes} {
		s, err := sub.Subscribe(topic, m.handle)
		if err != nil {
			cancel()
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return err
		}
		subs = append(subs, s)
	}

	m.ctx = ctx
	m.cancel = cancel
	m.subs = subs
	m.reloadCh = make(chan struct{}, 1)

	m.wg.Add(1)
	go m.reloadLoop(ctx, m.reloadCh)
	return nil
}

// Stop は購読と保留中の再読み込みを取り消す。Start前やStop後に呼んでもよい。
func (m *Merger) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	subs := m.subs
	m.cancel = nil
	m.subs = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	cancel()
	m.wg.Wait()
}

func (m *Merger) handle(e model.ChangeEvent) {
	if !e.Valid() {
		return
	}
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	switch e.Kind {
	case model.EventPostInserted:
		if m.store.MatchesQuery(*e.Post) {
			m.requestReload()
		}
	case model.EventPostUpdated:
		m.store.ApplyPostUpdated(*e.Post)
	case model.EventPostDeleted:
		m.store.ApplyPostDeleted(e.Post.ID)
	case model.EventLikeInserted:
		m.store.ApplyLikeInserted(*e.Like)
	case model.EventLikeDeleted:
		m.store.ApplyLikeDeleted(*e.Like)
	}
}

// requestReload は再読み込みを予約する。予約済みなら何もしない。
func (m *Merger) requestReload() {
	m.mu.Lock()
	ch := m.reloadCh
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Merger) reloadLoop(ctx context.Context, reloadCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadCh:
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		// 待機中に届いた要求はこの再読み込みに含める
		select {
		case <-reloadCh:
		default:
		}
		if err := m.store.Load(ctx, true); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrStoreClosed) {
				return
			}
			m.logger.Warn("feed reload failed", slog.String("error", err.Error()))
		}
	}
}
