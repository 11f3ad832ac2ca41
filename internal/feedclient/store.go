package feedclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chirp/internal/model"
)

// PendingIDPrefix は送信中の仮投稿に付与するIDの接頭辞。
const PendingIDPrefix = "pending-"

// ErrStoreClosed はClose後に操作した場合のエラー。
var ErrStoreClosed = errors.New("feedclient: store is closed")

// State はStoreが保持する投稿一覧の状態。
type State struct {
	Posts      []model.Post
	Loading    bool
	Err        error
	HasMore    bool
	NextCursor string
	Query      Query
}

// IsPending はIDが送信中の仮投稿のものかどうかを返す。
func IsPending(id string) bool {
	return strings.HasPrefix(id, PendingIDPrefix)
}

// Store は投稿一覧を保持し、楽観的更新とサーバー応答・変更通知の整合を取る。
// ネットワーク呼び出しの間はロックを保持しない。
type Store struct {
	api      API
	identity Identity
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	closed     bool

	listenerMu   sync.Mutex
	listeners    map[uint64]func(State)
	nextListener uint64
	notifyMu     sync.Mutex
}

// StoreOption はStoreの任意設定。
type StoreOption func(*Store)

// WithStoreLogger はロガーを設定する。
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStoreClock は仮投稿の時刻に使う時計を差し替える。
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore はStoreを生成する。初期状態は空の一覧で、Load(ctx, true)で読み込む。
func NewStore(api API, identity Identity, opts ...StoreOption) *Store {
	if identity == nil {
		identity = StaticIdentity{}
	}
	s := &Store{
		api:       api,
		identity:  identity,
		logger:    slog.Default(),
		now:       time.Now,
		state:     State{Posts: []model.Post{}, Query: Query{Owner: model.OwnerFilterAll}},
		listeners: make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := s.state
	st.Posts = make([]model.Post, len(s.state.Posts))
	copy(st.Posts, s.state.Posts)
	return st
}

// OnChange は状態が変わるたびにスナップショットを受け取るリスナーを登録する。
// 戻り値の関数で登録を解除する。リスナー内からStoreを更新してはならない。
func (s *Store) OnChange(fn func(State)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// notify は最新のスナップショットをリスナーへ順に通知する。
func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.listenerMu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	if len(fns) == 0 {
		return
	}

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Close はStoreを終了する。以降の操作はErrStoreClosedを返し、通知も行わない。
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.generation++
	s.mu.Unlock()

	s.listenerMu.Lock()
	s.listeners = make(map[uint64]func(State))
	s.listenerMu.Unlock()
}

// SetQuery は検索条件を変更して先頭ページから読み直す。
func (s *Store) SetQuery(ctx context.Context, q Query) error {
	if q.Owner == "" {
		q.Owner = model.OwnerFilterAll
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.state.Query = q
	s.mu.Unlock()
	return s.Load(ctx, true)
}

// Load は投稿一覧を読み込む。
// resetがtrueの場合は先頭ページで一覧を置き換える。最後に発行した読み込みの結果だけを反映する。
// resetがfalseの場合は続きのページを追加する。読み込み中または続きがない場合は何もしない。
// 失敗時は一覧を保持したままErrを設定する。
func (s *Store) Load(ctx context.Context, reset bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var cursor string
	if reset {
		s.generation++
	} else {
		if s.state.Loading || !s.state.HasMore {
			s.mu.Unlock()
			return nil
		}
		cursor = s.state.NextCursor
	}
	gen := s.generation
	q := s.state.Query
	s.state.Loading = true
	s.state.Err = nil
	s.mu.Unlock()
	s.notify()

	page, err := s.api.ListPosts(ctx, q, cursor)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.logger.Debug("stale feed page dropped", slog.Bool("reset", reset))
		return nil
	}
	s.state.Loading = false
	if err != nil {
		s.state.Err = err
		s.mu.Unlock()
		s.notify()
		return err
	}

	if reset {
		// 送信中の仮投稿は残す。ただし読み込んだページに作成済みの本体があれば本体だけを表示する
		posts := make([]model.Post, 0, len(page.Posts)+1)
		for _, p := range s.state.Posts {
			if IsPending(p.ID) && !pageHasCreated(page.Posts, p) {
				posts = append(posts, p)
			}
		}
		s.state.Posts = append(posts, page.Posts...)
	} else {
		for _, p := range page.Posts {
			if s.indexLocked(p.ID) < 0 {
				s.state.Posts = append(s.state.Posts, p)
			}
		}
	}
	s.state.HasMore = page.HasMore
	s.state.NextCursor = page.NextCursor
	s.mu.Unlock()
	s.notify()
	return nil
}

// CreatePost は仮投稿を先頭に追加してから投稿を作成する。
// 成功時は仮投稿をサーバーの投稿に置き換え、すでに同じIDが一覧にあれば仮投稿を取り除く。
// 失敗時は仮投稿を取り除く。
func (s *Store) CreatePost(ctx context.Context, content string) (*model.Post, error) {
	viewer, ok := s.identity.CurrentViewer()
	if !ok {
		return nil, model.NewUnauthorizedError()
	}

	now := s.now().UTC()
	provisional := model.Post{
		ID:        PendingIDPrefix + uuid.NewString(),
		AuthorID:  viewer,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	s.state.Posts = append([]model.Post{provisional}, s.state.Posts...)
	s.mu.Unlock()
	s.notify()

	created, err := s.api.CreatePost(ctx, content)

	s.mu.Lock()
	idx := s.indexLocked(provisional.ID)
	if err != nil {
		if idx >= 0 {
			s.removeAtLocked(idx)
		}
		s.mu.Unlock()
		s.notify()
		return nil, err
	}

	switch {
	case s.indexLocked(created.ID) >= 0:
		if idx >= 0 {
			s.removeAtLocked(idx)
		}
	case idx >= 0:
		s.state.Posts[idx] = *created
	default:
		s.insertByCreatedAtLocked(*created)
	}
	s.mu.Unlock()
	s.notify()
	return created, nil
}

// pendingClockSkew は仮投稿とサーバーの作成時刻のずれとして許容する幅。
const pendingClockSkew = time.Minute

// pageHasCreated は仮投稿に対応するサーバーの投稿がpostsに含まれるかを返す。
// 投稿者と本文が一致し、作成時刻が仮投稿より大きく遡らないものを同一とみなす。
// 取り違えた場合もCreatePostの完了時にサーバーの投稿が挿入される。
func pageHasCreated(posts []model.Post, pending model.Post) bool {
	since := pending.CreatedAt.Add(-pendingClockSkew)
	for _, p := range posts {
		if p.AuthorID == pending.AuthorID && p.Content == pending.Content && !p.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}

// UpdatePost は本文を即座に書き換えてから投稿を編集する。
// 失敗時は一覧の本文がまだ楽観的な値のままなら元に戻す。
// 成功時はサーバーの投稿が一覧の投稿より古くなければ反映する。
func (s *Store) UpdatePost(ctx context.Context, id, content string) (*model.Post, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	var prevContent string
	idx := s.indexLocked(id)
	patched := idx >= 0
	if patched {
		prevContent = s.state.Posts[idx].Content
		s.state.Posts[idx].Content = content
	}
	s.mu.Unlock()
	if patched {
		s.notify()
	}

	updated, err := s.api.UpdatePost(ctx, id, content)

	s.mu.Lock()
	idx = s.indexLocked(id)
	if err != nil {
		changed := false
		if patched && idx >= 0 && s.state.Posts[idx].Content == content {
			s.state.Posts[idx].Content = prevContent
			changed = true
		}
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return nil, err
	}

	if idx >= 0 && !updated.UpdatedAt.Before(s.state.Posts[idx].UpdatedAt) {
		p := &s.state.Posts[idx]
		p.Content = updated.Content
		p.UpdatedAt = updated.UpdatedAt
		if updated.AuthorUsername != "" {
			p.AuthorUsername = updated.AuthorUsername
		}
	}
	s.mu.Unlock()
	s.notify()
	return updated, nil
}

// DeletePost は投稿を即座に一覧から取り除いてから削除する。
// 失敗時は一覧に存在しなければ作成日時の位置に戻す。
func (s *Store) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var removed model.Post
	idx := s.indexLocked(id)
	found := idx >= 0
	if found {
		removed = s.removeAtLocked(idx)
	}
	s.mu.Unlock()
	if found {
		s.notify()
	}

	err := s.api.DeletePost(ctx, id)
	if err == nil || !found {
		return err
	}

	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		s.insertByCreatedAtLocked(removed)
	}
	s.mu.Unlock()
	s.notify()
	return err
}

// ToggleLike はいいね状態を即座に反転し、件数を±1してからAPIを呼び出す。
// 失敗時は件数と状態を元に戻す。ALREADY_LIKEDはいいね済みの確認として扱い、件数の変化だけを戻す。
func (s *Store) ToggleLike(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return model.NewPostNotFoundError(id)
	}
	p := &s.state.Posts[idx]
	wasLiked := p.LikedByCurrentUser
	delta := 1
	if wasLiked {
		delta = -1
	}
	before := p.LikeCount
	p.LikedByCurrentUser = !wasLiked
	p.LikeCount = clampCount(p.LikeCount + delta)
	applied := p.LikeCount - before
	s.mu.Unlock()
	s.notify()

	var err error
	if wasLiked {
		err = s.api.UnlikePost(ctx, id)
	} else {
		err = s.api.LikePost(ctx, id)
	}
	if err == nil {
		return nil
	}

	confirmed := !wasLiked && model.HasCode(err, model.ErrCodeAlreadyLiked)

	s.mu.Lock()
	if idx := s.indexLocked(id); idx >= 0 {
		p := &s.state.Posts[idx]
		p.LikeCount = clampCount(p.LikeCount - applied)
		if confirmed {
			p.LikedByCurrentUser = true
		} else {
			p.LikedByCurrentUser = wasLiked
		}
	}
	s.mu.Unlock()
	s.notify()

	if confirmed {
		return nil
	}
	s.logger.Debug("like toggle rolled back",
		slog.String("post_id", id),
		slog.String("error", err.Error()),
	)
	return err
}

// MatchesQuery は変更通知の投稿が現在の検索条件に一致するかを返す。
func (s *Store) MatchesQuery(change model.PostChange) bool {
	s.mu.Lock()
	q := s.state.Query
	s.mu.Unlock()

	if q.Owner == model.OwnerFilterMine {
		viewer, ok := s.identity.CurrentViewer()
		if !ok || change.AuthorID != viewer {
			return false
		}
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))
	return search == "" || strings.Contains(strings.ToLower(change.Content), search)
}

// ApplyPostUpdated は投稿の本文と更新日時を反映する。一覧の投稿より古い通知は無視する。
func (s *Store) ApplyPostUpdated(change model.PostChange) bool {
	s.mu.Lock()
	idx := s.indexLocked(change.ID)
	if idx < 0 || change.UpdatedAt.Before(s.state.Posts[idx].UpdatedAt) {
		s.mu.Unlock()
		return false
	}
	p := &s.state.Posts[idx]
	p.Content = change.Content
	p.UpdatedAt = change.UpdatedAt
	s.mu.Unlock()
	s.notify()
	return true
}

// ApplyPostDeleted は投稿を一覧から取り除く。
func (s *Store) ApplyPostDeleted(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.removeAtLocked(idx)
	s.mu.Unlock()
	s.notify()
	return true
}

// ApplyLikeInserted はいいねの追加を反映する。
// 閲覧者自身のいいねは状態が変わる場合だけ件数を増やす。
func (s *Store) ApplyLikeInserted(like model.LikeChange) bool {
	return s.applyLike(like, true)
}

// ApplyLikeDeleted はいいねの取り消しを反映する。件数は0未満にならない。
func (s *Store) ApplyLikeDeleted(like model.LikeChange) bool {
	return s.applyLike(like, false)
}

func (s *Store) applyLike(like model.LikeChange, liked bool) bool {
	viewer, hasViewer := s.identity.CurrentViewer()
	self := hasViewer && like.UserID == viewer

	delta := 1
	if !liked {
		delta = -1
	}

	s.mu.Lock()
	idx := s.indexLocked(like.PostID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	p := &s.state.Posts[idx]
	if self {
		if p.LikedByCurrentUser == liked {
			s.mu.Unlock()
			return false
		}
		p.LikedByCurrentUser = liked
	}
	p.LikeCount = clampCount(p.LikeCount + delta)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) indexLocked(id string) int {
	for i := range s.state.Posts {
		if s.state.Posts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeAtLocked(idx int) model.Post {
	removed := s.state.Posts[idx]
	s.state.Posts = append(s.state.Posts[:idx], s.state.Posts[idx+1:]...)
	return removed
}

// insertByCreatedAtLocked は新しい順を保つ位置に投稿を挿入する。仮投稿より後ろに置く。
func (s *Store) insertByCreatedAtLocked(p model.Post) {
	pos := len(s.state.Posts)
	for i, existing := range s.state.Posts {
		if IsPending(existing.ID) {
			continue
		}
		if existing.CreatedAt.Before(p.CreatedAt) {
			pos = i
			break
		}
	}
	s.state.Posts = append(s.state.Posts, model.Post{})
	copy(s.state.Posts[pos+1:], s.state.Posts[pos:])
	s.state.Posts[pos] = p
}

func clampCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
