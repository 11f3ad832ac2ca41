package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/chirp/internal/model"
)

// MemoryStore はプロセス内メモリに全データを保持するストア。
// ローカル開発（STORAGE=memory）とテストで使用する。
// PostgreSQLのトリガーと同様に、投稿・いいねの変更をEventPublisherへ通知する。
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	profiles  map[string]*model.Profile
	sessions  map[string]*model.Session
	posts     map[string]*model.Post
	likes     map[likeKey]time.Time
	publisher model.EventPublisher
	now       func() time.Time
}

type likeKey struct {
	postID string
	userID string
}

// NewMemoryStore はMemoryStoreを生成する。publisherはnilでもよい。
func NewMemoryStore(publisher model.EventPublisher) *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		profiles:  make(map[string]*model.Profile),
		sessions:  make(map[string]*model.Session),
		posts:     make(map[string]*model.Post),
		likes:     make(map[likeKey]time.Time),
		publisher: publisher,
		now:       time.Now,
	}
}

// Users はUserRepositoryを返す。
func (s *MemoryStore) Users() UserRepository { return &memoryUserRepo{s} }

// Profiles はProfileRepositoryを返す。
func (s *MemoryStore) Profiles() ProfileRepository { return &memoryProfileRepo{s} }

// Sessions はSessionRepositoryを返す。
func (s *MemoryStore) Sessions() *MemorySessionRepo { return &MemorySessionRepo{s} }

// Posts はPostRepositoryを返す。
func (s *MemoryStore) Posts() PostRepository { return &memoryPostRepo{s} }

// Likes はLikeRepositoryを返す。
func (s *MemoryStore) Likes() LikeRepository { return &memoryLikeRepo{s} }

func (s *MemoryStore) publish(ctx context.Context, event model.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish change event",
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// decorate はロック取得済みの状態で投稿の派生値を埋めたコピーを返す。
func (s *MemoryStore) decorate(p *model.Post, viewerID string) *model.Post {
	out := *p
	out.AuthorUsername = ""
	if prof, ok := s.profiles[p.AuthorID]; ok {
		out.AuthorUsername = prof.Username
	}
	out.LikeCount = 0
	out.LikedByCurrentUser = false
	for k := range s.likes {
		if k.postID != p.ID {
			continue
		}
		out.LikeCount++
		if viewerID != "" && k.userID == viewerID {
			out.LikedByCurrentUser = true
		}
	}
	return &out
}

func toPostChange(p *model.Post) *model.PostChange {
	return &model.PostChange{
		ID:        p.ID,
		AuthorID:  p.AuthorID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// --- users ---

type memoryUserRepo struct{ s *MemoryStore }

func (r *memoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (r *memoryUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memoryUserRepo) CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.ID]; ok {
		return fmt.Errorf("failed to insert user: %w", ErrDuplicate)
	}
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("failed to insert user: %w", ErrDuplicate)
		}
	}
	u := *user
	p := *profile
	r.s.users[u.ID] = &u
	r.s.profiles[p.UserID] = &p
	return nil
}

func (r *memoryUserRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	if _, ok := r.s.users[id]; !ok {
		r.s.mu.Unlock()
		return fmt.Errorf("user not found: %s", id)
	}
	delete(r.s.users, id)
	delete(r.s.profiles, id)
	for sid, sess := range r.s.sessions {
		if sess.UserID == id {
			delete(r.s.sessions, sid)
		}
	}
	for k := range r.s.likes {
		if k.userID == id {
			delete(r.s.likes, k)
		}
	}
	var deleted []*model.Post
	for pid, p := range r.s.posts {
		if p.AuthorID == id {
			deleted = append(deleted, p)
			delete(r.s.posts, pid)
		}
	}
	// 削除した投稿に他のユーザーが付けたいいねも消す
	for k := range r.s.likes {
		if _, ok := r.s.posts[k.postID]; !ok {
			delete(r.s.likes, k)
		}
	}
	r.s.mu.Unlock()

	for _, p := range deleted {
		r.s.publish(ctx, model.ChangeEvent{Kind: model.EventPostDeleted, Post: toPostChange(p)})
	}
	return nil
}

// --- profiles ---

type memoryProfileRepo struct{ s *MemoryStore }

func (r *memoryProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.profiles[userID]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (r *memoryProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[profile.UserID]; !ok {
		return fmt.Errorf("failed to create profile: %w", ErrReferenceNotFound)
	}
	if _, ok := r.s.profiles[profile.UserID]; ok {
		return nil
	}
	p := *profile
	r.s.profiles[p.UserID] = &p
	return nil
}

// --- sessions ---

// MemorySessionRepo はMemoryStore上のセッションリポジトリ。
type MemorySessionRepo struct{ s *MemoryStore }

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(ctx context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess := *session
	r.s.sessions[sess.ID] = &sess
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.sessions[id]
	if !ok || !sess.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	out := *sess
	return &out, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, sess := range r.s.sessions {
		if sess.UserID == userID {
			delete(r.s.sessions, id)
		}
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	now := r.s.now()
	for id, sess := range r.s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- posts ---

type memoryPostRepo struct{ s *MemoryStore }

func (r *memoryPostRepo) ListFeed(ctx context.Context, q model.FeedQuery) ([]*model.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	search := strings.ToLower(q.Search)
	matched := make([]*model.Post, 0, len(r.s.posts))
	for _, p := range r.s.posts {
		if search != "" && !strings.Contains(strings.ToLower(p.Content), search) {
			continue
		}
		if q.AuthorID != "" && p.AuthorID != q.AuthorID {
			continue
		}
		if !q.Before.IsZero() && !p.CreatedAt.Before(q.Before) {
			continue
		}
		matched = append(matched, p)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	posts := make([]*model.Post, len(matched))
	for i, p := range matched {
		posts[i] = r.s.decorate(p, q.ViewerID)
	}
	return posts, nil
}

func (r *memoryPostRepo) FindByID(ctx context.Context, id, viewerID string) (*model.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.posts[id]
	if !ok {
		return nil, nil
	}
	return r.s.decorate(p, viewerID), nil
}

func (r *memoryPostRepo) Create(ctx context.Context, post *model.Post) error {
	r.s.mu.Lock()
	if _, ok := r.s.users[post.AuthorID]; !ok {
		r.s.mu.Unlock()
		return fmt.Errorf("投稿の作成に失敗しました: %w", ErrReferenceNotFound)
	}
	if _, ok := r.s.posts[post.ID]; ok {
		r.s.mu.Unlock()
		return fmt.Errorf("投稿の作成に失敗しました: %w", ErrDuplicate)
	}
	p := &model.Post{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Content:   post.Content,
		CreatedAt: post.CreatedAt,
		UpdatedAt: post.UpdatedAt,
	}
	r.s.posts[p.ID] = p
	change := toPostChange(p)
	r.s.mu.Unlock()

	r.s.publish(ctx, model.ChangeEvent{Kind: model.EventPostInserted, Post: change})
	return nil
}

func (r *memoryPostRepo) UpdateContent(ctx context.Context, post *model.Post) (bool, error) {
	r.s.mu.Lock()
	p, ok := r.s.posts[post.ID]
	if !ok || p.AuthorID != post.AuthorID {
		r.s.mu.Unlock()
		return false, nil
	}
	p.Content = post.Content
	p.UpdatedAt = post.UpdatedAt
	change := toPostChange(p)
	r.s.mu.Unlock()

	r.s.publish(ctx, model.ChangeEvent{Kind: model.EventPostUpdated, Post: change})
	return true, nil
}

func (r *memoryPostRepo) Delete(ctx context.Context, id, authorID string) (int64, error) {
	r.s.mu.Lock()
	p, ok := r.s.posts[id]
	if !ok || p.AuthorID != authorID {
		r.s.mu.Unlock()
		return 0, nil
	}
	delete(r.s.posts, id)
	for k := range r.s.likes {
		if k.postID == id {
			delete(r.s.likes, k)
		}
	}
	change := toPostChange(p)
	r.s.mu.Unlock()

	r.s.publish(ctx, model.ChangeEvent{Kind: model.EventPostDeleted, Post: change})
	return 1, nil
}

// --- likes ---

type memoryLikeRepo struct{ s *MemoryStore }

func (r *memoryLikeRepo) Create(ctx context.Context, like *model.Like) error {
	r.s.mu.Lock()
	if _, ok := r.s.posts[like.PostID]; !ok {
		r.s.mu.Unlock()
		return fmt.Errorf("いいねの作成に失敗しました: %w", ErrReferenceNotFound)
	}
	key := likeKey{postID: like.PostID, userID: like.UserID}
	if _, ok := r.s.likes[key]; ok {
		r.s.mu.Unlock()
		return fmt.Errorf("いいねの作成に失敗しました: %w", ErrDuplicate)
	}
	r.s.likes[key] = like.CreatedAt
	r.s.mu.Unlock()

	r.s.publish(ctx, model.ChangeEvent{Kind: model.EventLikeInserted, Like: &model.LikeChange{
		PostID:    like.PostID,
		UserID:    like.UserID,
		CreatedAt: like.CreatedAt,
	}})
	return nil
}

func (r *memoryLikeRepo) Delete(ctx context.Context, postID, userID string) error {
	r.s.mu.Lock()
	key := likeKey{postID: postID, userID: userID}
	createdAt, ok := r.s.likes[key]
	if !ok {
		r.s.mu.Unlock()
		return nil
	}
	delete(r.s.likes, key)
	r.s.mu.Unlock()

	r.s.publish(ctx, model.ChangeEvent{Kind: model.EventLikeDeleted, Like: &model.LikeChange{
		PostID:    postID,
		UserID:    userID,
		CreatedAt: createdAt,
	}})
	return nil
}

func (r *memoryLikeRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	var removed []likeKey
	for k := range r.s.likes {
		if k.userID == userID {
			removed = append(removed, k)
			delete(r.s.likes, k)
		}
	}
	r.s.mu.Unlock()

	for _, k := range removed {
		r.s.publish(ctx, model.ChangeEvent{Kind: model.EventLikeDeleted, Like: &model.LikeChange{
			PostID: k.postID,
			UserID: k.userID,
		}})
	}
	return nil
}

// compile-time interface checks
var (
	_ UserRepository    = (*memoryUserRepo)(nil)
	_ ProfileRepository = (*memoryProfileRepo)(nil)
	_ SessionRepository = (*MemorySessionRepo)(nil)
	_ PostRepository    = (*memoryPostRepo)(nil)
	_ LikeRepository    = (*memoryLikeRepo)(nil)
)
