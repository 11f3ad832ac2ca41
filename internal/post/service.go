// Package post は投稿フィードの取得と投稿・いいねの更新操作を提供する。
package post

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/chirp/internal/cursor"
	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/repository"
)

// PageSize はフィード1ページあたりの投稿数。
const PageSize = 10

// ListParams はListPostsの入力。
type ListParams struct {
	Search   string
	Owner    model.OwnerFilter
	Cursor   string
	ViewerID string
}

// ListResult はListPostsの戻り値。
type ListResult struct {
	Posts      []*model.Post
	NextCursor string
	HasMore    bool
}

// Service は投稿フィードの取得と投稿・いいねの更新を行うサービス。
type Service struct {
	postRepo repository.PostRepository
	likeRepo repository.LikeRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	newID    func(time.Time) string
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator は投稿ID生成関数を差し替える。テスト用。
func WithIDGenerator(gen func(time.Time) string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	postRepo repository.PostRepository,
	likeRepo repository.LikeRepository,
	opts ...Option,
) *Service {
	s := &Service{
		postRepo: postRepo,
		likeRepo: likeRepo,
		metrics:  metrics.NopCollector{},
		logger:   slog.Default(),
		now:      time.Now,
		newID:    newULIDGenerator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newULIDGenerator は単調増加するULIDを生成する関数を返す。
// 同一ミリ秒内でもIDの順序が生成順と一致する。
func newULIDGenerator() func(time.Time) string {
	var mu sync.Mutex
	var entropy io.Reader = ulid.Monotonic(rand.Reader, 0)
	return func(t time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(t), entropy).String()
	}
}

// ListPosts はフィードの投稿一覧を新しい順に1ページ分返す。
// PageSize+1件を取得してHasMoreを判定する。
// 不正なカーソルは無視し、先頭ページを返す。
func (s *Service) ListPosts(ctx context.Context, params ListParams) (*ListResult, error) {
	start := s.now()

	q := model.FeedQuery{
		Search:   strings.TrimSpace(params.Search),
		ViewerID: params.ViewerID,
		Limit:    PageSize + 1,
	}

	if params.Owner == model.OwnerFilterMine {
		// 閲覧者がいなければ自分の投稿は存在しない
		if params.ViewerID == "" {
			return &ListResult{Posts: []*model.Post{}}, nil
		}
		q.AuthorID = params.ViewerID
	}

	if params.Cursor != "" {
		before, err := cursor.DecodeTime(params.Cursor)
		if err != nil {
			s.logger.Warn("invalid cursor ignored",
				slog.String("cursor", params.Cursor),
				slog.String("error", err.Error()),
			)
		} else {
			q.Before = before
		}
	}

	posts, err := s.postRepo.ListFeed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	hasMore := len(posts) > PageSize
	if hasMore {
		posts = posts[:PageSize] // 余分な1件を除外
	}
	if posts == nil {
		posts = []*model.Post{}
	}

	var nextCursor string
	if hasMore {
		nextCursor = cursor.EncodeTime(posts[len(posts)-1].CreatedAt)
	}

	s.metrics.RecordFeedPage(s.now().Sub(start), len(posts))

	return &ListResult{
		Posts:      posts,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// CreatePost は閲覧者を投稿者として新しい投稿を作成する。
func (s *Service) CreatePost(ctx context.Context, viewerID, content string) (*model.Post, error) {
	if viewerID == "" {
		return nil, model.NewUnauthorizedError()
	}
	text, err := s.normalizeContent(content)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	p := &model.Post{
		ID:        s.newID(now),
		AuthorID:  viewerID,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.postRepo.Create(ctx, p); err != nil {
		// 投稿者のユーザー行が存在しない（退会済みトークンなど）
		if errors.Is(err, repository.ErrReferenceNotFound) {
			return nil, model.NewUnauthorizedError()
		}
		return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	s.metrics.RecordPostMutation(metrics.ActionCreate)

	created, err := s.postRepo.FindByID(ctx, p.ID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("作成した投稿の取得に失敗しました: %w", err)
	}
	if created == nil {
		// 作成直後に削除された場合は作成時の値を返す
		return p, nil
	}
	return created, nil
}

// UpdatePost は閲覧者自身の投稿の本文を更新する。
// 投稿が存在しない場合と他人の投稿の場合はどちらもPOST_NOT_FOUNDを返す。
func (s *Service) UpdatePost(ctx context.Context, viewerID, postID, content string) (*model.Post, error) {
	if viewerID == "" {
		return nil, model.NewUnauthorizedError()
	}
	text, err := s.normalizeContent(content)
	if err != nil {
		return nil, err
	}

	p := &model.Post{
		ID:        postID,
		AuthorID:  viewerID,
		Content:   text,
		UpdatedAt: s.timestamp(),
	}
	updated, err := s.postRepo.UpdateContent(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}
	if !updated {
		return nil, model.NewPostNotFoundError(postID)
	}
	s.metrics.RecordPostMutation(metrics.ActionUpdate)

	refreshed, err := s.postRepo.FindByID(ctx, postID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("更新した投稿の取得に失敗しました: %w", err)
	}
	if refreshed == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return refreshed, nil
}

// DeletePost は閲覧者自身の投稿を削除する。
// 該当する投稿がなくても成功として扱う。
func (s *Service) DeletePost(ctx context.Context, viewerID, postID string) error {
	if viewerID == "" {
		return model.NewUnauthorizedError()
	}
	n, err := s.postRepo.Delete(ctx, postID, viewerID)
	if err != nil {
		return fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	if n > 0 {
		s.metrics.RecordPostMutation(metrics.ActionDelete)
	} else {
		s.logger.Debug("delete matched no post",
			slog.String("post_id", postID),
			slog.String("user_id", viewerID),
		)
	}
	return nil
}

// LikePost は投稿にいいねする。
// 既にいいね済みの場合はALREADY_LIKED、投稿が存在しない場合はPOST_NOT_FOUNDを返す。
func (s *Service) LikePost(ctx context.Context, viewerID, postID string) error {
	if viewerID == "" {
		return model.NewUnauthorizedError()
	}
	like := &model.Like{
		PostID:    postID,
		UserID:    viewerID,
		CreatedAt: s.timestamp(),
	}
	if err := s.likeRepo.Create(ctx, like); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return model.NewAlreadyLikedError()
		case errors.Is(err, repository.ErrReferenceNotFound):
			return model.NewPostNotFoundError(postID)
		}
		return fmt.Errorf("いいねに失敗しました: %w", err)
	}
	s.metrics.RecordPostMutation(metrics.ActionLike)
	return nil
}

// UnlikePost は投稿へのいいねを取り消す。いいねしていなくても成功として扱う。
func (s *Service) UnlikePost(ctx context.Context, viewerID, postID string) error {
	if viewerID == "" {
		return model.NewUnauthorizedError()
	}
	if err := s.likeRepo.Delete(ctx, postID, viewerID); err != nil {
		return fmt.Errorf("いいねの取り消しに失敗しました: %w", err)
	}
	s.metrics.RecordPostMutation(metrics.ActionUnlike)
	return nil
}

// normalizeContent は前後の空白を取り除き、文字数を検証する。
// 本文はプレーンテキストとして保存し、エスケープは表示側で行う。
func (s *Service) normalizeContent(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return "", model.NewValidationError("本文を入力してください")
	}
	if n > model.MaxPostLength {
		return "", model.NewValidationError(fmt.Sprintf("本文は%d文字以内で入力してください", model.MaxPostLength))
	}
	return text, nil
}

// timestamp はストレージの精度（マイクロ秒）に揃えたUTCの現在時刻を返す。
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}
