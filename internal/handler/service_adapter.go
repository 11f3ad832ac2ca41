package handler

import (
	"context"

	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/post"
	"github.com/hitoshi/chirp/internal/user"
)

// PostServiceAdapter は post.Service を PostServiceInterface に適合させるアダプタ。
type PostServiceAdapter struct {
	svc *post.Service
}

// NewPostServiceAdapter はPostServiceAdapterを生成する。
func NewPostServiceAdapter(svc *post.Service) *PostServiceAdapter {
	return &PostServiceAdapter{svc: svc}
}

// ListPosts は投稿一覧をhandlerレスポンス型で返す。
func (a *PostServiceAdapter) ListPosts(ctx context.Context, params post.ListParams) (*postListResponse, error) {
	result, err := a.svc.ListPosts(ctx, params)
	if err != nil {
		return nil, err
	}

	posts := make([]postResponse, len(result.Posts))
	for i, p := range result.Posts {
		posts[i] = toPostResponse(p)
	}
	return &postListResponse{
		Posts:      posts,
		NextCursor: result.NextCursor,
		HasMore:    result.HasMore,
	}, nil
}

// CreatePost は投稿を作成しhandlerレスポンス型で返す。
func (a *PostServiceAdapter) CreatePost(ctx context.Context, viewerID, content string) (*postResponse, error) {
	p, err := a.svc.CreatePost(ctx, viewerID, content)
	if err != nil {
		return nil, err
	}
	resp := toPostResponse(p)
	return &resp, nil
}

// UpdatePost は投稿を編集しhandlerレスポンス型で返す。
func (a *PostServiceAdapter) UpdatePost(ctx context.Context, viewerID, postID, content string) (*postResponse, error) {
	p, err := a.svc.UpdatePost(ctx, viewerID, postID, content)
	if err != nil {
		return nil, err
	}
	resp := toPostResponse(p)
	return &resp, nil
}

// DeletePost は投稿を削除する。
func (a *PostServiceAdapter) DeletePost(ctx context.Context, viewerID, postID string) error {
	return a.svc.DeletePost(ctx, viewerID, postID)
}

// LikePost は投稿にいいねする。
func (a *PostServiceAdapter) LikePost(ctx context.Context, viewerID, postID string) error {
	return a.svc.LikePost(ctx, viewerID, postID)
}

// UnlikePost はいいねを取り消す。
func (a *PostServiceAdapter) UnlikePost(ctx context.Context, viewerID, postID string) error {
	return a.svc.UnlikePost(ctx, viewerID, postID)
}

// toPostResponse はドメインのPostをhandlerのレスポンス型に変換する。
func toPostResponse(p *model.Post) postResponse {
	return postResponse{
		ID:                 p.ID,
		AuthorID:           p.AuthorID,
		Content:            p.Content,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		AuthorUsername:     p.AuthorUsername,
		LikeCount:          p.LikeCount,
		LikedByCurrentUser: p.LikedByCurrentUser,
	}
}

// UserServiceAdapter は user.Service を UserServiceInterface に適合させるアダプタ。
type UserServiceAdapter struct {
	svc *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(svc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{svc: svc}
}

// Withdraw はユーザーの退会処理を実行する。
func (a *UserServiceAdapter) Withdraw(ctx context.Context, userID string) error {
	return a.svc.Withdraw(ctx, userID)
}

// --- compile-time interface checks ---

var _ PostServiceInterface = (*PostServiceAdapter)(nil)
var _ UserServiceInterface = (*UserServiceAdapter)(nil)
