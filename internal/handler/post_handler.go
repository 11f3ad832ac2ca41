package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chirp/internal/middleware"
	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/post"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	// ListPosts は検索・投稿者フィルタ・カーソル付きで投稿一覧を返す。
	ListPosts(ctx context.Context, params post.ListParams) (*postListResponse, error)
	CreatePost(ctx context.Context, viewerID, content string) (*postResponse, error)
	UpdatePost(ctx context.Context, viewerID, postID, content string) (*postResponse, error)
	DeletePost(ctx context.Context, viewerID, postID string) error
	LikePost(ctx context.Context, viewerID, postID string) error
	UnlikePost(ctx context.Context, viewerID, postID string) error
}

// PostHandler は投稿フィードのHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

// --- リクエスト/レスポンス型 ---

// postResponse は投稿のレスポンス。
type postResponse struct {
	ID                 string    `json:"id"`
	AuthorID           string    `json:"authorId"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	AuthorUsername     string    `json:"authorUsername"`
	LikeCount          int       `json:"likeCount"`
	LikedByCurrentUser bool      `json:"likedByCurrentUser"`
}

// postListResponse は投稿一覧のレスポンス。
type postListResponse struct {
	Posts      []postResponse `json:"posts"`
	NextCursor string         `json:"nextCursor,omitempty"`
	HasMore    bool           `json:"hasMore"`
}

// postContentRequest は投稿の作成・編集リクエストのボディ。
type postContentRequest struct {
	Content *string `json:"content"`
}

// ListPosts は投稿一覧を取得する。閲覧者は任意。
// GET /api/posts?query=xxx&cursor=yyy&filter=all|mine
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := post.ListParams{
		Search:   q.Get("query"),
		Owner:    model.ParseOwnerFilter(q.Get("filter")),
		Cursor:   q.Get("cursor"),
		ViewerID: middleware.ViewerFromContext(r.Context()),
	}

	result, err := h.service.ListPosts(r.Context(), params)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CreatePost は投稿を作成する。
// POST /api/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req postContentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Content == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("contentは必須です"))
		return
	}

	created, err := h.service.CreatePost(r.Context(), middleware.ViewerFromContext(r.Context()), *req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdatePost は自分の投稿の本文を編集する。
// PATCH /api/posts/{id}
func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	var req postContentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Content == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("contentは必須です"))
		return
	}

	updated, err := h.service.UpdatePost(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id"), *req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeletePost は自分の投稿を削除する。該当する投稿がなくても成功を返す。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePost(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w)
}

// LikePost は投稿にいいねする。
// POST /api/posts/{id}/like
func (h *PostHandler) LikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.LikePost(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w)
}

// UnlikePost はいいねを取り消す。
// DELETE /api/posts/{id}/like
func (h *PostHandler) UnlikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.service.UnlikePost(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w)
}
