package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chirp/internal/middleware"
	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/post"
)

// --- モック定義 ---

type mockPostService struct {
	listPostsFn  func(ctx context.Context, params post.ListParams) (*postListResponse, error)
	createPostFn func(ctx context.Context, viewerID, content string) (*postResponse, error)
	updatePostFn func(ctx context.Context, viewerID, postID, content string) (*postResponse, error)
	deletePostFn func(ctx context.Context, viewerID, postID string) error
	likePostFn   func(ctx context.Context, viewerID, postID string) error
	unlikePostFn func(ctx context.Context, viewerID, postID string) error
}

func (m *mockPostService) ListPosts(ctx context.Context, params post.ListParams) (*postListResponse, error) {
	if m.listPostsFn != nil {
		return m.listPostsFn(ctx, params)
	}
	return &postListResponse{Posts: []postResponse{}}, nil
}

func (m *mockPostService) CreatePost(ctx context.Context, viewerID, content string) (*postResponse, error) {
	if m.createPostFn != nil {
		return m.createPostFn(ctx, viewerID, content)
	}
	return &postResponse{}, nil
}

func (m *mockPostService) UpdatePost(ctx context.Context, viewerID, postID, content string) (*postResponse, error) {
	if m.updatePostFn != nil {
		return m.updatePostFn(ctx, viewerID, postID, content)
	}
	return &postResponse{}, nil
}

func (m *mockPostService) DeletePost(ctx context.Context, viewerID, postID string) error {
	if m.deletePostFn != nil {
		return m.deletePostFn(ctx, viewerID, postID)
	}
	return nil
}

func (m *mockPostService) LikePost(ctx context.Context, viewerID, postID string) error {
	if m.likePostFn != nil {
		return m.likePostFn(ctx, viewerID, postID)
	}
	return nil
}

func (m *mockPostService) UnlikePost(ctx context.Context, viewerID, postID string) error {
	if m.unlikePostFn != nil {
		return m.unlikePostFn(ctx, viewerID, postID)
	}
	return nil
}

// --- ヘルパー ---

// withUserID はテスト用にリクエストコンテキストへユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Code
}

// --- GET /api/posts ---

func TestPostHandler_ListPosts_PassesQueryParams(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var got post.ListParams
	svc := &mockPostService{
		listPostsFn: func(ctx context.Context, params post.ListParams) (*postListResponse, error) {
			got = params
			return &postListResponse{
				Posts:      []postResponse{{ID: "p1", AuthorID: "u1", Content: "hi", CreatedAt: created, UpdatedAt: created, LikeCount: 2}},
				NextCursor: "Y3Vyc29y",
				HasMore:    true,
			}, nil
		},
	}
	h := NewPostHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/posts?query=go&filter=mine&cursor=abc", nil)
	req = withUserID(req, "viewer-1")
	w := httptest.NewRecorder()
	h.ListPosts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Search != "go" || got.Owner != model.OwnerFilterMine || got.Cursor != "abc" || got.ViewerID != "viewer-1" {
		t.Errorf("params = %+v", got)
	}

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if raw["nextCursor"] != "Y3Vyc29y" || raw["hasMore"] != true {
		t.Errorf("body = %v", raw)
	}
	posts := raw["posts"].([]any)
	first := posts[0].(map[string]any)
	for _, key := range []string{"id", "authorId", "content", "createdAt", "updatedAt", "authorUsername", "likeCount", "likedByCurrentUser"} {
		if _, ok := first[key]; !ok {
			t.Errorf("post field %q missing", key)
		}
	}
}

func TestPostHandler_ListPosts_AnonymousAndLastPage(t *testing.T) {
	var got post.ListParams
	h := NewPostHandler(&mockPostService{
		listPostsFn: func(ctx context.Context, params post.ListParams) (*postListResponse, error) {
			got = params
			return &postListResponse{Posts: []postResponse{}}, nil
		},
	})

	w := httptest.NewRecorder()
	h.ListPosts(w, httptest.NewRequest(http.MethodGet, "/api/posts?filter=unknown", nil))

	if got.ViewerID != "" || got.Owner != model.OwnerFilterAll {
		t.Errorf("params = %+v, want anonymous/all", got)
	}
	body := w.Body.String()
	if strings.Contains(body, "nextCursor") {
		t.Errorf("nextCursor should be omitted on the last page: %s", body)
	}
	if !strings.Contains(body, `"posts":[]`) {
		t.Errorf("posts should be an empty array: %s", body)
	}
}

func TestPostHandler_ListPosts_InternalError(t *testing.T) {
	h := NewPostHandler(&mockPostService{
		listPostsFn: func(ctx context.Context, params post.ListParams) (*postListResponse, error) {
			return nil, errors.New("db down")
		},
	})
	w := httptest.NewRecorder()
	h.ListPosts(w, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if code := decodeErrorCode(t, w); code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", code)
	}
}

// --- POST /api/posts ---

func TestPostHandler_CreatePost(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "成功", body: `{"content":"hello"}`, wantStatus: http.StatusCreated},
		{name: "不正なJSON", body: `{`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidRequest},
		{name: "contentなし", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeValidation},
		{name: "バリデーションエラー", body: `{"content":"  "}`, err: model.NewValidationError("empty"), wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeValidation},
		{name: "未認証", body: `{"content":"x"}`, err: model.NewUnauthorizedError(), wantStatus: http.StatusUnauthorized, wantCode: model.ErrCodeUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContent string
			h := NewPostHandler(&mockPostService{
				createPostFn: func(ctx context.Context, viewerID, content string) (*postResponse, error) {
					gotContent = content
					if tt.err != nil {
						return nil, tt.err
					}
					return &postResponse{ID: "p1", AuthorID: viewerID, Content: content}, nil
				},
			})

			req := withUserID(httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(tt.body)), "u1")
			w := httptest.NewRecorder()
			h.CreatePost(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeErrorCode(t, w); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			if gotContent != "hello" {
				t.Errorf("content = %q, want %q", gotContent, "hello")
			}
		})
	}
}

// --- PATCH /api/posts/{id} ---

func TestPostHandler_UpdatePost(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "成功", wantStatus: http.StatusOK},
		{name: "他人の投稿または存在しない", err: model.NewPostNotFoundError("p1"), wantStatus: http.StatusNotFound},
		{name: "文字数超過", err: model.NewValidationError("too long"), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			h := NewPostHandler(&mockPostService{
				updatePostFn: func(ctx context.Context, viewerID, postID, content string) (*postResponse, error) {
					gotID = postID
					if tt.err != nil {
						return nil, tt.err
					}
					return &postResponse{ID: postID, Content: content}, nil
				},
			})

			req := httptest.NewRequest(http.MethodPatch, "/api/posts/p1", strings.NewReader(`{"content":"edited"}`))
			req = withChiURLParam(withUserID(req, "u1"), "id", "p1")
			w := httptest.NewRecorder()
			h.UpdatePost(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotID != "p1" {
				t.Errorf("postID = %q, want p1", gotID)
			}
		})
	}
}

// --- DELETE /api/posts/{id}, いいね ---

func TestPostHandler_DeleteAndLikeEndpoints(t *testing.T) {
	svc := &mockPostService{}
	h := NewPostHandler(svc)

	endpoints := []struct {
		name    string
		method  string
		handler http.HandlerFunc
	}{
		{"delete", http.MethodDelete, h.DeletePost},
		{"like", http.MethodPost, h.LikePost},
		{"unlike", http.MethodDelete, h.UnlikePost},
	}
	for _, ep := range endpoints {
		t.Run(ep.name, func(t *testing.T) {
			req := withChiURLParam(withUserID(httptest.NewRequest(ep.method, "/api/posts/p1", nil), "u1"), "id", "p1")
			w := httptest.NewRecorder()
			ep.handler(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if strings.TrimSpace(w.Body.String()) != `{"success":true}` {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}
}

func TestPostHandler_LikePost_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"二重いいね", model.NewAlreadyLikedError(), http.StatusConflict},
		{"存在しない投稿", model.NewPostNotFoundError("p1"), http.StatusNotFound},
		{"未認証", model.NewUnauthorizedError(), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPostHandler(&mockPostService{
				likePostFn: func(ctx context.Context, viewerID, postID string) error { return tt.err },
			})
			req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/posts/p1/like", nil), "id", "p1")
			w := httptest.NewRecorder()
			h.LikePost(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
