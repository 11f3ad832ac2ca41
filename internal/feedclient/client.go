package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/chirp/internal/model"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
	userAgent       = "chirp-feedclient/1.0"
)

// Query はフィード一覧の検索条件。
type Query struct {
	Search string
	Owner  model.OwnerFilter
}

// Page はフィード一覧の1ページ分。
type Page struct {
	Posts      []model.Post
	NextCursor string
	HasMore    bool
}

// API はStoreが必要とするフィードAPIの操作。
type API interface {
	ListPosts(ctx context.Context, q Query, cursor string) (*Page, error)
	CreatePost(ctx context.Context, content string) (*model.Post, error)
	UpdatePost(ctx context.Context, id, content string) (*model.Post, error)
	DeletePost(ctx context.Context, id string) error
	LikePost(ctx context.Context, id string) error
	UnlikePost(ctx context.Context, id string) error
}

// TransportError はネットワーク障害またはサーバーエラー（5xx）を表す。
// 楽観的更新の巻き戻し対象になる。
type TransportError struct {
	Op         string
	StatusCode int // ネットワーク障害の場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feedclient: %s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("feedclient: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError はerrがTransportErrorかどうかを返す。
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client はフィードREST APIのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	identity   Identity
	logger     *slog.Logger
}

// NewClient はClientを生成する。baseURLにはAPIのオリジン（例: https://chirp.example.com）を渡す。
// httpClientがnilの場合はタイムアウト付きのクライアントを使う。
func NewClient(baseURL string, httpClient *http.Client, identity Identity, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if identity == nil {
		identity = StaticIdentity{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
		logger:     logger,
	}
}

// postDTO はAPIの投稿JSON。
type postDTO struct {
	ID                 string    `json:"id"`
	AuthorID           string    `json:"authorId"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	AuthorUsername     string    `json:"authorUsername"`
	LikeCount          int       `json:"likeCount"`
	LikedByCurrentUser bool      `json:"likedByCurrentUser"`
}

func (d postDTO) toModel() model.Post {
	return model.Post{
		ID:                 d.ID,
		AuthorID:           d.AuthorID,
		Content:            d.Content,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		AuthorUsername:     d.AuthorUsername,
		LikeCount:          d.LikeCount,
		LikedByCurrentUser: d.LikedByCurrentUser,
	}
}

type pageDTO struct {
	Posts      []postDTO `json:"posts"`
	NextCursor string    `json:"nextCursor"`
	HasMore    bool      `json:"hasMore"`
}

type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

type contentBody struct {
	Content string `json:"content"`
}

// ListPosts は投稿一覧の1ページを取得する。cursorが空の場合は先頭ページ。
func (c *Client) ListPosts(ctx context.Context, q Query, cursor string) (*Page, error) {
	params := url.Values{}
	if q.Search != "" {
		params.Set("query", q.Search)
	}
	if q.Owner != "" {
		params.Set("filter", string(q.Owner))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	path := "/api/posts"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page pageDTO
	if err := c.do(ctx, "list posts", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	posts := make([]model.Post, len(page.Posts))
	for i, p := range page.Posts {
		posts[i] = p.toModel()
	}
	return &Page{Posts: posts, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// CreatePost は投稿を作成する。
func (c *Client) CreatePost(ctx context.Context, content string) (*model.Post, error) {
	var dto postDTO
	if err := c.do(ctx, "create post", http.MethodPost, "/api/posts", contentBody{Content: content}, &dto); err != nil {
		return nil, err
	}
	p := dto.toModel()
	return &p, nil
}

// UpdatePost は投稿本文を編集する。
func (c *Client) UpdatePost(ctx context.Context, id, content string) (*model.Post, error) {
	var dto postDTO
	if err := c.do(ctx, "update post", http.MethodPatch, "/api/posts/"+url.PathEscape(id), contentBody{Content: content}, &dto); err != nil {
		return nil, err
	}
	p := dto.toModel()
	return &p, nil
}

// DeletePost は投稿を削除する。
func (c *Client) DeletePost(ctx context.Context, id string) error {
	return c.do(ctx, "delete post", http.MethodDelete, "/api/posts/"+url.PathEscape(id), nil, nil)
}

// LikePost は投稿にいいねする。
func (c *Client) LikePost(ctx context.Context, id string) error {
	return c.do(ctx, "like post", http.MethodPost, "/api/posts/"+url.PathEscape(id)+"/like", nil, nil)
}

// UnlikePost は投稿のいいねを取り消す。
func (c *Client) UnlikePost(ctx context.Context, id string) error {
	return c.do(ctx, "unlike post", http.MethodDelete, "/api/posts/"+url.PathEscape(id)+"/like", nil, nil)
}

// do はリクエストを送信し、成功時はoutへデコードする。
// 4xxは*model.APIError、ネットワーク障害と5xxは*TransportErrorを返す。
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("feedclient: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("feedclient: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, ok := c.identity.CurrentToken(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("feed api request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		c.logger.Warn("feed api returned server error",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 400:
		return decodeAPIError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("feedclient: %s: decode response: %w", op, err)
	}
	return nil
}

// decodeAPIError は統一エラーボディをAPIErrorに変換する。
// ボディにコードがない場合はステータスから補う。
func decodeAPIError(status int, raw []byte) *model.APIError {
	var b errorBody
	_ = json.Unmarshal(raw, &b)
	if b.Code != "" {
		return &model.APIError{Code: b.Code, Message: b.Message, Category: b.Category, Action: b.Action}
	}

	switch status {
	case http.StatusBadRequest:
		return model.NewValidationError(strings.TrimSpace(string(raw)))
	case http.StatusUnauthorized:
		return model.NewUnauthorizedError()
	case http.StatusNotFound:
		return model.NewPostNotFoundError("")
	case http.StatusConflict:
		return model.NewAlreadyLikedError()
	default:
		return &model.APIError{
			Code:     fmt.Sprintf("HTTP_%d", status),
			Message:  http.StatusText(status),
			Category: "system",
		}
	}
}

var _ API = (*Client)(nil)
