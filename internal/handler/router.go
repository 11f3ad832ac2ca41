package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/middleware"
)

// HealthChecker はストレージの疎通確認のインターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Tokens             middleware.TokenVerifier
	SessionFinder      middleware.SessionFinder
	CORSAllowedOrigins []string
	CSRFConfig         middleware.CSRFConfig
	Logger             *slog.Logger
	Metrics            metrics.MetricsCollector

	// 運用エンドポイント。nilの場合は常に正常/未公開
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 投稿
	PostService PostServiceInterface

	// ユーザー
	UserService UserServiceInterface

	// リアルタイム配信（WebSocket）。nilの場合はルートを登録しない
	Realtime http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Viewer → Logging → Metrics
//
// 投稿の更新系ルートと退会はさらに RequireViewer → CSRF を通す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	r.Use(middleware.NewViewerMiddleware(deps.Tokens, deps.SessionFinder))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	postHandler := NewPostHandler(deps.PostService)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 認証ルート ---
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", authHandler.SignUp)
		r.Post("/signin", authHandler.SignIn)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		if deps.Realtime != nil {
			r.Method(http.MethodGet, "/realtime", deps.Realtime)
		}

		r.Route("/posts", func(r chi.Router) {
			// 一覧は匿名でも閲覧できる
			r.With(csrf).Get("/", postHandler.ListPosts)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireViewer)
				r.Use(csrf)

				r.Post("/", postHandler.CreatePost)
				r.Route("/{id}", func(r chi.Router) {
					r.Patch("/", postHandler.UpdatePost)
					r.Delete("/", postHandler.DeletePost)
					r.Post("/like", postHandler.LikePost)
					r.Delete("/like", postHandler.UnlikePost)
				})
			})
		})

		r.With(middleware.RequireViewer, csrf).Delete("/users/me", userHandler.Withdraw)
	})

	return r
}

// healthHandler はストレージの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
