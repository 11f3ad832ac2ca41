package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/chirp/internal/auth"
	"github.com/hitoshi/chirp/internal/config"
	"github.com/hitoshi/chirp/internal/database"
	"github.com/hitoshi/chirp/internal/handler"
	"github.com/hitoshi/chirp/internal/logger"
	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/middleware"
	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/post"
	"github.com/hitoshi/chirp/internal/realtime"
	"github.com/hitoshi/chirp/internal/repository"
	"github.com/hitoshi/chirp/internal/user"
	"github.com/hitoshi/chirp/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefaultWithLevel(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseCommand(args)
	if err != nil {
		return err
	}
	cmd := inv.Command

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("storage", cfg.Storage),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg, inv.Steps)
	default:
		return runServe(ctx, cfg)
	}
}

// sessionStore はセッションの管理と期限切れの削除の両方を提供するリポジトリ。
type sessionStore interface {
	repository.SessionRepository
	cleanup.SessionPurger
}

// backend はSTORAGEに応じて選ばれた永続化層。
type backend struct {
	users    repository.UserRepository
	profiles repository.ProfileRepository
	sessions sessionStore
	posts    repository.PostRepository
	likes    repository.LikeRepository
	health   handler.HealthChecker
	memory   bool
	close    func() error
}

// openBackend は永続化層を開く。インメモリの場合は変更をpublisherへ直接通知する。
func openBackend(ctx context.Context, cfg *config.Config, publisher model.EventPublisher) (*backend, error) {
	if cfg.Storage == config.StorageMemory {
		store := repository.NewMemoryStore(publisher)
		slog.Warn("using in-memory storage, data is lost on restart")
		return &backend{
			users:    store.Users(),
			profiles: store.Profiles(),
			sessions: store.Sessions(),
			posts:    store.Posts(),
			likes:    store.Likes(),
			memory:   true,
			close:    func() error { return nil },
		}, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, 5*time.Second)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")

	return &backend{
		users:    repository.NewPostgresUserRepo(db),
		profiles: repository.NewPostgresProfileRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		posts:    repository.NewPostgresPostRepo(db),
		likes:    repository.NewPostgresLikeRepo(db),
		health:   db,
		close:    db.Close,
	}, nil
}

// server はAPIサーバーのワイヤリング結果。
type server struct {
	handler http.Handler
	hub     *realtime.Hub
	closers []func()
}

// Close はバックグラウンド処理と接続を閉じる。登録と逆順に閉じる。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer は全依存関係をワイヤリングしてルーターを組み立てる。
// 変更通知の取り込み（PostgreSQLのLISTENまたはRedisの中継）はctxが終わるまで動く。
func newServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*server, error) {
	srv := &server{}
	ok := false
	defer func() {
		if !ok {
			srv.Close()
		}
	}()

	// 1. メトリクスと変更通知のHub
	collector := metrics.NewCollector(reg)
	hub := realtime.NewHub(collector)
	srv.hub = hub

	// 2. 永続化層
	b, err := openBackend(ctx, cfg, hub)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, func() {
		if err := b.close(); err != nil {
			slog.Warn("failed to close storage", slog.String("error", err.Error()))
		}
	})

	// 3. 変更通知の取り込み
	bgCtx, cancel := context.WithCancel(ctx)
	srv.closers = append(srv.closers, cancel)
	if !b.memory {
		if err := startChangeFeed(bgCtx, cfg, hub, collector, srv); err != nil {
			return nil, err
		}
	}

	// 4. インメモリの場合はworkerがないため、セッション掃除もここで動かす
	if b.memory {
		job := cleanup.NewCleanupJob(b.sessions, slog.Default())
		go job.Start(bgCtx, cfg.SessionCleanupInterval)
	}

	// 5. ドメインサービス
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewService(b.users, b.profiles, b.sessions, tokens,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge})
	postService := post.NewService(b.posts, b.likes,
		post.WithMetrics(collector),
		post.WithLogger(slog.Default()),
	)
	userService := user.NewService(b.users, b.sessions, b.likes)

	// 6. ルーター
	cookieConfig := handler.AuthHandlerConfig{
		CookieDomain:  cfg.CookieDomain,
		CookieSecure:  cfg.CookieSecure,
		SessionMaxAge: cfg.SessionMaxAge,
	}
	deps := &handler.RouterDeps{
		Tokens:             authService,
		SessionFinder:      b.sessions,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:         slog.Default(),
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig:  cookieConfig,
		PostService: handler.NewPostServiceAdapter(postService),
		UserService: handler.NewUserServiceAdapter(userService),
		Realtime:    realtime.NewWebSocketHandler(hub, cfg.CORSAllowedOrigins, collector, slog.Default()),
	}
	if !b.memory {
		deps.HealthChecker = b.health
	}
	srv.handler = handler.NewRouter(deps)

	ok = true
	return srv, nil
}

// startChangeFeed はPostgreSQLの変更通知をHubへ流す経路を起動する。
// REDIS_URLが設定されていればworkerが発行したRedisのイベントを中継し、
// なければこのプロセスでLISTENする。
func startChangeFeed(ctx context.Context, cfg *config.Config, hub *realtime.Hub, m metrics.MetricsCollector, srv *server) error {
	if cfg.RedisURL == "" {
		listener := realtime.NewPostgresListener(cfg.DatabaseURL, hub, slog.Default())
		go func() {
			if err := listener.Run(ctx); err != nil {
				slog.Error("change listener stopped", slog.String("error", err.Error()))
			}
		}()
		return nil
	}

	client, err := realtime.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	srv.closers = append(srv.closers, func() { _ = client.Close() })

	broker := realtime.NewRedisBroker(client, slog.Default(), m)
	for _, topic := range []string{model.TopicPosts, model.TopicLikes} {
		sub, err := broker.Subscribe(topic, func(e model.ChangeEvent) {
			if err := hub.Publish(ctx, e); err != nil {
				slog.Warn("failed to relay change event", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return err
		}
		srv.closers = append(srv.closers, sub.Unsubscribe)
	}
	slog.Info("relaying change events from redis")
	return nil
}

// runServe はAPIサーバーモードで起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの定期削除を行い、REDIS_URLが設定されていれば
// PostgreSQLの変更通知をRedisへ発行する。ctxが終了すると停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage == config.StorageMemory {
		return fmt.Errorf("worker requires %s storage", config.StoragePostgres)
	}

	b, err := openBackend(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer b.close()

	if cfg.RedisURL != "" {
		client, err := realtime.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		broker := realtime.NewRedisBroker(client, slog.Default(), nil)
		listener := realtime.NewPostgresListener(cfg.DatabaseURL, broker, slog.Default())
		go func() {
			if err := listener.Run(ctx); err != nil {
				slog.Error("change listener stopped", slog.String("error", err.Error()))
			}
		}()
		slog.Info("publishing change events to redis")
	}

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	// セッション掃除をメインgoroutineで実行（ブロッキング）
	cleanup.NewCleanupJob(b.sessions, slog.Default()).Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.Storage == config.StorageMemory {
		slog.Info("in-memory storage has no migrations")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runRollback は直近のマイグレーションをsteps件ロールバックする。
func runRollback(cfg *config.Config, steps int) error {
	if cfg.Storage == config.StorageMemory {
		slog.Info("in-memory storage has no migrations")
		return nil
	}

	slog.Info("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	if err := database.MigrateDown(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database rollback completed",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.Redacted()
}
