package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/chirp/internal/model"
)

// ChangeChannel はnotify_change()トリガーが通知するチャネル名。
const ChangeChannel = "chirp_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// notification はトリガーが送るペイロード。
type notification struct {
	Table  string          `json:"table"`
	Op     string          `json:"op"`
	Record json.RawMessage `json:"record"`
}

type postRecord struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type likeRecord struct {
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DecodeNotification はトリガーのペイロードをChangeEventに変換する。
func DecodeNotification(payload string) (model.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("failed to decode notification: %w", err)
	}

	switch n.Table {
	case "posts":
		var rec postRecord
		if err := json.Unmarshal(n.Record, &rec); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("failed to decode post record: %w", err)
		}
		var kind model.EventKind
		switch n.Op {
		case "INSERT":
			kind = model.EventPostInserted
		case "UPDATE":
			kind = model.EventPostUpdated
		case "DELETE":
			kind = model.EventPostDeleted
		default:
			return model.ChangeEvent{}, fmt.Errorf("unsupported operation %q on posts", n.Op)
		}
		event := model.ChangeEvent{Kind: kind, Post: &model.PostChange{
			ID:        rec.ID,
			AuthorID:  rec.AuthorID,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt.UTC(),
			UpdatedAt: rec.UpdatedAt.UTC(),
		}}
		if !event.Valid() {
			return model.ChangeEvent{}, ErrInvalidEvent
		}
		return event, nil

	case "likes":
		var rec likeRecord
		if err := json.Unmarshal(n.Record, &rec); err != nil {
			return model.ChangeEvent{}, fmt.Errorf("failed to decode like record: %w", err)
		}
		var kind model.EventKind
		switch n.Op {
		case "INSERT":
			kind = model.EventLikeInserted
		case "DELETE":
			kind = model.EventLikeDeleted
		default:
			return model.ChangeEvent{}, fmt.Errorf("unsupported operation %q on likes", n.Op)
		}
		event := model.ChangeEvent{Kind: kind, Like: &model.LikeChange{
			PostID:    rec.PostID,
			UserID:    rec.UserID,
			CreatedAt: rec.CreatedAt.UTC(),
		}}
		if !event.Valid() {
			return model.ChangeEvent{}, ErrInvalidEvent
		}
		return event, nil
	}

	return model.ChangeEvent{}, fmt.Errorf("unsupported table %q", n.Table)
}

// PostgresListener はLISTEN/NOTIFYでトリガーの通知を受け取り、EventPublisherへ流す。
// 切断時の再接続はpq.Listenerが行う。
type PostgresListener struct {
	dsn       string
	publisher model.EventPublisher
	logger    *slog.Logger
}

// NewPostgresListener はPostgresListenerを生成する。
func NewPostgresListener(dsn string, publisher model.EventPublisher, logger *slog.Logger) *PostgresListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresListener{dsn: dsn, publisher: publisher, logger: logger}
}

// Run はctxがキャンセルされるまで通知を受信し続ける。
func (l *PostgresListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect, l.reportProblem)
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}
	l.logger.Info("listening for change notifications", slog.String("channel", ChangeChannel))

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("change listener stopped")
			return nil

		case n := <-listener.Notify:
			// 再接続直後はnilが届く。切断中の通知は失われている
			if n == nil {
				l.logger.Warn("change listener reconnected, notifications may have been missed")
				continue
			}
			l.handle(ctx, n.Extra)

		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("change listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (l *PostgresListener) handle(ctx context.Context, payload string) {
	event, err := DecodeNotification(payload)
	if err != nil {
		l.logger.Warn("dropping change notification",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.Error("failed to publish change event",
			slog.String("kind", string(event.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (l *PostgresListener) reportProblem(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		l.logger.Warn("change listener connection problem",
			slog.Int("event", int(ev)),
			slog.String("error", msg),
		)
	case pq.ListenerEventReconnected:
		l.logger.Info("change listener connection restored")
	}
}
