package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 512
	sendBufferSize = 256
)

// WebSocketHandler は GET /api/realtime?topics=posts,likes でクライアントへ変更通知を配信する。
// 各メッセージはChangeEventのJSON。送信が追いつかないクライアントは切断する。
type WebSocketHandler struct {
	subscriber model.EventSubscriber
	upgrader   websocket.Upgrader
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewWebSocketHandler はWebSocketHandlerを生成する。
// allowedOriginsが空の場合はOriginヘッダーなし（同一オリジン・非ブラウザ）のみ許可する。
func NewWebSocketHandler(
	subscriber model.EventSubscriber,
	allowedOrigins []string,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *WebSocketHandler {
	if m == nil {
		m = metrics.NopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o != "" {
			origins[o] = true
		}
	}
	return &WebSocketHandler{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin]
			},
		},
		metrics: m,
		logger:  logger,
	}
}

// ParseTopics はtopicsクエリを解析する。空の場合は全トピックを返す。
// 未知のトピックが含まれる場合はokがfalseになる。
func ParseTopics(raw string) (topics []string, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return []string{model.TopicPosts, model.TopicLikes}, true
	}
	seen := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != model.TopicPosts && t != model.TopicLikes {
			return nil, false
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics, true
}

// ServeHTTP は接続をWebSocketにアップグレードし、切断まで配信する。
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics, ok := ParseTopics(r.URL.Query().Get("topics"))
	if !ok {
		http.Error(w, "unknown topic", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: h.logger,
	}

	var subs []model.Subscription
	for _, topic := range topics {
		sub, err := h.subscriber.Subscribe(topic, c.enqueue)
		if err != nil {
			h.logger.Error("failed to subscribe websocket client",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			for _, s := range subs {
				s.Unsubscribe()
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		subs = append(subs, sub)
	}

	h.metrics.RecordRealtimeClients(1)
	h.logger.Debug("websocket client connected", slog.Any("topics", topics))

	go c.writePump()
	c.readPump()

	for _, s := range subs {
		s.Unsubscribe()
	}
	h.metrics.RecordRealtimeClients(-1)
	h.logger.Debug("websocket client disconnected")
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// enqueue は購読ハンドラー。送信バッファが一杯なら接続を閉じる。
func (c *wsClient) enqueue(event model.ChangeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("failed to marshal change event", slog.String("error", err.Error()))
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("websocket client too slow, disconnecting")
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump はクライアントからのメッセージを読み捨て、pongで読み取り期限を延長する。
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump は送信キューのイベントを1メッセージずつ書き込み、定期的にpingを送る。
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
