package feedclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/chirp/internal/model"
)

const (
	streamPath        = "/api/realtime"
	streamReadWait    = 90 * time.Second
	streamWriteWait   = 10 * time.Second
	initialReconnect  = time.Second
	maxReconnectDelay = 30 * time.Second
)

// ReconnectBackoff は連続失敗回数に基づく再接続までの待ち時間を返す。
// 初回1秒、2倍ずつ増加、最大30秒。
func ReconnectBackoff(consecutiveErrors int) time.Duration {
	delay := initialReconnect
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}

// Stream はWebSocketで変更通知を受信し、トピックごとの購読者へ配信する。
// 接続が切れた場合は指数バックオフで再接続する。
type Stream struct {
	url      string
	identity Identity
	dialer   *websocket.Dialer
	logger   *slog.Logger
	backoff  func(int) time.Duration

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]model.EventHandler
	onResume func()
}

// StreamOption はStreamの任意設定。
type StreamOption func(*Stream)

// WithStreamLogger はロガーを設定する。
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// WithResumeHook は再接続が成功するたびに呼ばれる関数を設定する。
// 切断中に取りこぼした変更を読み直すために使う。
func WithResumeHook(fn func()) StreamOption {
	return func(s *Stream) { s.onResume = fn }
}

// WithBackoff は再接続の待ち時間の計算を差し替える。
func WithBackoff(fn func(int) time.Duration) StreamOption {
	return func(s *Stream) { s.backoff = fn }
}

// NewStream はStreamを生成する。baseURLはClientと同じAPIのオリジン。
func NewStream(baseURL string, identity Identity, opts ...StreamOption) *Stream {
	if identity == nil {
		identity = StaticIdentity{}
	}
	s := &Stream{
		url:      websocketURL(baseURL),
		identity: identity,
		dialer:   &websocket.Dialer{HandshakeTimeout: streamWriteWait},
		logger:   slog.Default(),
		backoff:  ReconnectBackoff,
		handlers: make(map[string]map[uint64]model.EventHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func websocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + streamPath
}

// Subscribe はトピックの変更通知を購読する。接続前に呼んでもよい。
func (s *Stream) Subscribe(topic string, handler model.EventHandler) (model.Subscription, error) {
	if handler == nil {
		return nil, errors.New("feedclient: handler is required")
	}
	if topic != model.TopicPosts && topic != model.TopicLikes {
		return nil, errors.New("feedclient: unknown topic " + topic)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.handlers[topic] == nil {
		s.handlers[topic] = make(map[uint64]model.EventHandler)
	}
	s.handlers[topic][id] = handler
	return &streamSubscription{stream: s, topic: topic, id: id}, nil
}

// Run はctxが終了するまで接続と再接続を繰り返す。
func (s *Stream) Run(ctx context.Context) error {
	consecutiveErrors := 0
	connected := false
	for {
		err := s.connect(ctx, func() {
			if connected && s.onResume != nil {
				s.onResume()
			}
			connected = true
			consecutiveErrors = 0
		})
		if ctx.Err() != nil {
			return nil
		}

		delay := s.backoff(consecutiveErrors)
		consecutiveErrors++
		s.logger.Warn("realtime stream disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connect は1回分の接続を確立し、切断されるまで受信を続ける。
func (s *Stream) connect(ctx context.Context, onConnected func()) error {
	header := http.Header{}
	if token, ok := s.identity.CurrentToken(); ok {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})

	s.logger.Debug("realtime stream connected", slog.String("url", s.url))
	onConnected()

	for {
		var event model.ChangeEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		if !event.Valid() {
			s.logger.Debug("invalid realtime event dropped", slog.String("kind", string(event.Kind)))
			continue
		}
		s.dispatch(event)
	}
}

// dispatch は購読の登録順にハンドラーを呼び出す。
func (s *Stream) dispatch(event model.ChangeEvent) {
	s.mu.RLock()
	subs := s.handlers[event.Topic()]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]model.EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount はトピックの購読数を返す。
func (s *Stream) SubscriberCount(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[topic])
}

type streamSubscription struct {
	stream *Stream
	topic  string
	id     uint64
	once   sync.Once
}

// Unsubscribe は購読を解除する。複数回呼んでもよい。
func (sub *streamSubscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.stream.mu.Lock()
		defer sub.stream.mu.Unlock()
		delete(sub.stream.handlers[sub.topic], sub.id)
	})
}

func errString(err error) string {
	if err == nil {
		return "closed by server"
	}
	return err.Error()
}

var _ model.EventSubscriber = (*Stream)(nil)
