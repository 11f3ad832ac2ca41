// Package realtime は投稿・いいねの変更通知の配信を提供する。
//
// Hub はプロセス内のトピック単位pub/sub、RedisBroker は複数インスタンス間の中継、
// PostgresListener はデータベーストリガーの通知の取り込み、
// WebSocketHandler はブラウザやクライアントSDKへの配信を担う。
package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/model"
)

// ErrInvalidEvent は種別とペイロードが整合しない変更通知を表す。
var ErrInvalidEvent = errors.New("realtime: invalid change event")

// Hub はプロセス内で変更通知を配信するpub/sub。
// ハンドラーはPublishの呼び出し元ゴルーチンで登録順に同期実行されるため、ブロックしてはならない。
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	topics  map[string]map[uint64]model.EventHandler
	metrics metrics.MetricsCollector
}

// NewHub はHubを生成する。metricsはnilでもよい。
func NewHub(m metrics.MetricsCollector) *Hub {
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Hub{
		topics:  make(map[string]map[uint64]model.EventHandler),
		metrics: m,
	}
}

// Publish はイベントのトピックを購読している全ハンドラーへ配信する。
func (h *Hub) Publish(_ context.Context, event model.ChangeEvent) error {
	if !event.Valid() {
		return ErrInvalidEvent
	}

	h.mu.RLock()
	subs := h.topics[event.Topic()]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	handlers := make([]model.EventHandler, 0, len(subs))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, subs[id])
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	h.metrics.RecordEventPublished(string(event.Kind))
	return nil
}

// Subscribe はトピックの変更通知を購読する。
func (h *Hub) Subscribe(topic string, handler model.EventHandler) (model.Subscription, error) {
	if handler == nil {
		return nil, errors.New("realtime: handler is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]model.EventHandler)
	}
	h.topics[topic][id] = handler

	return &hubSubscription{hub: h, topic: topic, id: id}, nil
}

// SubscriberCount はトピックの購読数を返す。
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[topic], id)
	if len(h.topics[topic]) == 0 {
		delete(h.topics, topic)
	}
}

type hubSubscription struct {
	hub   *Hub
	topic string
	id    uint64
	once  sync.Once
}

// Unsubscribe は購読を解除する。複数回呼んでもよい。
func (s *hubSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s.topic, s.id)
	})
}

var (
	_ model.EventPublisher  = (*Hub)(nil)
	_ model.EventSubscriber = (*Hub)(nil)
)
