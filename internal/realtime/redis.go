package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/chirp/internal/metrics"
	"github.com/hitoshi/chirp/internal/model"
)

// redisChannelPrefix はトピックをRedisチャネル名に変換する接頭辞。
const redisChannelPrefix = "chirp:"

// RedisBroker はRedis pub/subで変更通知をインスタンス間に中継する。
// workerのPostgresListenerが発行し、各APIサーバーが購読してローカルのHubへ流す。
type RedisBroker struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewRedisBroker はRedisBrokerを生成する。
func NewRedisBroker(client *redis.Client, logger *slog.Logger, m metrics.MetricsCollector) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &RedisBroker{client: client, logger: logger, metrics: m}
}

// NewRedisClient はREDIS_URLからクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// ChannelName はトピックに対応するRedisチャネル名を返す。
func ChannelName(topic string) string {
	return redisChannelPrefix + topic
}

// Publish はイベントをトピックのチャネルへJSONで発行する。
func (b *RedisBroker) Publish(ctx context.Context, event model.ChangeEvent) error {
	if !event.Valid() {
		return ErrInvalidEvent
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, ChannelName(event.Topic()), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	b.metrics.RecordEventPublished(string(event.Kind))
	return nil
}

// Subscribe はトピックのチャネルを購読し、受信したイベントをhandlerへ渡す。
// 購読の確立を待ってから戻る。
func (b *RedisBroker) Subscribe(topic string, handler model.EventHandler) (model.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, ChannelName(topic))

	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel %s: %w", ChannelName(topic), err)
	}

	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event model.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || !event.Valid() {
					b.logger.Warn("dropping malformed redis message",
						slog.String("channel", msg.Channel),
					)
					continue
				}
				handler(event)
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe は購読を終了し、受信ゴルーチンの終了を待つ。
func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		<-s.done
	})
}

var (
	_ model.EventPublisher  = (*RedisBroker)(nil)
	_ model.EventSubscriber = (*RedisBroker)(nil)
)
