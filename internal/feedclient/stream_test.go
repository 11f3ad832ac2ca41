package feedclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/chirp/internal/model"
	"github.com/hitoshi/chirp/internal/realtime"
)

func TestReconnectBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := ReconnectBackoff(tt.errors); got != tt.want {
			t.Errorf("ReconnectBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/api/realtime",
		"https://chirp.example.com/": "wss://chirp.example.com/api/realtime",
	}
	for in, want := range tests {
		if got := websocketURL(in); got != want {
			t.Errorf("websocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// realtimeServer はHubの変更通知を /api/realtime で配信するテストサーバーを起動する。
func realtimeServer(t *testing.T) (*httptest.Server, *realtime.Hub, *sync.Map) {
	t.Helper()
	hub := realtime.NewHub(nil)
	var authHeaders sync.Map
	ws := realtime.NewWebSocketHandler(hub, nil, nil, nil)

	r := chi.NewRouter()
	r.Get("/api/realtime", func(w http.ResponseWriter, req *http.Request) {
		authHeaders.Store(req.Header.Get("Authorization"), true)
		ws.ServeHTTP(w, req)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, &authHeaders
}

func runStream(t *testing.T, s *Stream) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Stream.Run did not return after cancel")
		}
	})
}

func waitForHubSubscribers(t *testing.T, hub *realtime.Hub, want int) {
	t.Helper()
	waitFor(t, func() bool {
		return hub.SubscriberCount(model.TopicPosts) == want && hub.SubscriberCount(model.TopicLikes) == want
	}, "websocket subscription was not registered")
}

func TestStream_DeliversEventsByTopic(t *testing.T) {
	srv, hub, auth := realtimeServer(t)
	stream := NewStream(srv.URL, StaticIdentity{UserID: "u1", Token: "tok"})

	posts := make(chan model.ChangeEvent, 4)
	likes := make(chan model.ChangeEvent, 4)
	if _, err := stream.Subscribe(model.TopicPosts, func(e model.ChangeEvent) { posts <- e }); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if _, err := stream.Subscribe(model.TopicLikes, func(e model.ChangeEvent) { likes <- e }); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	runStream(t, stream)
	waitForHubSubscribers(t, hub, 1)

	_ = hub.Publish(context.Background(), model.ChangeEvent{Kind: model.EventPostDeleted, Post: &model.PostChange{ID: "p1"}})
	_ = hub.Publish(context.Background(), model.ChangeEvent{Kind: model.EventLikeInserted, Like: &model.LikeChange{PostID: "p1", UserID: "u2"}})

	select {
	case e := <-posts:
		if e.Kind != model.EventPostDeleted || e.Post.ID != "p1" {
			t.Errorf("posts event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("posts event not received")
	}
	select {
	case e := <-likes:
		if e.Kind != model.EventLikeInserted || e.Like.UserID != "u2" {
			t.Errorf("likes event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("likes event not received")
	}

	if _, ok := auth.Load("Bearer tok"); !ok {
		t.Error("stream did not send the bearer token")
	}
}

func TestStream_ReconnectsAndResumes(t *testing.T) {
	hub := realtime.NewHub(nil)
	ws := realtime.NewWebSocketHandler(hub, nil, nil, nil)
	upgrader := websocket.Upgrader{}

	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 最初の接続だけ確立直後に切断する
		if connections.Add(1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err == nil {
				conn.Close()
			}
			return
		}
		ws.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	resumed := make(chan struct{}, 1)
	stream := NewStream(srv.URL, nil,
		WithBackoff(func(int) time.Duration { return 10 * time.Millisecond }),
		WithResumeHook(func() {
			select {
			case resumed <- struct{}{}:
			default:
			}
		}),
	)
	runStream(t, stream)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not reconnect")
	}
	waitForHubSubscribers(t, hub, 1)
	if n := connections.Load(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestStream_Subscribe(t *testing.T) {
	stream := NewStream("http://localhost", nil)

	if _, err := stream.Subscribe("users", func(model.ChangeEvent) {}); err == nil {
		t.Error("Subscribe to unknown topic returned nil error")
	}
	if _, err := stream.Subscribe(model.TopicPosts, nil); err == nil {
		t.Error("Subscribe with nil handler returned nil error")
	}

	sub, err := stream.Subscribe(model.TopicPosts, func(model.ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if n := stream.SubscriberCount(model.TopicPosts); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()
	if n := stream.SubscriberCount(model.TopicPosts); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

// Stream経由の変更通知がMergerを通してStoreに反映される。
func TestStream_FeedsMerger(t *testing.T) {
	srv, hub, _ := realtimeServer(t)
	p := testPost("p1", 1)
	store := loadedStore(t, &mockAPI{}, "u1", p)

	stream := NewStream(srv.URL, StaticIdentity{UserID: "u1"})
	merger := NewMerger(store)
	if err := merger.Start(stream); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(merger.Stop)
	runStream(t, stream)
	waitForHubSubscribers(t, hub, 1)

	_ = hub.Publish(context.Background(), model.ChangeEvent{Kind: model.EventLikeInserted, Like: &model.LikeChange{PostID: "p1", UserID: "u2"}})

	waitFor(t, func() bool { return findPost(t, store.Snapshot(), "p1").LikeCount == 1 }, "like event was not applied")
}
