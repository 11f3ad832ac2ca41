package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chirp/internal/model"
)

// recordingPublisher は発行されたイベントを記録するEventPublisher。
type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e model.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *MemoryStore, id, email, username string) {
	t.Helper()
	err := s.Users().CreateWithProfile(context.Background(),
		&model.User{ID: id, Email: email, CreatedAt: baseTime, UpdatedAt: baseTime},
		&model.Profile{UserID: id, Username: username, CreatedAt: baseTime},
	)
	if err != nil {
		t.Fatalf("CreateWithProfile(%s) returned error: %v", id, err)
	}
}

func seedPost(t *testing.T, s *MemoryStore, id, authorID, content string, minutes int) {
	t.Helper()
	at := baseTime.Add(time.Duration(minutes) * time.Minute)
	err := s.Posts().Create(context.Background(), &model.Post{
		ID: id, AuthorID: authorID, Content: content, CreatedAt: at, UpdatedAt: at,
	})
	if err != nil {
		t.Fatalf("Create(%s) returned error: %v", id, err)
	}
}

func ids(posts []*model.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryUserRepo_CreateAndFind(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "Alice@Example.com", "alice")

	u, err := s.Users().FindByEmail(ctx, "alice@example.com")
	if err != nil || u == nil || u.ID != "u1" {
		t.Fatalf("FindByEmail = %+v, %v; want u1", u, err)
	}

	err = s.Users().CreateWithProfile(ctx,
		&model.User{ID: "u2", Email: "ALICE@example.com"},
		&model.Profile{UserID: "u2", Username: "other"},
	)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate email error = %v, want ErrDuplicate", err)
	}

	missing, err := s.Users().FindByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("FindByID(nope) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestMemoryProfileRepo_Create(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")

	// 既存プロフィールは上書きしない
	if err := s.Profiles().Create(ctx, &model.Profile{UserID: "u1", Username: "renamed"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	p, _ := s.Profiles().FindByUserID(ctx, "u1")
	if p == nil || p.Username != "alice" {
		t.Errorf("profile = %+v, want username alice", p)
	}

	err := s.Profiles().Create(ctx, &model.Profile{UserID: "ghost", Username: "ghost"})
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("Create for unknown user error = %v, want ErrReferenceNotFound", err)
	}
}

func TestMemoryPostRepo_ListFeed(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedUser(t, s, "u2", "b@example.com", "bob")
	seedPost(t, s, "p1", "u1", "Hello world", 1)
	seedPost(t, s, "p2", "u2", "hello bob", 2)
	seedPost(t, s, "p3", "u1", "goodbye", 3)
	seedPost(t, s, "p4", "u2", "100% done", 4)

	tests := []struct {
		name  string
		query model.FeedQuery
		want  []string
	}{
		{"all newest first", model.FeedQuery{Limit: 10}, []string{"p4", "p3", "p2", "p1"}},
		{"limit", model.FeedQuery{Limit: 2}, []string{"p4", "p3"}},
		{"before cursor", model.FeedQuery{Before: baseTime.Add(3 * time.Minute), Limit: 10}, []string{"p2", "p1"}},
		{"author", model.FeedQuery{AuthorID: "u1", Limit: 10}, []string{"p3", "p1"}},
		{"search ignores case", model.FeedQuery{Search: "HELLO", Limit: 10}, []string{"p2", "p1"}},
		{"search is literal", model.FeedQuery{Search: "%", Limit: 10}, []string{"p4"}},
		{"search and author", model.FeedQuery{Search: "hello", AuthorID: "u2", Limit: 10}, []string{"p2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts, err := s.Posts().ListFeed(ctx, tt.query)
			if err != nil {
				t.Fatalf("ListFeed returned error: %v", err)
			}
			if got := ids(posts); !equalStrings(got, tt.want) {
				t.Errorf("ListFeed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryPostRepo_DecoratesForViewer(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedUser(t, s, "u2", "b@example.com", "bob")
	seedPost(t, s, "p1", "u1", "hello", 1)
	for _, uid := range []string{"u1", "u2"} {
		if err := s.Likes().Create(ctx, &model.Like{PostID: "p1", UserID: uid, CreatedAt: baseTime}); err != nil {
			t.Fatalf("Like by %s returned error: %v", uid, err)
		}
	}

	tests := []struct {
		viewer    string
		wantLiked bool
	}{
		{"", false},
		{"u2", true},
		{"u3", false},
	}
	for _, tt := range tests {
		p, err := s.Posts().FindByID(ctx, "p1", tt.viewer)
		if err != nil || p == nil {
			t.Fatalf("FindByID returned %+v, %v", p, err)
		}
		if p.AuthorUsername != "alice" || p.LikeCount != 2 || p.LikedByCurrentUser != tt.wantLiked {
			t.Errorf("viewer %q: got username=%q count=%d liked=%v", tt.viewer, p.AuthorUsername, p.LikeCount, p.LikedByCurrentUser)
		}
	}
}

func TestMemoryPostRepo_UpdateAndDeleteRequireAuthor(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedPost(t, s, "p1", "u1", "hello", 1)

	ok, err := s.Posts().UpdateContent(ctx, &model.Post{ID: "p1", AuthorID: "u2", Content: "x", UpdatedAt: baseTime.Add(time.Hour)})
	if err != nil || ok {
		t.Errorf("UpdateContent by non-author = %v, %v; want false, nil", ok, err)
	}
	ok, err = s.Posts().UpdateContent(ctx, &model.Post{ID: "p1", AuthorID: "u1", Content: "edited", UpdatedAt: baseTime.Add(time.Hour)})
	if err != nil || !ok {
		t.Fatalf("UpdateContent by author = %v, %v; want true, nil", ok, err)
	}
	p, _ := s.Posts().FindByID(ctx, "p1", "")
	if p.Content != "edited" || !p.IsEdited() {
		t.Errorf("post after update = %+v", p)
	}

	n, err := s.Posts().Delete(ctx, "p1", "u2")
	if err != nil || n != 0 {
		t.Errorf("Delete by non-author = %d, %v; want 0, nil", n, err)
	}
	n, err = s.Posts().Delete(ctx, "p1", "u1")
	if err != nil || n != 1 {
		t.Errorf("Delete by author = %d, %v; want 1, nil", n, err)
	}

	want := []model.EventKind{model.EventPostInserted, model.EventPostUpdated, model.EventPostDeleted}
	got := pub.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMemoryPostRepo_CreateErrors(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedPost(t, s, "p1", "u1", "hello", 1)

	err := s.Posts().Create(ctx, &model.Post{ID: "p2", AuthorID: "ghost", Content: "x"})
	if !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("unknown author error = %v, want ErrReferenceNotFound", err)
	}
	err = s.Posts().Create(ctx, &model.Post{ID: "p1", AuthorID: "u1", Content: "x"})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate id error = %v, want ErrDuplicate", err)
	}
}

func TestMemoryLikeRepo(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewMemoryStore(pub)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedPost(t, s, "p1", "u1", "hello", 1)
	like := &model.Like{PostID: "p1", UserID: "u1", CreatedAt: baseTime}

	if err := s.Likes().Create(ctx, like); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := s.Likes().Create(ctx, like); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Create error = %v, want ErrDuplicate", err)
	}
	if err := s.Likes().Create(ctx, &model.Like{PostID: "missing", UserID: "u1"}); !errors.Is(err, ErrReferenceNotFound) {
		t.Errorf("Create on missing post error = %v, want ErrReferenceNotFound", err)
	}

	if err := s.Likes().Delete(ctx, "p1", "u1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	// 存在しないいいねの削除は成功扱いでイベントも出さない
	if err := s.Likes().Delete(ctx, "p1", "u1"); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}

	want := []model.EventKind{model.EventPostInserted, model.EventLikeInserted, model.EventLikeDeleted}
	got := pub.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMemoryUserRepo_DeleteCascades(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	seedUser(t, s, "u1", "a@example.com", "alice")
	seedUser(t, s, "u2", "b@example.com", "bob")
	seedPost(t, s, "p1", "u1", "alice post", 1)
	seedPost(t, s, "p2", "u2", "bob post", 2)
	mustLike := func(postID, userID string) {
		t.Helper()
		if err := s.Likes().Create(ctx, &model.Like{PostID: postID, UserID: userID, CreatedAt: baseTime}); err != nil {
			t.Fatalf("Like returned error: %v", err)
		}
	}
	mustLike("p1", "u2")
	mustLike("p2", "u1")
	if err := s.Sessions().Create(ctx, &model.Session{ID: "s1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("session Create returned error: %v", err)
	}

	if err := s.Users().DeleteByID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByID returned error: %v", err)
	}

	if p, _ := s.Profiles().FindByUserID(ctx, "u1"); p != nil {
		t.Error("profile was not deleted")
	}
	if sess, _ := s.Sessions().FindByID(ctx, "s1"); sess != nil {
		t.Error("session was not deleted")
	}
	if p, _ := s.Posts().FindByID(ctx, "p1", ""); p != nil {
		t.Error("authored post was not deleted")
	}
	p2, _ := s.Posts().FindByID(ctx, "p2", "")
	if p2 == nil || p2.LikeCount != 0 {
		t.Errorf("bob's post = %+v, want like removed", p2)
	}
	// 削除された投稿に付いていたいいねは残らない
	s.mu.RLock()
	remaining := len(s.likes)
	s.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("likes remaining = %d, want 0", remaining)
	}

	if err := s.Users().DeleteByID(ctx, "u1"); err == nil {
		t.Error("deleting a missing user returned nil error")
	}
}

func TestMemorySessionRepo_Expiry(t *testing.T) {
	s := NewMemoryStore(nil)
	now := baseTime
	s.now = func() time.Time { return now }
	ctx := context.Background()
	repo := s.Sessions()

	sessions := []*model.Session{
		{ID: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour)},
		{ID: "expired", UserID: "u1", ExpiresAt: now.Add(-time.Minute)},
		{ID: "edge", UserID: "u2", ExpiresAt: now},
	}
	for _, sess := range sessions {
		if err := repo.Create(ctx, sess); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	if got, _ := repo.FindByID(ctx, "expired"); got != nil {
		t.Error("FindByID returned an expired session")
	}
	if got, _ := repo.FindByID(ctx, "live"); got == nil {
		t.Error("FindByID did not return a live session")
	}

	n, err := repo.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired returned error: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteExpired = %d, want 2", n)
	}

	if err := repo.DeleteByUserID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByUserID returned error: %v", err)
	}
	if got, _ := repo.FindByID(ctx, "live"); got != nil {
		t.Error("DeleteByUserID left a session behind")
	}
}
