package model

import (
	"context"
	"time"
)

// 変更通知のトピック
const (
	TopicPosts = "posts"
	TopicLikes = "likes"
)

// EventKind は変更通知の種別を表す。
type EventKind string

const (
	EventPostInserted EventKind = "post_inserted"
	EventPostUpdated  EventKind = "post_updated"
	EventPostDeleted  EventKind = "post_deleted"
	EventLikeInserted EventKind = "like_inserted"
	EventLikeDeleted  EventKind = "like_deleted"
)

// PostChange は投稿テーブルの変更行。集計値は含まない。
type PostChange struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LikeChange はいいねテーブルの変更行。
type LikeChange struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChangeEvent はストレージで発生した1件の変更通知。
// Kindに応じてPostまたはLikeのどちらか一方が設定される。
type ChangeEvent struct {
	Kind EventKind   `json:"kind"`
	Post *PostChange `json:"post,omitempty"`
	Like *LikeChange `json:"like,omitempty"`
}

// Topic はイベントの配信先トピックを返す。
func (e ChangeEvent) Topic() string {
	switch e.Kind {
	case EventLikeInserted, EventLikeDeleted:
		return TopicLikes
	default:
		return TopicPosts
	}
}

// Valid はKindとペイロードの組み合わせが正しいかを返す。
func (e ChangeEvent) Valid() bool {
	switch e.Kind {
	case EventPostInserted, EventPostUpdated, EventPostDeleted:
		return e.Post != nil && e.Post.ID != ""
	case EventLikeInserted, EventLikeDeleted:
		return e.Like != nil && e.Like.PostID != "" && e.Like.UserID != ""
	default:
		return false
	}
}

// EventHandler は変更通知を受け取るコールバック。
type EventHandler func(ChangeEvent)

// Subscription は購読の解除ハンドル。
type Subscription interface {
	Unsubscribe()
}

// EventSubscriber はトピック単位で変更通知を購読する。
type EventSubscriber interface {
	Subscribe(topic string, handler EventHandler) (Subscription, error)
}

// EventPublisher は変更通知を配信する。
type EventPublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}
