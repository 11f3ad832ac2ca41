// Package model はドメインモデルを定義する。
package model

import "time"

// MaxPostLength は投稿本文の最大文字数（Unicodeコードポイント単位）。
const MaxPostLength = 280

// Post は短文投稿を表す。
// AuthorUsername、LikeCount、LikedByCurrentUserは閲覧者ごとに算出される派生値。
type Post struct {
	ID                 string
	AuthorID           string
	Content            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	AuthorUsername     string
	LikeCount          int
	LikedByCurrentUser bool
}

// IsEdited は投稿が作成後に編集されたかどうかを返す。
func (p *Post) IsEdited() bool {
	return !p.UpdatedAt.Equal(p.CreatedAt)
}

// Like は投稿へのいいねを表す。(PostID, UserID) の組で一意。
type Like struct {
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// OwnerFilter はフィードの投稿者フィルタ種別を表す。
type OwnerFilter string

const (
	// OwnerFilterAll は全ユーザーの投稿を表示するフィルタ。
	OwnerFilterAll OwnerFilter = "all"
	// OwnerFilterMine は閲覧者自身の投稿のみを表示するフィルタ。
	OwnerFilterMine OwnerFilter = "mine"
)

// ParseOwnerFilter は文字列をOwnerFilterに変換する。
// "mine" 以外はすべて "all" として扱う。
func ParseOwnerFilter(s string) OwnerFilter {
	if s == string(OwnerFilterMine) {
		return OwnerFilterMine
	}
	return OwnerFilterAll
}

// FeedQuery はリポジトリに渡すフィード検索条件。
// 空文字列・ゼロ値のフィールドは条件に含めない。
type FeedQuery struct {
	Search   string    // 本文の部分一致（大文字小文字を区別しない）
	AuthorID string    // 投稿者で絞り込む
	Before   time.Time // created_at がこの時刻より前の投稿のみ
	ViewerID string    // LikedByCurrentUser の算出に使う閲覧者
	Limit    int
}
