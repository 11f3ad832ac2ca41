// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hitoshi/chirp/internal/model"
)

var (
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrReferenceNotFound は外部キーの参照先が存在しないことを表す。
	ErrReferenceNotFound = errors.New("repository: referenced row not found")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithProfile はユーザーとプロフィールを同一トランザクションで作成する。
	// メールアドレスが重複する場合はErrDuplicateを返す。
	CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するprofiles、posts、likes、sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// Create はプロフィールを作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, profile *model.Profile) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// PostRepository は投稿データの永続化インターフェース。
// 取得系は投稿者名、いいね数、閲覧者のいいね有無を結合して返す。
type PostRepository interface {
	// ListFeed はFeedQueryの条件で投稿をcreated_at降順に取得する。
	ListFeed(ctx context.Context, q model.FeedQuery) ([]*model.Post, error)

	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, viewerID string) (*model.Post, error)

	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// UpdateContent はidとauthor_idが一致する投稿の本文とupdated_atを更新する。
	// 一致する行がない場合はfalseを返す。
	UpdateContent(ctx context.Context, post *model.Post) (bool, error)

	// Delete はidとauthor_idが一致する投稿を削除し、削除件数を返す。
	Delete(ctx context.Context, id, authorID string) (int64, error)
}

// LikeRepository はいいねの永続化インターフェース。
type LikeRepository interface {
	// Create はいいねを作成する。
	// 既に存在する場合はErrDuplicate、投稿が存在しない場合はErrReferenceNotFoundを返す。
	Create(ctx context.Context, like *model.Like) error

	// Delete は指定のいいねを削除する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, postID, userID string) error

	// DeleteByUserID はユーザーの全いいねを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
