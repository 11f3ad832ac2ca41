package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chirp/internal/model"
)

// PostgresLikeRepo はPostgreSQLを使用したいいねリポジトリ。
type PostgresLikeRepo struct {
	db *sql.DB
}

// NewPostgresLikeRepo はPostgresLikeRepoを生成する。
func NewPostgresLikeRepo(db *sql.DB) *PostgresLikeRepo {
	return &PostgresLikeRepo{db: db}
}

// Create はいいねを作成する。
// 主キー(post_id, user_id)の重複はErrDuplicate、投稿の不在はErrReferenceNotFoundとして返す。
func (r *PostgresLikeRepo) Create(ctx context.Context, like *model.Like) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO likes (post_id, user_id, created_at) VALUES ($1, $2, $3)`,
		like.PostID, like.UserID, like.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("いいねの作成に失敗しました: %w", classifyPQError(err))
	}
	return nil
}

// Delete は指定のいいねを削除する。存在しなくてもエラーにしない。
func (r *PostgresLikeRepo) Delete(ctx context.Context, postID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM likes WHERE post_id = $1 AND user_id = $2`,
		postID, userID,
	)
	if err != nil {
		return fmt.Errorf("いいねの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteByUserID はユーザーの全いいねを削除する。
func (r *PostgresLikeRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM likes WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user likes: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LikeRepository = (*PostgresLikeRepo)(nil)
