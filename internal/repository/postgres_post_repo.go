package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hitoshi/chirp/internal/model"
	"github.com/lib/pq"
)

// postSelectQuery は投稿に投稿者名・いいね数・閲覧者のいいね有無を結合して取得するベースクエリ。
// $1 は閲覧者のユーザーID（匿名の場合はNULL）。
const postSelectQuery = `
	SELECT p.id, p.author_id, p.content, p.created_at, p.updated_at,
	       COALESCE(pr.username, '') AS author_username,
	       (SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id) AS like_count,
	       EXISTS (SELECT 1 FROM likes l WHERE l.post_id = p.id AND l.user_id = $1) AS liked_by_viewer
	FROM posts p
	LEFT JOIN profiles pr ON pr.user_id = p.author_id`

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// ListFeed はFeedQueryの条件で投稿をcreated_at降順に取得する。
func (r *PostgresPostRepo) ListFeed(ctx context.Context, q model.FeedQuery) ([]*model.Post, error) {
	query, args := buildFeedQuery(q)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	posts := make([]*model.Post, 0, q.Limit)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("投稿行の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿一覧の走査に失敗しました: %w", err)
	}

	return posts, nil
}

// buildFeedQuery はFeedQueryから動的SQLと引数を組み立てる。
func buildFeedQuery(q model.FeedQuery) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(postSelectQuery)
	sb.WriteString(" WHERE TRUE")

	args := []interface{}{nullString(q.ViewerID)}
	argIndex := 2

	if q.Search != "" {
		fmt.Fprintf(&sb, " AND p.content ILIKE $%d", argIndex)
		args = append(args, "%"+escapeLike(q.Search)+"%")
		argIndex++
	}

	if q.AuthorID != "" {
		fmt.Fprintf(&sb, " AND p.author_id = $%d", argIndex)
		args = append(args, q.AuthorID)
		argIndex++
	}

	// カーソルベースページネーション
	if !q.Before.IsZero() {
		fmt.Fprintf(&sb, " AND p.created_at < $%d", argIndex)
		args = append(args, q.Before)
		argIndex++
	}

	fmt.Fprintf(&sb, " ORDER BY p.created_at DESC, p.id DESC LIMIT $%d", argIndex)
	args = append(args, q.Limit)

	return sb.String(), args
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id, viewerID string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx, postSelectQuery+" WHERE p.id = $2", nullString(viewerID), id)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return post, nil
}

// Create は投稿を作成する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, author_id, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		post.ID, post.AuthorID, post.Content, post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", classifyPQError(err))
	}
	return nil
}

// UpdateContent はidとauthor_idが一致する投稿の本文とupdated_atを更新する。
func (r *PostgresPostRepo) UpdateContent(ctx context.Context, post *model.Post) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET content = $1, updated_at = $2
		 WHERE id = $3 AND author_id = $4`,
		post.Content, post.UpdatedAt, post.ID, post.AuthorID,
	)
	if err != nil {
		return false, fmt.Errorf("投稿の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Delete はidとauthor_idが一致する投稿を削除し、削除件数を返す。
// 関連するlikesはCASCADE削除される。
func (r *PostgresPostRepo) Delete(ctx context.Context, id, authorID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM posts WHERE id = $1 AND author_id = $2`,
		id, authorID,
	)
	if err != nil {
		return 0, fmt.Errorf("投稿の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(s rowScanner) (*model.Post, error) {
	post := &model.Post{}
	if err := s.Scan(
		&post.ID, &post.AuthorID, &post.Content, &post.CreatedAt, &post.UpdatedAt,
		&post.AuthorUsername, &post.LikeCount, &post.LikedByCurrentUser,
	); err != nil {
		return nil, err
	}
	return post, nil
}

// escapeLike はLIKEパターンのメタ文字をエスケープし、入力を文字どおりに一致させる。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// nullString は空文字列をNULLとして扱う。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classifyPQError はPostgreSQLの制約違反をリポジトリのセンチネルエラーに変換する。
func classifyPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrReferenceNotFound, pqErr.Constraint)
		}
	}
	return err
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
