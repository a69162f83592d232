package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/personachat/internal/model"
)

const userColumns = `id, upstream_user_id, access_token, refresh_token, token_expires_at, name, avatar, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// Upsert はupstream_user_idをキーにユーザーを作成または更新する。
// user.IDは新規作成時のみ使われ、既存行のIDは変わらない。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) (*model.User, error) {
	saved, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, upstream_user_id, access_token, refresh_token, token_expires_at, name, avatar, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (upstream_user_id) DO UPDATE SET
			access_token     = EXCLUDED.access_token,
			refresh_token    = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			name             = EXCLUDED.name,
			avatar           = EXCLUDED.avatar,
			updated_at       = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		user.ID, user.UpstreamUserID, user.AccessToken, user.RefreshToken,
		user.TokenExpiresAt, user.Name, user.Avatar, user.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return saved, nil
}

// UpdateTokens はトークン一式を更新し、更新後のユーザーを返す。
func (r *PostgresUserRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, accessToken, refreshToken, expiresAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user tokens: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.UpstreamUserID, &u.AccessToken, &u.RefreshToken,
		&u.TokenExpiresAt, &u.Name, &u.Avatar, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
