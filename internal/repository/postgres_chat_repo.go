package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/personachat/internal/model"
)

// PostgresChatSessionRepo はPostgreSQLを使用したチャットセッションリポジトリ。
type PostgresChatSessionRepo struct {
	db *sql.DB
}

// NewPostgresChatSessionRepo はPostgresChatSessionRepoを生成する。
func NewPostgresChatSessionRepo(db *sql.DB) *PostgresChatSessionRepo {
	return &PostgresChatSessionRepo{db: db}
}

// Create はチャットセッションを作成する。
func (r *PostgresChatSessionRepo) Create(ctx context.Context, session *model.ChatSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.Name, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create chat session: %w", err)
	}
	return nil
}

// FindByIDAndUserID は指定ユーザーが所有するチャットセッションを取得する。
// 見つからない場合はnilを返す。
func (r *PostgresChatSessionRepo) FindByIDAndUserID(ctx context.Context, id, userID string) (*model.ChatSession, error) {
	s := &model.ChatSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at
		 FROM chat_sessions
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat session: %w", err)
	}
	return s, nil
}

// ListByUserIDWithMessages はユーザーのチャットセッションをupdated_at降順で返す。
// メッセージはセッションID配列で一括取得し、created_at昇順で各セッションに割り当てる。
func (r *PostgresChatSessionRepo) ListByUserIDWithMessages(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at
		 FROM chat_sessions
		 WHERE user_id = $1
		 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.ChatSessionWithMessages{}
	index := make(map[string]int)
	var ids []string
	for rows.Next() {
		var s model.ChatSessionWithMessages
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		s.Messages = []model.Message{}
		index[s.ID] = len(sessions)
		ids = append(ids, s.ID)
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat sessions: %w", err)
	}

	if len(ids) == 0 {
		return sessions, nil
	}

	msgRows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, created_at
		 FROM messages
		 WHERE session_id = ANY($1::uuid[])
		 ORDER BY created_at ASC, id ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var m model.Message
		var role string
		if err := msgRows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		if i, ok := index[m.SessionID]; ok {
			sessions[i].Messages = append(sessions[i].Messages, m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return sessions, nil
}

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create はメッセージを作成し、親チャットセッションのupdated_atを更新する。
func (r *PostgresMessageRepo) Create(ctx context.Context, message *model.Message) error {
	if !message.Role.Valid() {
		return fmt.Errorf("invalid message role: %q", message.Role)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, user_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		message.ID, message.SessionID, message.UserID, string(message.Role), message.Content, message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = $2 WHERE id = $1`,
		message.SessionID, message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch chat session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface checks
var (
	_ ChatSessionRepository = (*PostgresChatSessionRepo)(nil)
	_ MessageRepository     = (*PostgresMessageRepo)(nil)
)
