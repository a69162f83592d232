// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/personachat/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はupstream_user_idをキーにユーザーを作成または更新する。
	// 既存行がある場合はトークンとプロフィールを上書きし、IDとcreated_atは維持する。
	// 同時初回ログインでも1行に収まるよう、単一のINSERT ... ON CONFLICTで実行する。
	Upsert(ctx context.Context, user *model.User) (*model.User, error)

	// UpdateTokens はアクセストークン、リフレッシュトークン、有効期限を更新する。
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*model.User, error)
}

// SessionRepository はログインセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ChatSessionRepository は会話スレッドの永続化インターフェース。
type ChatSessionRepository interface {
	// Create はチャットセッションを作成する。
	Create(ctx context.Context, session *model.ChatSession) error

	// FindByIDAndUserID は指定ユーザーが所有するチャットセッションを取得する。
	// 見つからない場合、または他ユーザーの所有である場合はnilを返す。
	FindByIDAndUserID(ctx context.Context, id, userID string) (*model.ChatSession, error)

	// ListByUserIDWithMessages はユーザーのチャットセッションをupdated_at降順で返す。
	// 各セッションのメッセージはcreated_at昇順で含まれる。
	ListByUserIDWithMessages(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error)
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを作成し、親チャットセッションのupdated_atを同一トランザクションで更新する。
	Create(ctx context.Context, message *model.Message) error
}
