// Package model はドメインモデルを定義する。
package model

import "time"

// Role はメッセージの発言者を表す。
type Role string

const (
	// RoleUser はユーザーの発言。
	RoleUser Role = "user"
	// RoleAssistant はペルソナの応答。
	RoleAssistant Role = "assistant"
)

// Valid はRoleが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatSession はユーザーに属する会話スレッドを表す。
// UserIDは作成後に変更されない。
type ChatSession struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message はChatSession内の1発言を表す。
type Message struct {
	ID        string
	SessionID string
	UserID    string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// ChatSessionWithMessages はセッションとcreated_at昇順のメッセージを結合したモデル。
type ChatSessionWithMessages struct {
	ChatSession
	Messages []Message
}
