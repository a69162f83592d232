package chat

import (
	"context"
	"fmt"

	"github.com/hitoshi/personachat/internal/model"
	"github.com/hitoshi/personachat/internal/repository"
)

// History はユーザーの会話履歴を取得する。
type History struct {
	sessions repository.ChatSessionRepository
}

// NewHistory はHistoryを生成する。
func NewHistory(sessions repository.ChatSessionRepository) *History {
	return &History{sessions: sessions}
}

// ListSessions はユーザーのセッションを更新日時の新しい順に返す。
// 各セッションのメッセージは作成日時の古い順に並ぶ。
func (h *History) ListSessions(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error) {
	sessions, err := h.sessions.ListByUserIDWithMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return sessions, nil
}
