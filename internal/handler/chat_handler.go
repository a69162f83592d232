package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/personachat/internal/chat"
	"github.com/hitoshi/personachat/internal/model"
)

// ChatRelay はチャットハンドラーが必要とするリレーのインターフェース。
type ChatRelay interface {
	HandleTurn(ctx context.Context, user *model.User, message, sessionID string, sink chat.EventSink) error
}

// SessionLister は会話履歴を取得するインターフェース。
type SessionLister interface {
	ListSessions(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error)
}

// ChatHandler はチャットと会話履歴のHTTPハンドラー。
type ChatHandler struct {
	relay   ChatRelay
	history SessionLister
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(relay ChatRelay, history SessionLister) *ChatHandler {
	return &ChatHandler{relay: relay, history: history}
}

// chatRequest はチャットリクエストのボディ。
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionResponse struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	SessionName string            `json:"sessionName"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Messages    []messageResponse `json:"messages"`
}

// Chat はユーザーのメッセージをペルソナへ中継し、応答をイベントストリームで返す。
// POST /api/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	sink := newSSESink(w)
	err := h.relay.HandleTurn(r.Context(), user, req.Message, req.SessionID, sink)
	if err == nil {
		return
	}
	if sink.started {
		slog.Error("chat turn failed after stream started", slog.String("error", err.Error()))
		return
	}
	if errors.Is(err, chat.ErrEmptyMessage) {
		writeAPIErrorResponse(w, model.NewValidationError("Message is required"))
		return
	}
	handleServiceError(w, err, model.NewInternalError("Chat request failed"))
}

// ListSessions はユーザーの会話履歴を返す。
// GET /api/sessions
func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	sessions, err := h.history.ListSessions(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err, model.NewInternalError("Failed to fetch sessions"))
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	writeData(w, resp)
}

func toSessionResponse(s model.ChatSessionWithMessages) sessionResponse {
	messages := make([]messageResponse, 0, len(s.Messages))
	for _, m := range s.Messages {
		messages = append(messages, messageResponse{
			ID:        m.ID,
			SessionID: m.SessionID,
			UserID:    m.UserID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return sessionResponse{
		ID:          s.ID,
		UserID:      s.UserID,
		SessionName: s.Name,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Messages:    messages,
	}
}

// sseSink はchat.Eventを "data: <json>\n\n" 形式で書き込むEventSink。
// ヘッダーは最初のイベント送信時に確定する。
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

// Send は1イベントを書き込みフラッシュする。
func (s *sseSink) Send(event chat.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		// ストリームはサーバーのWriteTimeoutを超えて続くことがある
		if err := s.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			slog.Debug("failed to clear write deadline", slog.String("error", err.Error()))
		}
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

// compile-time interface check
var _ chat.EventSink = (*sseSink)(nil)
