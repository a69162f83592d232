// Package chat はペルソナとのストリーミングチャットの中継と会話履歴を提供する。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/personachat/internal/metrics"
	"github.com/hitoshi/personachat/internal/model"
	"github.com/hitoshi/personachat/internal/persona"
	"github.com/hitoshi/personachat/internal/repository"
)

// ErrEmptyMessage はメッセージが空または空白のみの場合のエラー。
var ErrEmptyMessage = errors.New("message is required")

// ストリーム内で返すエラーメッセージ。
const (
	errTextUpstream  = "Chat API request failed"
	errTextStreaming = "Streaming failed"
	errTextSaveReply = "Failed to save reply"
)

// defaultStreamTimeout はStreamTimeout未設定時の上限時間。
const defaultStreamTimeout = 5 * time.Minute

// sessionNameLayout は自動作成するセッション名の日時書式。
const sessionNameLayout = "2006/1/2 15:04:05"

// Event はクライアントへ送るストリームイベント。
// チャンク、完了、エラーのいずれか1種類だけが設定される。
type Event struct {
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// EventSink はイベントの送信先。クライアント切断後はエラーを返す。
type EventSink interface {
	Send(event Event) error
}

// ChatClient はストリーミングチャットを開始する上流クライアント。
type ChatClient interface {
	StreamChat(ctx context.Context, accessToken, message string) (persona.ChatStream, error)
}

// RelayConfig はリレーの設定。
type RelayConfig struct {
	// StreamTimeout は上流ストリーム1回あたりの上限時間。
	StreamTimeout time.Duration
}

// Relay は1ターン分のチャットを上流へ中継し、発言を永続化する。
type Relay struct {
	client   ChatClient
	sessions repository.ChatSessionRepository
	messages repository.MessageRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   RelayConfig

	now   func() time.Time
	newID func() string
}

// NewRelay はRelayを生成する。
func NewRelay(
	client ChatClient,
	sessions repository.ChatSessionRepository,
	messages repository.MessageRepository,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	config RelayConfig,
) *Relay {
	if m == nil {
		m = metrics.Nop{}
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = defaultStreamTimeout
	}
	return &Relay{
		client:   client,
		sessions: sessions,
		messages: messages,
		metrics:  m,
		logger:   logger,
		config:   config,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// HandleTurn はユーザーの発言を保存し、上流の応答をチャンク単位でsinkへ転送する。
//
// セッション解決とユーザー発言の保存に失敗した場合はsinkに何も送らずエラーを返す。
// 上流呼び出し以降の失敗はエラーイベントとしてsinkへ送り、nilを返す。
// いずれの場合も完了イベントかエラーイベントのどちらか1つだけが最後に送られる。
// 上流との通信はクライアントの切断とは独立に最後まで続け、応答を保存する。
func (r *Relay) HandleTurn(ctx context.Context, user *model.User, message, sessionID string, sink EventSink) error {
	if strings.TrimSpace(message) == "" {
		return ErrEmptyMessage
	}

	session, err := r.resolveSession(ctx, user.ID, sessionID)
	if err != nil {
		return err
	}

	if err := r.saveMessage(ctx, session, model.RoleUser, message); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.StreamTimeout)
	defer cancel()

	t := &turn{relay: r, sink: sink, userID: user.ID, sessionID: session.ID}

	stream, err := r.client.StreamChat(streamCtx, user.AccessToken, message)
	if err != nil {
		var statusErr *persona.StatusError
		if errors.As(err, &statusErr) {
			t.fail(errTextUpstream, err)
		} else {
			t.fail(errTextStreaming, err)
		}
		return nil
	}
	defer stream.Close()

	var reply strings.Builder
	chunks := 0
	for chunk, err := range stream.Chunks() {
		if err != nil {
			r.metrics.RecordChunksForwarded(chunks)
			t.fail(errTextStreaming, err)
			return nil
		}
		t.send(Event{Chunk: chunk})
		reply.WriteString(chunk)
		chunks++
	}
	r.metrics.RecordChunksForwarded(chunks)

	if err := r.saveMessage(streamCtx, session, model.RoleAssistant, reply.String()); err != nil {
		t.fail(errTextSaveReply, err)
		return nil
	}

	t.send(Event{Done: true, SessionID: session.ID})
	r.metrics.RecordChatTurn(metrics.OutcomeSuccess)
	return nil
}

// resolveSession はユーザーが所有するセッションを返す。
// IDが空・UUIDでない・見つからない場合は新しいセッションを作成する。
func (r *Relay) resolveSession(ctx context.Context, userID, sessionID string) (*model.ChatSession, error) {
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err == nil {
			session, err := r.sessions.FindByIDAndUserID(ctx, sessionID, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to find chat session: %w", err)
			}
			if session != nil {
				return session, nil
			}
		}
	}

	now := r.now()
	session := &model.ChatSession{
		ID:        r.newID(),
		UserID:    userID,
		Name:      "对话 " + now.Format(sessionNameLayout),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return session, nil
}

func (r *Relay) saveMessage(ctx context.Context, session *model.ChatSession, role model.Role, content string) error {
	return r.messages.Create(ctx, &model.Message{
		ID:        r.newID(),
		SessionID: session.ID,
		UserID:    session.UserID,
		Role:      role,
		Content:   content,
		CreatedAt: r.now(),
	})
}

// turn は1ターン中のsinkへの送信状態を保持する。
type turn struct {
	relay      *Relay
	sink       EventSink
	userID     string
	sessionID  string
	sinkFailed bool
}

// send はイベントを送る。送信エラーは最初の1回だけ記録し、以降は無視する。
func (t *turn) send(event Event) {
	if err := t.sink.Send(event); err != nil && !t.sinkFailed {
		t.sinkFailed = true
		t.relay.logger.Info("client disconnected during chat stream",
			slog.String("user_id", t.userID),
			slog.String("session_id", t.sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// fail はエラーを記録し、エラーイベントを送る。
func (t *turn) fail(text string, err error) {
	t.relay.metrics.RecordChatTurn(metrics.OutcomeFailure)
	t.relay.logger.Error("chat turn failed",
		slog.String("user_id", t.userID),
		slog.String("session_id", t.sessionID),
		slog.String("error", err.Error()),
	)
	t.send(Event{Error: text})
}
