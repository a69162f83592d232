package handler

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/personachat/internal/chat"
	"github.com/hitoshi/personachat/internal/middleware"
	"github.com/hitoshi/personachat/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	loginURLFn       func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*model.Session, error)
	logoutFn         func(ctx context.Context, sessionID string) error
}

func (m *mockAuthService) LoginURL(state string) string {
	if m.loginURLFn != nil {
		return m.loginURLFn(state)
	}
	return ""
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockPersona struct {
	userInfoFn       func(ctx context.Context, accessToken string) (*model.UserInfo, error)
	shadesFn         func(ctx context.Context, accessToken string) (json.RawMessage, error)
	classifyIntentFn func(ctx context.Context, accessToken, text string) (*model.IntentScores, error)
}

func (m *mockPersona) UserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error) {
	if m.userInfoFn != nil {
		return m.userInfoFn(ctx, accessToken)
	}
	return &model.UserInfo{}, nil
}

func (m *mockPersona) Shades(ctx context.Context, accessToken string) (json.RawMessage, error) {
	if m.shadesFn != nil {
		return m.shadesFn(ctx, accessToken)
	}
	return json.RawMessage(`{}`), nil
}

func (m *mockPersona) ClassifyIntent(ctx context.Context, accessToken, text string) (*model.IntentScores, error) {
	if m.classifyIntentFn != nil {
		return m.classifyIntentFn(ctx, accessToken, text)
	}
	return &model.IntentScores{}, nil
}

type mockRelay struct {
	handleTurnFn func(ctx context.Context, user *model.User, message, sessionID string, sink chat.EventSink) error
}

func (m *mockRelay) HandleTurn(ctx context.Context, user *model.User, message, sessionID string, sink chat.EventSink) error {
	if m.handleTurnFn != nil {
		return m.handleTurnFn(ctx, user, message, sessionID, sink)
	}
	return nil
}

type mockSessionLister struct {
	listSessionsFn func(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error)
}

func (m *mockSessionLister) ListSessions(ctx context.Context, userID string) ([]model.ChatSessionWithMessages, error) {
	if m.listSessionsFn != nil {
		return m.listSessionsFn(ctx, userID)
	}
	return nil, nil
}

// mockUserResolver はsessionsに登録されたセッションIDだけを認証済みとして扱う。
type mockUserResolver struct {
	sessions map[string]*model.User
}

func (m *mockUserResolver) ResolveCurrentUser(ctx context.Context, sessionID string) (*model.User, model.AuthState, error) {
	if u, ok := m.sessions[sessionID]; ok {
		return u, model.AuthStateActive, nil
	}
	return nil, model.AuthStateNoSession, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// compile-time interface check
var (
	_ AuthServiceInterface    = (*mockAuthService)(nil)
	_ PersonaAPI              = (*mockPersona)(nil)
	_ ChatRelay               = (*mockRelay)(nil)
	_ SessionLister           = (*mockSessionLister)(nil)
	_ middleware.UserResolver = (*mockUserResolver)(nil)
	_ HealthChecker           = (*mockHealthChecker)(nil)
)

var testUser = &model.User{
	ID:             "user-1",
	UpstreamUserID: "up-1",
	AccessToken:    "at-1",
	Name:           "Alice",
	Avatar:         "https://cdn.example.com/a.png",
}

// withUser はセッションミドルウェアを通過した状態のリクエストを返す。
func withUser(ctx context.Context) context.Context {
	return middleware.ContextWithUser(ctx, testUser)
}
