package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/personachat/internal/model"
	"github.com/hitoshi/personachat/internal/persona"
	"github.com/hitoshi/personachat/internal/repository"
	"github.com/hitoshi/personachat/internal/security"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn     func(ctx context.Context, id string) (*model.User, error)
	upsertFn       func(ctx context.Context, user *model.User) (*model.User, error)
	updateTokensFn func(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) Upsert(ctx context.Context, user *model.User) (*model.User, error) {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, user)
	}
	return user, nil
}

func (m *mockUserRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) (*model.User, error) {
	if m.updateTokensFn != nil {
		return m.updateTokensFn(ctx, id, accessToken, refreshToken, expiresAt)
	}
	return nil, nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockPersona struct {
	loginURLFn     func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*model.TokenSet, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*model.TokenSet, error)
	userInfoFn     func(ctx context.Context, accessToken string) (*model.UserInfo, error)
}

func (m *mockPersona) LoginURL(state string) string {
	if m.loginURLFn != nil {
		return m.loginURLFn(state)
	}
	return ""
}

func (m *mockPersona) ExchangeCode(ctx context.Context, code string) (*model.TokenSet, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPersona) RefreshToken(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPersona) UserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error) {
	if m.userInfoFn != nil {
		return m.userInfoFn(ctx, accessToken)
	}
	return nil, errors.New("not implemented")
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ PersonaClient = (*mockPersona)(nil)
var _ PersonaClient = (*persona.Client)(nil)
var _ ProfileSanitizer = (*security.ProfileSanitizer)(nil)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(p PersonaClient, users *mockUserRepo, sessions *mockSessionRepo) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewService(p, users, sessions, security.NewProfileSanitizer(), nil, logger, ServiceConfig{SessionMaxAge: 2592000})
	svc.now = func() time.Time { return fixedNow }
	return svc, &buf
}

func sessionFor(userID string) *mockSessionRepo {
	return &mockSessionRepo{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: userID, ExpiresAt: fixedNow.Add(time.Hour)}, nil
		},
	}
}

// --- テスト ---

func TestLoginURL_DelegatesToPersona(t *testing.T) {
	p := &mockPersona{loginURLFn: func(state string) string { return "https://provider/oauth?state=" + state }}
	svc, _ := newTestService(p, &mockUserRepo{}, &mockSessionRepo{})

	if got := svc.LoginURL("abc"); got != "https://provider/oauth?state=abc" {
		t.Errorf("LoginURL() = %q", got)
	}
}

func TestResolveCurrentUser_EmptySessionID(t *testing.T) {
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, &mockSessionRepo{})

	user, state, err := svc.ResolveCurrentUser(context.Background(), "")
	if err != nil || user != nil || state != model.AuthStateNoSession {
		t.Errorf("ResolveCurrentUser() = %v, %q, %v", user, state, err)
	}
}

func TestResolveCurrentUser_UnknownSession(t *testing.T) {
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, &mockSessionRepo{})

	user, state, err := svc.ResolveCurrentUser(context.Background(), "missing")
	if err != nil || user != nil || state != model.AuthStateNoSession {
		t.Errorf("ResolveCurrentUser() = %v, %q, %v", user, state, err)
	}
}

func TestResolveCurrentUser_MissingUser(t *testing.T) {
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, sessionFor("ghost"))

	user, state, err := svc.ResolveCurrentUser(context.Background(), "sess")
	if err != nil || user != nil || state != model.AuthStateNoSession {
		t.Errorf("ResolveCurrentUser() = %v, %q, %v", user, state, err)
	}
}

func TestResolveCurrentUser_LookupErrorPropagates(t *testing.T) {
	sessions := &mockSessionRepo{
		findByIDFn: func(context.Context, string) (*model.Session, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, sessions)

	_, _, err := svc.ResolveCurrentUser(context.Background(), "sess")
	if err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestResolveCurrentUser_ValidTokenMakesNoRefreshCall(t *testing.T) {
	var refreshCalls int32
	p := &mockPersona{refreshFn: func(context.Context, string) (*model.TokenSet, error) {
		atomic.AddInt32(&refreshCalls, 1)
		return nil, errors.New("unexpected")
	}}
	users := &mockUserRepo{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
		return &model.User{ID: id, AccessToken: "at", TokenExpiresAt: fixedNow.Add(time.Minute)}, nil
	}}
	svc, _ := newTestService(p, users, sessionFor("user-1"))

	user, state, err := svc.ResolveCurrentUser(context.Background(), "sess")
	if err != nil {
		t.Fatalf("ResolveCurrentUser() error = %v", err)
	}
	if state != model.AuthStateActive || user == nil || user.ID != "user-1" {
		t.Errorf("ResolveCurrentUser() = %v, %q", user, state)
	}
	if refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0", refreshCalls)
	}
}

func TestResolveCurrentUser_ExpiredTokenRefreshesOnce(t *testing.T) {
	var refreshCalls, updateCalls int32
	p := &mockPersona{refreshFn: func(_ context.Context, rt string) (*model.TokenSet, error) {
		atomic.AddInt32(&refreshCalls, 1)
		if rt != "old-rt" {
			t.Errorf("refresh token = %q, want old-rt", rt)
		}
		return &model.TokenSet{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresIn: 7200}, nil
	}}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, AccessToken: "old-at", RefreshToken: "old-rt", TokenExpiresAt: fixedNow.Add(-time.Second)}, nil
		},
		updateTokensFn: func(_ context.Context, id, at, rt string, expiresAt time.Time) (*model.User, error) {
			atomic.AddInt32(&updateCalls, 1)
			if want := fixedNow.Add(7200 * time.Second); !expiresAt.Equal(want) {
				t.Errorf("expiresAt = %v, want %v", expiresAt, want)
			}
			return &model.User{ID: id, AccessToken: at, RefreshToken: rt, TokenExpiresAt: expiresAt}, nil
		},
	}
	svc, _ := newTestService(p, users, sessionFor("user-1"))

	user, state, err := svc.ResolveCurrentUser(context.Background(), "sess")
	if err != nil {
		t.Fatalf("ResolveCurrentUser() error = %v", err)
	}
	if state != model.AuthStateRefreshed {
		t.Errorf("state = %q, want refreshed", state)
	}
	if user.AccessToken != "new-at" || user.RefreshToken != "new-rt" {
		t.Errorf("user tokens = %q/%q", user.AccessToken, user.RefreshToken)
	}
	if refreshCalls != 1 || updateCalls != 1 {
		t.Errorf("refresh calls = %d, update calls = %d, want 1/1", refreshCalls, updateCalls)
	}
}

func TestResolveCurrentUser_RefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	p := &mockPersona{refreshFn: func(context.Context, string) (*model.TokenSet, error) {
		return &model.TokenSet{AccessToken: "new-at", ExpiresIn: 60}, nil
	}}
	var savedRT string
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, RefreshToken: "old-rt", TokenExpiresAt: fixedNow.Add(-time.Hour)}, nil
		},
		updateTokensFn: func(_ context.Context, id, at, rt string, expiresAt time.Time) (*model.User, error) {
			savedRT = rt
			return &model.User{ID: id, AccessToken: at, RefreshToken: rt, TokenExpiresAt: expiresAt}, nil
		},
	}
	svc, _ := newTestService(p, users, sessionFor("user-1"))

	if _, _, err := svc.ResolveCurrentUser(context.Background(), "sess"); err != nil {
		t.Fatal(err)
	}
	if savedRT != "old-rt" {
		t.Errorf("saved refresh token = %q, want old-rt", savedRT)
	}
}

func TestResolveCurrentUser_RefreshFailureIsNamedState(t *testing.T) {
	tests := []struct {
		name     string
		refresh  func(context.Context, string) (*model.TokenSet, error)
		update   func(context.Context, string, string, string, time.Time) (*model.User, error)
		wantSave bool
	}{
		{
			name: "upstream status error",
			refresh: func(context.Context, string) (*model.TokenSet, error) {
				return nil, &persona.StatusError{StatusCode: 401}
			},
		},
		{
			name: "non-zero envelope code",
			refresh: func(context.Context, string) (*model.TokenSet, error) {
				return nil, &persona.Failure{Code: 40100, Message: "refresh token revoked"}
			},
		},
		{
			name: "persisting refreshed tokens fails",
			refresh: func(context.Context, string) (*model.TokenSet, error) {
				return &model.TokenSet{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresIn: 60}, nil
			},
			update: func(context.Context, string, string, string, time.Time) (*model.User, error) {
				return nil, errors.New("db down")
			},
			wantSave: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := false
			users := &mockUserRepo{
				findByIDFn: func(_ context.Context, id string) (*model.User, error) {
					return &model.User{ID: id, RefreshToken: "rt", TokenExpiresAt: fixedNow.Add(-time.Hour)}, nil
				},
				updateTokensFn: func(ctx context.Context, id, at, rt string, exp time.Time) (*model.User, error) {
					saved = true
					if tt.update != nil {
						return tt.update(ctx, id, at, rt, exp)
					}
					return &model.User{ID: id}, nil
				},
			}
			svc, logs := newTestService(&mockPersona{refreshFn: tt.refresh}, users, sessionFor("user-1"))

			user, state, err := svc.ResolveCurrentUser(context.Background(), "sess")
			if err != nil {
				t.Fatalf("refresh failure must not be returned as error: %v", err)
			}
			if user != nil {
				t.Errorf("user = %+v, want nil", user)
			}
			if state != model.AuthStateRefreshFailed {
				t.Errorf("state = %q, want refresh_failed", state)
			}
			if state.Authenticated() {
				t.Error("refresh_failed must not be authenticated")
			}
			if saved != tt.wantSave {
				t.Errorf("UpdateTokens called = %v, want %v", saved, tt.wantSave)
			}
			if !bytes.Contains(logs.Bytes(), []byte("user-1")) {
				t.Error("refresh failure should be logged with user_id")
			}
		})
	}
}

func TestResolveCurrentUser_ConcurrentRefreshesAreCollapsed(t *testing.T) {
	var refreshCalls int32
	release := make(chan struct{})
	p := &mockPersona{refreshFn: func(context.Context, string) (*model.TokenSet, error) {
		atomic.AddInt32(&refreshCalls, 1)
		<-release
		return &model.TokenSet{AccessToken: "new-at", RefreshToken: "new-rt", ExpiresIn: 60}, nil
	}}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, RefreshToken: "rt", TokenExpiresAt: fixedNow.Add(-time.Hour)}, nil
		},
		updateTokensFn: func(_ context.Context, id, at, rt string, exp time.Time) (*model.User, error) {
			return &model.User{ID: id, AccessToken: at, RefreshToken: rt, TokenExpiresAt: exp}, nil
		},
	}
	svc, _ := newTestService(p, users, sessionFor("user-1"))

	const callers = 5
	var started, wg sync.WaitGroup
	started.Add(callers)
	wg.Add(callers)
	states := make([]model.AuthState, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			started.Done()
			_, states[i], _ = svc.ResolveCurrentUser(context.Background(), "sess")
		}(i)
	}
	started.Wait()
	// すべての呼び出しがsingleflightに入るまで待つ
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&refreshCalls); n < 1 || n > callers {
		t.Fatalf("refresh calls = %d", n)
	}
	for i, st := range states {
		if st != model.AuthStateRefreshed {
			t.Errorf("caller %d state = %q, want refreshed", i, st)
		}
	}
}

func TestHandleCallback_CreatesUserAndSession(t *testing.T) {
	p := &mockPersona{
		exchangeCodeFn: func(_ context.Context, code string) (*model.TokenSet, error) {
			if code != "auth-code" {
				t.Errorf("code = %q", code)
			}
			return &model.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 7200}, nil
		},
		userInfoFn: func(_ context.Context, at string) (*model.UserInfo, error) {
			if at != "at" {
				t.Errorf("access token = %q", at)
			}
			return &model.UserInfo{UserID: "up-1", Name: "<b>Alice</b>", Avatar: "javascript:alert(1)"}, nil
		},
	}

	var upserted *model.User
	users := &mockUserRepo{upsertFn: func(_ context.Context, u *model.User) (*model.User, error) {
		upserted = u
		return u, nil
	}}
	var created *model.Session
	sessions := &mockSessionRepo{createFn: func(_ context.Context, s *model.Session) error {
		created = s
		return nil
	}}
	svc, _ := newTestService(p, users, sessions)

	session, err := svc.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	if upserted.UpstreamUserID != "up-1" || upserted.AccessToken != "at" || upserted.RefreshToken != "rt" {
		t.Errorf("upserted = %+v", upserted)
	}
	if !upserted.TokenExpiresAt.Equal(fixedNow.Add(2 * time.Hour)) {
		t.Errorf("TokenExpiresAt = %v", upserted.TokenExpiresAt)
	}
	if upserted.Name != "Alice" {
		t.Errorf("Name = %q, want sanitized Alice", upserted.Name)
	}
	if upserted.Avatar != "" {
		t.Errorf("Avatar = %q, want dropped", upserted.Avatar)
	}

	if session != created || session.UserID != upserted.ID {
		t.Errorf("session = %+v", session)
	}
	if len(session.ID) != 64 {
		t.Errorf("session ID length = %d, want 64", len(session.ID))
	}
	if !session.ExpiresAt.Equal(fixedNow.Add(30 * 24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want 30 days later", session.ExpiresAt)
	}
}

func TestHandleCallback_SameUpstreamUserUpsertsInPlace(t *testing.T) {
	p := &mockPersona{
		exchangeCodeFn: func(context.Context, string) (*model.TokenSet, error) {
			return &model.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 60}, nil
		},
		userInfoFn: func(context.Context, string) (*model.UserInfo, error) {
			return &model.UserInfo{UserID: "up-1", Name: "Alice"}, nil
		},
	}

	// upstream_user_idをキーにした簡易ストア
	stored := map[string]*model.User{}
	users := &mockUserRepo{upsertFn: func(_ context.Context, u *model.User) (*model.User, error) {
		if existing, ok := stored[u.UpstreamUserID]; ok {
			existing.AccessToken = u.AccessToken
			return existing, nil
		}
		stored[u.UpstreamUserID] = u
		return u, nil
	}}
	svc, _ := newTestService(p, users, &mockSessionRepo{})

	first, err := svc.HandleCallback(context.Background(), "code-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.HandleCallback(context.Background(), "code-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("stored users = %d, want 1", len(stored))
	}
	if first.UserID != second.UserID {
		t.Errorf("user IDs differ: %q vs %q", first.UserID, second.UserID)
	}
	if first.ID == second.ID {
		t.Error("each login should issue a new session")
	}
}

func TestHandleCallback_Failures(t *testing.T) {
	upstreamErr := &persona.StatusError{StatusCode: 500}
	tests := []struct {
		name     string
		code     string
		persona  *mockPersona
		users    *mockUserRepo
		wantStep string
		wantIs   error
	}{
		{
			name:    "missing code",
			code:    "",
			persona: &mockPersona{},
			users:   &mockUserRepo{},
			wantIs:  ErrMissingCode,
		},
		{
			name: "token exchange fails",
			code: "c",
			persona: &mockPersona{exchangeCodeFn: func(context.Context, string) (*model.TokenSet, error) {
				return nil, upstreamErr
			}},
			users:    &mockUserRepo{},
			wantStep: StepExchangeToken,
			wantIs:   upstreamErr,
		},
		{
			name: "user info fails",
			code: "c",
			persona: &mockPersona{
				exchangeCodeFn: func(context.Context, string) (*model.TokenSet, error) {
					return &model.TokenSet{AccessToken: "at"}, nil
				},
				userInfoFn: func(context.Context, string) (*model.UserInfo, error) {
					return nil, &persona.Failure{Code: 1}
				},
			},
			users:    &mockUserRepo{},
			wantStep: StepFetchUserInfo,
		},
		{
			name: "user info without id",
			code: "c",
			persona: &mockPersona{
				exchangeCodeFn: func(context.Context, string) (*model.TokenSet, error) {
					return &model.TokenSet{AccessToken: "at"}, nil
				},
				userInfoFn: func(context.Context, string) (*model.UserInfo, error) {
					return &model.UserInfo{}, nil
				},
			},
			users:    &mockUserRepo{},
			wantStep: StepFetchUserInfo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created := false
			sessions := &mockSessionRepo{createFn: func(context.Context, *model.Session) error {
				created = true
				return nil
			}}
			svc, _ := newTestService(tt.persona, tt.users, sessions)

			session, err := svc.HandleCallback(context.Background(), tt.code)
			if err == nil || session != nil {
				t.Fatalf("HandleCallback() = %v, %v; want error", session, err)
			}
			if created {
				t.Error("session must not be created on failure")
			}
			if tt.wantStep != "" {
				var authErr *AuthError
				if !errors.As(err, &authErr) || authErr.Step != tt.wantStep {
					t.Errorf("error = %v, want AuthError step %q", err, tt.wantStep)
				}
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("error = %v, want errors.Is %v", err, tt.wantIs)
			}
		})
	}
}

func TestHandleCallback_UpsertErrorPropagates(t *testing.T) {
	p := &mockPersona{
		exchangeCodeFn: func(context.Context, string) (*model.TokenSet, error) {
			return &model.TokenSet{AccessToken: "at"}, nil
		},
		userInfoFn: func(context.Context, string) (*model.UserInfo, error) {
			return &model.UserInfo{UserID: "up-1"}, nil
		},
	}
	dbErr := errors.New("unique violation")
	users := &mockUserRepo{upsertFn: func(context.Context, *model.User) (*model.User, error) {
		return nil, dbErr
	}}
	svc, _ := newTestService(p, users, &mockSessionRepo{})

	_, err := svc.HandleCallback(context.Background(), "c")
	if !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		t.Error("storage failure should not be an AuthError")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	var deleted string
	sessions := &mockSessionRepo{deleteByIDFn: func(_ context.Context, id string) error {
		deleted = id
		return nil
	}}
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, sessions)

	if err := svc.Logout(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if deleted != "sess-1" {
		t.Errorf("deleted = %q", deleted)
	}
}

func TestLogout_EmptySessionIsNoop(t *testing.T) {
	sessions := &mockSessionRepo{deleteByIDFn: func(context.Context, string) error {
		t.Error("DeleteByID should not be called")
		return nil
	}}
	svc, _ := newTestService(&mockPersona{}, &mockUserRepo{}, sessions)

	if err := svc.Logout(context.Background(), ""); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

func TestGenerateState_IsRandomHex(t *testing.T) {
	a, err := GenerateState()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateState()
	if len(a) != 32 || a == b {
		t.Errorf("states = %q, %q", a, b)
	}
}
