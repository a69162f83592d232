// Package auth はOAuthログインフロー、ログインセッション、アクセストークンの
// 期限切れ時リフレッシュを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/personachat/internal/metrics"
	"github.com/hitoshi/personachat/internal/model"
	"github.com/hitoshi/personachat/internal/repository"
)

// 認証フローのステップ名。AuthError.Stepに入る。
const (
	StepExchangeToken = "exchange_token"
	StepFetchUserInfo = "fetch_user_info"
)

// ErrMissingCode は認可コードが空の場合のエラー。
var ErrMissingCode = errors.New("authorization code is required")

// AuthError はOAuthフローのいずれかのステップで上流呼び出しが失敗したことを表す。
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s failed: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// PersonaClient は認証で使うペルソナAPIの操作。
type PersonaClient interface {
	LoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*model.TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*model.TokenSet, error)
	UserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error)
}

// ProfileSanitizer はプロフィール値を保存前に無害化する。
type ProfileSanitizer interface {
	SanitizeName(name string) string
	SanitizeAvatarURL(raw string) string
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	persona     PersonaClient
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	sanitizer   ProfileSanitizer
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	config      ServiceConfig

	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	persona PersonaClient,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	sanitizer ProfileSanitizer,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	config ServiceConfig,
) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Service{
		persona:     persona,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		sanitizer:   sanitizer,
		metrics:     m,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// LoginURL はプロバイダーの認可画面URLを返す。
func (s *Service) LoginURL(state string) string {
	return s.persona.LoginURL(state)
}

// SessionMaxAge はセッションCookieのMax-Age（秒）を返す。
func (s *Service) SessionMaxAge() int {
	return s.config.SessionMaxAge
}

// ResolveCurrentUser はセッションIDから現在のユーザーを解決する。
// アクセストークンが期限切れの場合はリフレッシュを1回だけ試み、
// 失敗した場合はログに記録してAuthStateRefreshFailedを返す。
// errorを返すのはセッション・ユーザーの参照に失敗した場合のみ。
func (s *Service) ResolveCurrentUser(ctx context.Context, sessionID string) (*model.User, model.AuthState, error) {
	if sessionID == "" {
		return nil, model.AuthStateNoSession, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, model.AuthStateNoSession, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.AuthStateNoSession, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, model.AuthStateNoSession, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.AuthStateNoSession, nil
	}

	if !user.TokenExpired(s.now()) {
		return user, model.AuthStateActive, nil
	}

	refreshed, err := s.refreshTokens(ctx, user)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.OutcomeFailure)
		s.logger.Warn("アクセストークンのリフレッシュに失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.AuthStateRefreshFailed, nil
	}

	s.metrics.RecordTokenRefresh(metrics.OutcomeSuccess)
	s.logger.Info("アクセストークンをリフレッシュしました", slog.String("user_id", user.ID))
	return refreshed, model.AuthStateRefreshed, nil
}

// refreshTokens はリフレッシュトークンで新しいトークンを取得して保存する。
// 同一プロセス内で同じユーザーの同時リフレッシュは1回の呼び出しにまとめる。
func (s *Service) refreshTokens(ctx context.Context, user *model.User) (*model.User, error) {
	// 先に離脱したリクエストが他の待機者を巻き込まないようキャンセルを切り離す
	ctx = context.WithoutCancel(ctx)

	v, err, _ := s.refreshGroup.Do(user.ID, func() (any, error) {
		tokens, err := s.persona.RefreshToken(ctx, user.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}

		refreshToken := tokens.RefreshToken
		if refreshToken == "" {
			refreshToken = user.RefreshToken
		}
		expiresAt := s.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)

		updated, err := s.userRepo.UpdateTokens(ctx, user.ID, tokens.AccessToken, refreshToken, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to save refreshed tokens: %w", err)
		}
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.User), nil
}

// ExchangeAuthorizationCode は認可コードをトークンに交換する。
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code string) (*model.TokenSet, error) {
	tokens, err := s.persona.ExchangeCode(ctx, code)
	if err != nil {
		return nil, &AuthError{Step: StepExchangeToken, Err: err}
	}
	return tokens, nil
}

// FetchUserInfo はアクセストークンの所有者のプロフィールを取得する。
func (s *Service) FetchUserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error) {
	info, err := s.persona.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, &AuthError{Step: StepFetchUserInfo, Err: err}
	}
	return info, nil
}

// CreateOrUpdateUser は上流ユーザーIDをキーにユーザーを作成または更新する。
// トークンの有効期限は現在時刻+expiresIn秒。
func (s *Service) CreateOrUpdateUser(
	ctx context.Context,
	upstreamUserID, accessToken, refreshToken string,
	expiresIn int,
	name, avatar string,
) (*model.User, error) {
	now := s.now()
	user, err := s.userRepo.Upsert(ctx, &model.User{
		ID:             uuid.New().String(),
		UpstreamUserID: upstreamUserID,
		AccessToken:    accessToken,
		RefreshToken:   refreshToken,
		TokenExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
		Name:           name,
		Avatar:         avatar,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// HandleCallback はOAuthコールバックを処理し、ログインセッションを発行する。
// トークン交換、プロフィール取得、ユーザー保存、セッション作成の順に進み、
// いずれかが失敗した時点でエラーを返す。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if code == "" {
		return nil, ErrMissingCode
	}

	tokens, err := s.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}

	info, err := s.FetchUserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if info.UserID == "" {
		return nil, &AuthError{Step: StepFetchUserInfo, Err: errors.New("user info has no userId")}
	}

	user, err := s.CreateOrUpdateUser(ctx,
		info.UserID,
		tokens.AccessToken,
		tokens.RefreshToken,
		tokens.ExpiresIn,
		s.sanitizer.SanitizeName(info.Name),
		s.sanitizer.SanitizeAvatarURL(info.Avatar),
	)
	if err != nil {
		return nil, err
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("upstream_user_id", user.UpstreamUserID),
	)
	return session, nil
}

// Logout はログインセッションを破棄する。空のセッションIDは何もしない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.logger.Info("user logged out")
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateState はOAuthのstateパラメータ用のランダム値を生成する。
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
