// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/personachat/internal/model"
)

// SessionCookieName はログインセッションIDを格納するCookie名。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey      = contextKey("user")
	authStateContextKey = contextKey("auth_state")
)

// UserResolver はセッションIDから現在のユーザーを解決する。
type UserResolver interface {
	ResolveCurrentUser(ctx context.Context, sessionID string) (*model.User, model.AuthState, error)
}

// NewSessionMiddleware はCookieのセッションIDからユーザーを解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 解決できない場合（未ログイン・期限切れ・リフレッシュ失敗）は401を返す。
func NewSessionMiddleware(resolver UserResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sessionID string
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				sessionID = cookie.Value
			}

			user, state, err := resolver.ResolveCurrentUser(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to resolve current user",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !state.Authenticated() || user == nil {
				if state == model.AuthStateRefreshFailed {
					slog.Info("rejecting request after token refresh failure",
						slog.String("path", r.URL.Path),
					)
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			setLoggedUserID(r.Context(), user.ID)

			ctx := ContextWithUser(r.Context(), user)
			ctx = context.WithValue(ctx, authStateContextKey, state)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextWithUser はコンテキストにユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext はセッションミドルウェアが注入したユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// AuthStateFromContext はユーザー解決時の状態を取得する。
func AuthStateFromContext(ctx context.Context) model.AuthState {
	if state, ok := ctx.Value(authStateContextKey).(model.AuthState); ok {
		return state
	}
	return model.AuthStateNoSession
}
