// Package model はドメインモデルを定義する。
package model

import "time"

// User はペルソナAPIのアカウント1件に紐づくローカルユーザーを表す。
// UpstreamUserIDごとに最大1件しか存在しない。
type User struct {
	ID             string
	UpstreamUserID string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Name           string
	Avatar         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenExpired はアクセストークンがnow時点で期限切れかどうかを返す。
func (u *User) TokenExpired(now time.Time) bool {
	return !u.TokenExpiresAt.After(now)
}

// Session はユーザーのログインセッションを表す。
// IDはCookieに格納される不透明な値で、有効期限は発行時に固定される。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AuthState は現在のユーザー解決の結果を表す。
type AuthState string

const (
	// AuthStateNoSession はセッションCookieが無い、またはセッション・ユーザーが見つからない状態。
	AuthStateNoSession AuthState = "no_session"
	// AuthStateActive はアクセストークンが有効な状態。
	AuthStateActive AuthState = "active"
	// AuthStateRefreshed はトークンが期限切れで、リフレッシュに成功した状態。
	AuthStateRefreshed AuthState = "refreshed"
	// AuthStateRefreshFailed はトークンが期限切れで、リフレッシュに失敗した状態。
	// 未認証として扱うが、未ログインとは区別する。
	AuthStateRefreshFailed AuthState = "refresh_failed"
)

// Authenticated はユーザーが解決できた状態かどうかを返す。
func (s AuthState) Authenticated() bool {
	return s == AuthStateActive || s == AuthStateRefreshed
}
