// Package model はドメインモデルを定義する。
package model

// TokenSet はトークンエンドポイントが返すトークン一式。
type TokenSet struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int      `json:"expiresIn"` // 秒
	TokenType    string   `json:"tokenType"`
	Scope        []string `json:"scope,omitempty"`
}

// UserInfo はペルソナAPIから取得したプロフィール。
type UserInfo struct {
	UserID              string  `json:"userId"`
	Name                string  `json:"name"`
	Email               string  `json:"email"`
	Avatar              string  `json:"avatar"`
	Bio                 string  `json:"bio"`
	SelfIntroduction    string  `json:"selfIntroduction"`
	ProfileCompleteness float64 `json:"profileCompleteness"`
	Route               string  `json:"route"`
}

// IntentScores はテキストの意図分類結果。各値は[0,1]で、分類されなかった項目はnil。
type IntentScores struct {
	Hiring        *float64 `json:"hiring,omitempty"`
	Collaboration *float64 `json:"collaboration,omitempty"`
	Learning      *float64 `json:"learning,omitempty"`
	Business      *float64 `json:"business,omitempty"`
}

// IntentCategories は意図分類で要求するカテゴリ。
var IntentCategories = []string{"hiring", "collaboration", "learning", "business"}
