package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxNameLength はユーザー名として保存する最大文字数。
const maxNameLength = 100

// maxAvatarURLLength はアバターURLとして保存する最大長。
const maxAvatarURLLength = 2048

// ProfileSanitizer は上流から受け取ったプロフィール値を保存前に無害化する。
// 同一入力に対して常に同一出力を返す。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer は全タグを除去するbluemondayのStrictPolicyでProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName はHTMLタグを取り除き、前後の空白を落として長さを制限する。
func (s *ProfileSanitizer) SanitizeName(name string) string {
	clean := strings.TrimSpace(s.policy.Sanitize(name))
	if r := []rune(clean); len(r) > maxNameLength {
		clean = string(r[:maxNameLength])
	}
	return clean
}

// SanitizeAvatarURL はhttp(s)の絶対URLのみを通し、それ以外は空文字列を返す。
func (s *ProfileSanitizer) SanitizeAvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxAvatarURLLength {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ""
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ""
	}
	if u.User != nil {
		return ""
	}
	return u.String()
}
