package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はプロバイダーから取得したプロフィール文字列をサニタイズする。
// 表示名はそのままUIに表示されるため、StrictPolicyで全てのマークアップを除去する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeName は表示名からマークアップを除去し、前後の空白を取り除く。
// 同一入力に対して常に同一出力を返す（冪等）。
func (s *ProfileSanitizer) SanitizeName(name string) string {
	return strings.TrimSpace(s.policy.Sanitize(name))
}
