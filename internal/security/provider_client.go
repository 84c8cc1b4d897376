// Package security は外部プロバイダー通信のセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewProviderClient はOAuthプロバイダーとの通信用HTTPクライアントを生成する。
// トークン/ユーザー情報エンドポイントは設定で差し替え可能なため、
// safeurlでプライベートIP・ループバック・リンクローカル・メタデータIPへの
// リクエストをブロックする。DNS解決後のIPアドレスもDialerレベルで検証されるため、
// DNS再バインディング攻撃にも対応している。
func NewProviderClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}
