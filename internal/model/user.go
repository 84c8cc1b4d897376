// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// User はサービス利用ユーザーを表す。
// OAuthログインで自動作成されたユーザーはPasswordSet=falseとなり、
// パスワードログインは利用できない。
type User struct {
	ID          string
	Email       string
	Name        string
	Password    string
	PasswordSet bool
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DisplayName は表示名を返す。名前が未設定の場合はメールアドレスを返す。
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Identity は外部IdPとの紐付け情報を表す。
// (provider, provider_user_id) の組は一意であり、1つのIdentityは
// 必ず1人のUserに属する。1人のUserはプロバイダーごとに1つのIdentityを持てる。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	Token          json.RawMessage // プロバイダーから受領したトークン一式
	CreatedAt      time.Time
}

// Session は永続化されたログインセッションを表す。
// 認証時に作成され、同一トークンの再利用時は再アクティブ化される。
// ログアウトまたはスイープでIsActive=falseとなり、
// 保持期間（30日）を超えた行はスイープで物理削除される。
type Session struct {
	ID         string
	UserID     string
	Token      string
	IPAddress  string
	Meta       json.RawMessage
	IsActive   bool
	LastActive time.Time
	CreatedAt  time.Time
}

// Activity はユーザー操作の監査ログエントリを表す。
// 永続化と同時にBroadcast Hub経由で接続中クライアントへ配信される。
type Activity struct {
	ID        string
	UserID    string
	Action    string
	Data      json.RawMessage
	CreatedAt time.Time
}
