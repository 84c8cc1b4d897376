// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/authhub/internal/model"
)

// ErrConflict は一意制約違反（同時リンク/作成の競合）を表すセンチネルエラー。
// 呼び出し側はerrors.Isで判定し、StorageConflictとして扱う。
var ErrConflict = errors.New("unique constraint conflict")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// 部分的な作成（identityのないユーザー）が観測されることはない。
	// 一意制約違反の場合はErrConflictを返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、user_sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// Create は既存ユーザーへのidentity紐付けを作成する。
	// 一意制約違反の場合はErrConflictを返す。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// CreateOrRefresh はセッションを作成する。同一トークンの行が既に存在する場合は
	// 所有者・IP・メタデータを更新し、is_active=true、last_active=now()で再アクティブ化する（冪等）。
	CreateOrRefresh(ctx context.Context, session *model.Session) (*model.Session, error)

	// FindByToken はトークンでアクティブなセッションを取得する。
	// 見つからない、または非アクティブの場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Session, error)

	// ListByUserID は指定ユーザーのアクティブセッション一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Session, error)

	// DeactivateByToken は指定トークンのセッションを非アクティブ化する。
	DeactivateByToken(ctx context.Context, token string) error

	// DeactivateByUserID は指定ユーザーの全アクティブセッションを非アクティブ化し、
	// 件数を返す。excludeTokenが空でない場合、そのトークンのセッションは除外する。
	DeactivateByUserID(ctx context.Context, userID, excludeToken string) (int64, error)

	// Sweep は2つの独立した冪等フェーズを実行する。
	// (a) lifetimeを超過したアクティブセッションの非アクティブ化
	// (b) retentionDaysを超過した行の物理削除（アクティブフラグに関わらず）
	// 非アクティブ化件数と削除件数を返す。
	Sweep(ctx context.Context, now time.Time, lifetime time.Duration, retentionDays int) (deactivated, deleted int64, err error)
}

// ActivityRepository はアクティビティログの永続化インターフェース。
type ActivityRepository interface {
	// Insert はアクティビティエントリを作成する。
	// execerに*sql.Txを渡すことでトランザクションスコープ内で実行できる。
	Insert(ctx context.Context, execer Executor, activity *model.Activity) error

	// ListPage はアクティビティをcreated_at降順でページ取得し、総件数も返す。
	ListPage(ctx context.Context, page, perPage int) ([]*model.Activity, int, error)
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
