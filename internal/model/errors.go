// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingEmail      = "MISSING_EMAIL"
	ErrCodeAuthProviderError = "AUTH_PROVIDER_ERROR"
	ErrCodeStorageConflict   = "STORAGE_CONFLICT"
	ErrCodeUnknownProvider   = "UNKNOWN_PROVIDER"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
)

// NewMissingEmailError はプロバイダーがメールアドレスを返さなかった場合のエラーを生成する。
// このエラーが返る時点では永続化は一切行われていない。
func NewMissingEmailError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingEmail,
		Message:  fmt.Sprintf("%s からメールアドレスを取得できませんでした。", provider),
		Category: "validation",
		Action:   "プロバイダー側でメールアドレスの公開設定を確認し、再度ログインしてください。",
	}
}

// NewAuthProviderError はプロバイダーとの通信・トークン交換失敗エラーを生成する。
func NewAuthProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthProviderError,
		Message:  fmt.Sprintf("%s での認証に失敗しました。", provider),
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewStorageConflictError は一意制約違反（リンク/作成の競合）エラーを生成する。
// トランザクションはロールバック済みであることを前提とする。
func NewStorageConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageConflict,
		Message:  "アカウント処理が競合しました。",
		Category: "system",
		Action:   "再度ログインしてください。",
	}
}

// NewUnknownProviderError は未対応のOAuthプロバイダー指定エラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", provider),
		Category: "validation",
		Action:   "対応しているログイン方法を使用してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
