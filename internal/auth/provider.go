// Package auth は認証プロバイダーの境界と、Postgres上のローカル実装を提供する。
//
// プロバイダーはクライアントキー（ブラウザごとのsession_id Cookie）単位で
// サインイン状態を管理し、状態が変わるたびに購読者へ通知する。
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/carmarket/internal/model"
)

// Provider は認証プロバイダーのインターフェース。
type Provider interface {
	// Subscribe はクライアントキーのサインイン状態の変化を購読する。
	// 購読直後に現在の状態が非同期で1回通知される。
	// 返り値の関数を呼ぶと購読を解除する。
	Subscribe(clientKey string, onChange func(*model.Identity)) (unsubscribe func())

	// SignIn はメールアドレスとパスワードでサインインする。
	SignIn(ctx context.Context, clientKey, email, password string) (*model.Identity, error)

	// CreateAccount はアカウントを作成し、そのままサインインする。
	CreateAccount(ctx context.Context, clientKey, email, password string) (*model.Identity, error)

	// UpdateProfile はサインイン中ユーザーの表示名を更新する。
	UpdateProfile(ctx context.Context, clientKey, displayName string) (*model.Identity, error)

	// SignOut はサインアウトする。サインインしていない場合も成功する。
	SignOut(ctx context.Context, clientKey string) error
}

// プロバイダーエラーコード
const (
	CodeInvalidEmail      = "auth/invalid-email"
	CodeEmailAlreadyInUse = "auth/email-already-in-use"
	CodeWeakPassword      = "auth/weak-password"
	CodeInvalidCredential = "auth/invalid-credential"
	CodeUserNotFound      = "auth/user-not-found"
	CodeNoCurrentUser     = "auth/no-current-user"
)

// ProviderError はプロバイダーが返す分類済みのエラー。
type ProviderError struct {
	Code string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

// Unwrap は原因エラーを返す。
func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newProviderError(code string) *ProviderError {
	return &ProviderError{Code: code}
}

// messages はプロバイダーエラーコードごとのユーザー向けメッセージ。
var messages = map[string]struct {
	message string
	action  string
	field   string
}{
	CodeInvalidEmail:      {"メールアドレスの形式が正しくありません。", "正しいメールアドレスを入力してください。", "email"},
	CodeEmailAlreadyInUse: {"このメールアドレスは既に登録されています。", "ログイン画面からログインしてください。", "email"},
	CodeWeakPassword:      {"パスワードは6文字以上で入力してください。", "より長いパスワードを設定してください。", "password"},
	CodeInvalidCredential: {"メールアドレスまたはパスワードが正しくありません。", "入力内容を確認して再度お試しください。", ""},
	CodeUserNotFound:      {"ユーザーが見つかりません。", "アカウントを作成してください。", ""},
	CodeNoCurrentUser:     {"ログインしていません。", "ログインしてから再度お試しください。", ""},
}

// MessageFor はエラーをユーザー向けのAPIErrorに変換する。
// 未知のコードや分類されていないエラーには汎用メッセージを返す。
func MessageFor(err error) *model.APIError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		if m, ok := messages[perr.Code]; ok {
			apiErr := &model.APIError{
				Code:     perr.Code,
				Message:  m.message,
				Category: model.CategoryAuth,
				Action:   m.action,
			}
			if m.field != "" {
				apiErr.Category = model.CategoryValidation
				apiErr.Fields = map[string]string{m.field: m.message}
			}
			return apiErr
		}
	}
	return &model.APIError{
		Code:     model.ErrCodeAuthFailed,
		Message:  "認証処理に失敗しました。",
		Category: model.CategoryAuth,
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    err,
	}
}
