// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"sort"
	"strings"
)

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryAuth       = "auth"
	CategoryTransport  = "transport"
	CategorySystem     = "system"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: validation, auth, transport, system
	Action   string            // ユーザー向け対処方法
	Fields   map[string]string // フィールド単位のメッセージ（validationのみ）
	Cause    error             // 下位レイヤーのエラー（レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("[%s] %s (%s)", e.Code, e.Message, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap はerrors.Is/errors.Asのために原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeImageRequired      = "IMAGE_REQUIRED"
	ErrCodeInvalidImageFormat = "INVALID_IMAGE_FORMAT"
	ErrCodeImageTooLarge      = "IMAGE_TOO_LARGE"
	ErrCodeImageNotOwned      = "IMAGE_NOT_OWNED"
	ErrCodeImageInUse         = "IMAGE_IN_USE"
	ErrCodeListingNotFound    = "LISTING_NOT_FOUND"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeTransport          = "TRANSPORT_FAILED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeAuthResolving      = "AUTH_RESOLVING"
	ErrCodeCSRF               = "CSRF_FAILED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError はフィールド単位の入力エラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "入力内容に誤りがあります。",
		Category: CategoryValidation,
		Action:   "各項目のメッセージを確認して修正してください。",
		Fields:   fields,
	}
}

// NewImageRequiredError は画像が1枚も添付されていない場合のエラーを生成する。
func NewImageRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeImageRequired,
		Message:  "車両の画像を1枚以上アップロードしてください。",
		Category: CategoryValidation,
		Action:   "画像をアップロードしてから再度登録してください。",
		Fields:   map[string]string{"images": "画像が必要です"},
	}
}

// NewInvalidImageFormatError は許可されていない画像形式のエラーを生成する。
func NewInvalidImageFormatError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImageFormat,
		Message:  fmt.Sprintf("この画像形式はアップロードできません: %s", contentType),
		Category: CategoryValidation,
		Action:   "JPEGまたはPNG形式の画像を選択してください。",
		Fields:   map[string]string{"file": "JPEGまたはPNGのみ"},
	}
}

// NewImageTooLargeError は画像サイズ上限超過のエラーを生成する。
func NewImageTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeImageTooLarge,
		Message:  fmt.Sprintf("画像サイズが上限（%dバイト）を超えています。", limit),
		Category: CategoryValidation,
		Action:   "サイズの小さい画像を選択してください。",
		Fields:   map[string]string{"file": "サイズ超過"},
	}
}

// NewImageNotOwnedError は他ユーザーの画像を指定した場合のエラーを生成する。
func NewImageNotOwnedError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeImageNotOwned,
		Message:  fmt.Sprintf("指定された画像は使用できません: %s", name),
		Category: CategoryValidation,
		Action:   "自分でアップロードした画像のみ指定してください。",
		Fields:   map[string]string{"images": "所有者が一致しません"},
	}
}

// NewImageInUseError は出品に使われている画像を未登録画像として削除しようとした場合のエラーを生成する。
func NewImageInUseError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeImageInUse,
		Message:  fmt.Sprintf("出品に使用中の画像です: %s", name),
		Category: CategoryValidation,
		Action:   "出品ごと削除してください。",
	}
}

// NewListingNotFoundError は出品が見つからない場合のエラーを生成する。
func NewListingNotFoundError(listingID string) *APIError {
	return &APIError{
		Code:     ErrCodeListingNotFound,
		Message:  fmt.Sprintf("指定された車両が見つかりません: %s", listingID),
		Category: CategoryValidation,
		Action:   "一覧から車両を選び直してください。",
	}
}

// NewForbiddenError は他ユーザーのリソースを操作しようとした場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: CategoryAuth,
		Action:   "自分が出品した車両のみ操作できます。",
	}
}

// NewUnauthorizedError は未ログインのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "ログインしてください。",
	}
}

// NewTransportError は外部ストレージやデータストアとの通信失敗を表すエラーを生成する。
// opには失敗した操作名を指定する。
func NewTransportError(op string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeTransport,
		Message:  fmt.Sprintf("外部サービスとの通信に失敗しました（%s）。", op),
		Category: CategoryTransport,
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryAuth,
		Action:   "ログインし直してください。",
	}
}

// NewAuthResolvingError は認証状態がまだ確定していない場合のエラーを生成する。
func NewAuthResolvingError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthResolving,
		Message:  "認証状態を確認しています。",
		Category: CategorySystem,
		Action:   "少し待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "リクエストの検証に失敗しました。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
