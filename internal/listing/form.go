// Package listing は車両出品の読み取り・登録・削除のドメインロジックを提供する。
package listing

import (
	"regexp"
	"strings"

	"github.com/hitoshi/carmarket/internal/model"
)

// whatsappPattern は連絡先電話番号の形式（国番号込み11〜12桁）。
var whatsappPattern = regexp.MustCompile(`^\d{11,12}$`)

// Form は出品フォームの入力値。
type Form struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	Year        string `json:"year"`
	Km          string `json:"km"`
	Price       string `json:"price"`
	City        string `json:"city"`
	Whatsapp    string `json:"whatsapp"`
	Description string `json:"description"`
}

// Owner は出品者。セッションのIdentityから組み立てる。
type Owner struct {
	ID          string
	DisplayName string
}

// OwnerFromIdentity はIdentityからOwnerを生成する。
func OwnerFromIdentity(id *model.Identity) Owner {
	if id == nil {
		return Owner{}
	}
	return Owner{ID: id.ID, DisplayName: id.Name()}
}

// Normalize は前後の空白を取り除いたフォームを返す。
func (f Form) Normalize() Form {
	return Form{
		Name:        strings.TrimSpace(f.Name),
		Model:       strings.TrimSpace(f.Model),
		Year:        strings.TrimSpace(f.Year),
		Km:          strings.TrimSpace(f.Km),
		Price:       strings.TrimSpace(f.Price),
		City:        strings.TrimSpace(f.City),
		Whatsapp:    strings.TrimSpace(f.Whatsapp),
		Description: strings.TrimSpace(f.Description),
	}
}

// fieldErrors はフィールドごとのエラーメッセージを返す。問題がなければ空。
func (f Form) fieldErrors() map[string]string {
	fields := make(map[string]string)
	required := []struct {
		key, value, message string
	}{
		{"name", f.Name, "メーカー名を入力してください"},
		{"model", f.Model, "モデル名を入力してください"},
		{"year", f.Year, "年式を入力してください"},
		{"km", f.Km, "走行距離を入力してください"},
		{"price", f.Price, "価格を入力してください"},
		{"city", f.City, "所在地を入力してください"},
		{"description", f.Description, "説明を入力してください"},
	}
	for _, r := range required {
		if r.value == "" {
			fields[r.key] = r.message
		}
	}

	switch {
	case f.Whatsapp == "":
		fields["whatsapp"] = "連絡先の電話番号を入力してください"
	case !whatsappPattern.MatchString(f.Whatsapp):
		fields["whatsapp"] = "電話番号は11〜12桁の数字で入力してください"
	}
	return fields
}

// Validate はフォームを検証する。問題がある場合はフィールド単位のValidationErrorを返す。
func (f Form) Validate() error {
	if fields := f.fieldErrors(); len(fields) > 0 {
		return model.NewValidationError(fields)
	}
	return nil
}
