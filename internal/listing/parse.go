package listing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/carmarket/internal/docstore"
	"github.com/hitoshi/carmarket/internal/model"
)

// Collection は出品ドキュメントのコレクション名。
const Collection = "cars"

// ドキュメントのフィールド名
const (
	fieldUserID      = "userId"
	fieldName        = "name"
	fieldModel       = "model"
	fieldYear        = "year"
	fieldKm          = "km"
	fieldPrice       = "price"
	fieldCity        = "city"
	fieldWhatsapp    = "whatsapp"
	fieldDescription = "description"
	fieldOwner       = "owner"
	fieldCreatedAt   = "createdAt"
	fieldImages      = "images"
	fieldImageURL    = "url"
)

// FieldIssue はドキュメントの1フィールドの問題。
type FieldIssue struct {
	Field   string
	Problem string
}

// DecodeError はドキュメントを出品に変換できなかったことを表す。
type DecodeError struct {
	DocumentID string
	Issues     []FieldIssue
}

func (e *DecodeError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Field + ": " + issue.Problem
	}
	return fmt.Sprintf("listing %s: invalid document (%s)", e.DocumentID, strings.Join(parts, "; "))
}

// decoder はフィールドを読みながら問題を蓄積する。
type decoder struct {
	fields map[string]any
	prefix string
	issues []FieldIssue
}

func (d *decoder) fail(field, problem string) {
	d.issues = append(d.issues, FieldIssue{Field: d.prefix + field, Problem: problem})
}

// requiredString は文字列フィールドを読む。
func (d *decoder) requiredString(field string) string {
	v, ok := d.fields[field]
	if !ok || v == nil {
		d.fail(field, "missing")
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

// requiredText は数値で保存された値も文字列として受け付ける。
func (d *decoder) requiredText(field string) string {
	v, ok := d.fields[field]
	if !ok || v == nil {
		d.fail(field, "missing")
		return ""
	}
	if s, ok := numberText(v); ok {
		return s
	}
	d.fail(field, fmt.Sprintf("expected string or number, got %T", v))
	return ""
}

func (d *decoder) optionalString(field string) string {
	v, ok := d.fields[field]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
	return s
}

func (d *decoder) optionalTime(field string) time.Time {
	v, ok := d.fields[field]
	if !ok || v == nil {
		return time.Time{}
	}
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			d.fail(field, "invalid timestamp")
			return time.Time{}
		}
		return parsed
	default:
		d.fail(field, fmt.Sprintf("expected timestamp, got %T", v))
		return time.Time{}
	}
}

func (d *decoder) images() []model.ListingImage {
	v, ok := d.fields[fieldImages]
	if !ok || v == nil {
		d.fail(fieldImages, "missing")
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		d.fail(fieldImages, fmt.Sprintf("expected array, got %T", v))
		return nil
	}

	images := make([]model.ListingImage, 0, len(raw))
	for i, item := range raw {
		prefix := fmt.Sprintf("%s[%d]", fieldImages, i)
		m, ok := item.(map[string]any)
		if !ok {
			d.fail(prefix, fmt.Sprintf("expected object, got %T", item))
			continue
		}
		sub := &decoder{fields: m, prefix: prefix + "."}
		img := model.ListingImage{
			OwnerUserID: sub.requiredString(fieldUserID),
			Name:        sub.requiredString(fieldName),
			URL:         sub.requiredString(fieldImageURL),
		}
		if len(sub.issues) > 0 {
			d.issues = append(d.issues, sub.issues...)
			continue
		}
		images = append(images, img)
	}
	return images
}

// ParseListing はドキュメントを出品に変換する。
// 必須フィールドの欠落や型違いはすべて*DecodeErrorにまとめて返す。
func ParseListing(doc docstore.Document) (model.Listing, error) {
	d := &decoder{fields: doc.Fields}
	l := model.Listing{
		ID:               doc.ID,
		OwnerUserID:      d.requiredString(fieldUserID),
		Name:             d.requiredString(fieldName),
		Model:            d.requiredString(fieldModel),
		Year:             d.requiredText(fieldYear),
		OdometerKm:       d.requiredText(fieldKm),
		Price:            d.requiredText(fieldPrice),
		City:             d.requiredString(fieldCity),
		Images:           d.images(),
		ContactPhone:     d.optionalString(fieldWhatsapp),
		Description:      d.optionalString(fieldDescription),
		OwnerDisplayName: d.optionalString(fieldOwner),
		CreatedAt:        d.optionalTime(fieldCreatedAt),
	}
	if len(d.issues) > 0 {
		return model.Listing{}, &DecodeError{DocumentID: doc.ID, Issues: d.issues}
	}
	return l, nil
}

// deletionTargets は削除に必要な所有者と画像を寛容に取り出す。
// 壊れたドキュメントも所有者さえ読めれば削除できるようにする。
func deletionTargets(doc docstore.Document) (string, []model.ListingImage) {
	owner, _ := doc.Fields[fieldUserID].(string)
	raw, _ := doc.Fields[fieldImages].([]any)

	var images []model.ListingImage
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m[fieldName].(string)
		if name == "" {
			continue
		}
		uid, _ := m[fieldUserID].(string)
		url, _ := m[fieldImageURL].(string)
		images = append(images, model.ListingImage{OwnerUserID: uid, Name: name, URL: url})
	}
	return owner, images
}

// toFields は出品をドキュメントのフィールドに変換する。
func toFields(l model.Listing) map[string]any {
	images := make([]any, len(l.Images))
	for i, img := range l.Images {
		images[i] = map[string]any{
			fieldUserID:   img.OwnerUserID,
			fieldName:     img.Name,
			fieldImageURL: img.URL,
		}
	}
	return map[string]any{
		fieldUserID:      l.OwnerUserID,
		fieldName:        l.Name,
		fieldModel:       l.Model,
		fieldYear:        l.Year,
		fieldKm:          l.OdometerKm,
		fieldPrice:       l.Price,
		fieldCity:        l.City,
		fieldWhatsapp:    l.ContactPhone,
		fieldDescription: l.Description,
		fieldOwner:       l.OwnerDisplayName,
		fieldCreatedAt:   l.CreatedAt,
		fieldImages:      images,
	}
}

func numberText(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return n, true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case int:
		return strconv.Itoa(n), true
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), true
	default:
		return "", false
	}
}
