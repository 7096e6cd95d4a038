// Package docstore はスキーマを持たないドキュメントストアの境界を定義する。
//
// ドキュメントのフィールドは存在も型も保証されない。読み取り側で検証すること。
package docstore

import "context"

// Document はコレクション内の1ドキュメント。
// Fieldsの値はstring, float64, int32, int64, bool, time.Time, []any, map[string]any, nilのいずれか。
type Document struct {
	ID     string
	Fields map[string]any
}

// Equal はフィールドの等価条件。
type Equal struct {
	Field string
	Value any
}

// Order はソート条件。
type Order struct {
	Field      string
	Descending bool
}

// Query は検索条件。両方nilの場合は全件をストアの自然順で返す。
type Query struct {
	Filter *Equal
	Order  *Order
}

// Store はドキュメントストアのインターフェース。
type Store interface {
	// Find は条件に一致するドキュメントを返す。
	Find(ctx context.Context, collection string, q Query) ([]Document, error)
	// Get は指定IDのドキュメントを返す。見つからない場合はnilを返す。
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Add はドキュメントを追加し、採番したIDを返す。
	Add(ctx context.Context, collection string, fields map[string]any) (string, error)
	// Delete は指定IDのドキュメントを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, collection, id string) error
}
