package docstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect はMongoDBに接続し、Pingで疎通を確認する。
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// MongoStore はMongoDBを使用したStoreの実装。
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore はMongoStoreを生成する。
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// Find は条件に一致するドキュメントを返す。
func (s *MongoStore) Find(ctx context.Context, collection string, q Query) ([]Document, error) {
	filter := bson.M{}
	if q.Filter != nil {
		filter[q.Filter.Field] = q.Filter.Value
	}

	opts := options.Find()
	if q.Order != nil {
		dir := 1
		if q.Order.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.Order.Field, Value: dir}})
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(raw))
	for _, m := range raw {
		docs = append(docs, toDocument(m))
	}
	return docs, nil
}

// Get は指定IDのドキュメントを返す。見つからない場合はnilを返す。
func (s *MongoStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	var m bson.M
	err := s.db.Collection(collection).FindOne(ctx, idFilter(id)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	doc := toDocument(m)
	return &doc, nil
}

// Add はドキュメントを追加する。IDはObjectIDで採番する。
func (s *MongoStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	m := bson.M{}
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		m[k] = v
	}
	oid := primitive.NewObjectID()
	m["_id"] = oid

	if _, err := s.db.Collection(collection).InsertOne(ctx, m); err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return oid.Hex(), nil
}

// Delete は指定IDのドキュメントを削除する。
func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, idFilter(id)); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// idFilter はIDの検索条件を返す。ObjectIDとして解釈できない場合は文字列IDとして扱う。
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

// compile-time interface check
var _ Store = (*MongoStore)(nil)
