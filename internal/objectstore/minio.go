package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig はMinIOの接続設定。
type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string // 空の場合はエンドポイントURLから組み立てる
}

// MinIOStore はMinIOを使用したStoreの実装。
type MinIOStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewMinIOStore はMinIOクライアントを生成し、バケットがなければ作成する。
func NewMinIOStore(ctx context.Context, cfg MinIOConfig, logger *slog.Logger) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("bucket created", slog.String("bucket", cfg.Bucket))
	}

	base := cfg.PublicBaseURL
	if base == "" {
		base = client.EndpointURL().String() + "/" + cfg.Bucket
	}

	return &MinIOStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: base,
		logger:        logger,
	}, nil
}

// Upload はオブジェクトを保存する。
func (s *MinIOStore) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Ref, error) {
	info, err := s.client.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to upload %s: %w", path, err)
	}
	s.logger.Debug("object uploaded",
		slog.String("path", path),
		slog.Int64("size", info.Size),
	)
	return Ref{Bucket: s.bucket, Path: path}, nil
}

// ResolveURL は公開URLを返す。
func (s *MinIOStore) ResolveURL(_ context.Context, ref Ref) (string, error) {
	u, err := publicURL(s.publicBaseURL, ref.Path)
	if err != nil {
		return "", fmt.Errorf("failed to build url for %s: %w", ref.Path, err)
	}
	return u, nil
}

// Delete はオブジェクトを削除する。
func (s *MinIOStore) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*MinIOStore)(nil)
