package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// presignExpiry は署名付きURLの有効期間。SigV4の上限は7日。
const presignExpiry = 7 * 24 * time.Hour

// S3Config はS3互換ストレージの接続設定。
type S3Config struct {
	Region        string
	Endpoint      string // 空の場合はAWSのデフォルトエンドポイント
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string // 空の場合は署名付きURLを返す
}

// S3Store はaws-sdk-go-v2を使用したStoreの実装。
type S3Store struct {
	client        *s3.Client
	presign       *s3.PresignClient
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewS3Store はS3クライアントを生成する。
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:        client,
		presign:       s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		publicBaseURL: cfg.PublicBaseURL,
		logger:        logger,
	}, nil
}

// Upload はオブジェクトを保存する。
func (s *S3Store) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (Ref, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(path),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("failed to upload %s: %w", path, err)
	}
	s.logger.Debug("object uploaded", slog.String("path", path), slog.Int64("size", size))
	return Ref{Bucket: s.bucket, Path: path}, nil
}

// ResolveURL は公開URL、未設定の場合は署名付きGET URLを返す。
func (s *S3Store) ResolveURL(ctx context.Context, ref Ref) (string, error) {
	if s.publicBaseURL != "" {
		u, err := publicURL(s.publicBaseURL, ref.Path)
		if err != nil {
			return "", fmt.Errorf("failed to build url for %s: %w", ref.Path, err)
		}
		return u, nil
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Path),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", ref.Path, err)
	}
	return req.URL, nil
}

// Delete はオブジェクトを削除する。
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*S3Store)(nil)
