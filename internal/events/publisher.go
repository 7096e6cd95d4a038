// Package events は出品の作成・削除イベントを配信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// イベントのサブジェクト
const (
	SubjectListingCreated = "listing.created"
	SubjectListingDeleted = "listing.deleted"
)

// ListingCreated は出品作成イベント。
type ListingCreated struct {
	ListingID  string    `json:"listing_id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	ImageCount int       `json:"image_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ImageOutcome は画像1枚分の削除結果。
type ImageOutcome struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// ListingDeleted は出品削除イベント。画像ごとの削除結果を含む。
type ListingDeleted struct {
	ListingID string         `json:"listing_id"`
	OwnerID   string         `json:"owner_id"`
	Images    []ImageOutcome `json:"images"`
	DeletedAt time.Time      `json:"deleted_at"`
}

// Publisher はイベント配信のインターフェース。
type Publisher interface {
	PublishListingCreated(ctx context.Context, ev ListingCreated) error
	PublishListingDeleted(ctx context.Context, ev ListingDeleted) error
}

// NATSPublisher はNATSを使用したPublisherの実装。
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher はNATSに接続する。切断・再接続はログに記録する。
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("carmarket"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// PublishListingCreated は出品作成イベントを配信する。
func (p *NATSPublisher) PublishListingCreated(_ context.Context, ev ListingCreated) error {
	return p.publish(SubjectListingCreated, ev)
}

// PublishListingDeleted は出品削除イベントを配信する。
func (p *NATSPublisher) PublishListingDeleted(_ context.Context, ev ListingDeleted) error {
	return p.publish(SubjectListingDeleted, ev)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close は未送信メッセージを送り切ってから接続を閉じる。
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", slog.String("error", err.Error()))
		p.conn.Close()
	}
}

// NopPublisher は何も配信しない実装。NATS_URL未設定時に使う。
type NopPublisher struct{}

// PublishListingCreated は何もしない。
func (NopPublisher) PublishListingCreated(context.Context, ListingCreated) error { return nil }

// PublishListingDeleted は何もしない。
func (NopPublisher) PublishListingDeleted(context.Context, ListingDeleted) error { return nil }

// compile-time interface check
var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = NopPublisher{}
)
