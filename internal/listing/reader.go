package listing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/carmarket/internal/cache"
	"github.com/hitoshi/carmarket/internal/docstore"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/model"
)

var tracer = otel.Tracer("github.com/hitoshi/carmarket/internal/listing")

// FetchResult は一覧取得の結果。
// 変換に失敗したドキュメントはListingsに含めずRejectedに入れる。
type FetchResult struct {
	Listings []model.Listing
	Rejected []*DecodeError
}

// Reader は出品の読み取りを担う。
type Reader struct {
	docs    docstore.Store
	cache   cache.ListingCache
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewReader はReaderを生成する。
func NewReader(docs docstore.Store, listingCache cache.ListingCache, m metrics.MetricsCollector, logger *slog.Logger) *Reader {
	return &Reader{
		docs:    docs,
		cache:   listingCache,
		metrics: m,
		logger:  logger,
	}
}

// Fetch は出品一覧を返す。
// ownerFilterが空なら全件を作成日時の降順で、指定時はその所有者の出品のみを返す。
// 通信エラーは呼び出し元に返さず、ログに記録して空の結果を返す。
func (r *Reader) Fetch(ctx context.Context, ownerFilter string) FetchResult {
	ctx, span := tracer.Start(ctx, "listing.Fetch",
		trace.WithAttributes(attribute.String("listing.owner_filter", ownerFilter)),
	)
	defer span.End()

	start := time.Now()
	defer func() { r.metrics.RecordFetchLatency(time.Since(start)) }()

	if ownerFilter == "" {
		if cached, ok := r.cachedAll(ctx); ok {
			span.SetAttributes(attribute.Bool("listing.cache_hit", true))
			return FetchResult{Listings: cached}
		}
	}

	q := docstore.Query{Order: &docstore.Order{Field: fieldCreatedAt, Descending: true}}
	if ownerFilter != "" {
		q = docstore.Query{Filter: &docstore.Equal{Field: fieldUserID, Value: ownerFilter}}
	}

	docs, err := r.docs.Find(ctx, Collection, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find failed")
		r.logger.Error("failed to fetch listings",
			slog.String("owner_filter", ownerFilter),
			slog.String("error", err.Error()),
		)
		return FetchResult{Listings: []model.Listing{}}
	}

	result := r.decodeAll(docs)
	span.SetAttributes(
		attribute.Int("listing.count", len(result.Listings)),
		attribute.Int("listing.rejected", len(result.Rejected)),
	)

	if ownerFilter == "" {
		if err := r.cache.SetAll(ctx, result.Listings); err != nil {
			r.logger.Warn("failed to cache listings", slog.String("error", err.Error()))
		}
	}
	return result
}

// Get は指定IDの出品を返す。見つからない場合や変換できない場合はnilを返す。
func (r *Reader) Get(ctx context.Context, id string) (*model.Listing, error) {
	ctx, span := tracer.Start(ctx, "listing.Get",
		trace.WithAttributes(attribute.String("listing.id", id)),
	)
	defer span.End()

	doc, err := r.docs.Get(ctx, Collection, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		r.logger.Error("failed to get listing",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransportError("listing.get", err)
	}
	if doc == nil {
		return nil, nil
	}

	l, err := ParseListing(*doc)
	if err != nil {
		r.reportRejected(err)
		return nil, nil
	}
	return &l, nil
}

func (r *Reader) cachedAll(ctx context.Context) ([]model.Listing, bool) {
	listings, ok, err := r.cache.GetAll(ctx)
	if err != nil {
		r.logger.Warn("failed to read listing cache", slog.String("error", err.Error()))
		return nil, false
	}
	return listings, ok
}

func (r *Reader) decodeAll(docs []docstore.Document) FetchResult {
	result := FetchResult{Listings: make([]model.Listing, 0, len(docs))}
	for _, doc := range docs {
		l, err := ParseListing(doc)
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				result.Rejected = append(result.Rejected, decodeErr)
			}
			r.reportRejected(err)
			continue
		}
		result.Listings = append(result.Listings, l)
	}
	return result
}

func (r *Reader) reportRejected(err error) {
	r.metrics.RecordDecodeFailure()
	r.logger.Warn("skipped malformed listing document", slog.String("error", err.Error()))
}
