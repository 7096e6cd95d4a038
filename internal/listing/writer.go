package listing

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/carmarket/internal/cache"
	"github.com/hitoshi/carmarket/internal/docstore"
	"github.com/hitoshi/carmarket/internal/events"
	"github.com/hitoshi/carmarket/internal/metrics"
	"github.com/hitoshi/carmarket/internal/model"
	"github.com/hitoshi/carmarket/internal/objectstore"
	"github.com/hitoshi/carmarket/internal/security"
)

// DefaultMaxUploadSize は画像1枚あたりのデフォルト上限（5MB）。
const DefaultMaxUploadSize int64 = 5 * 1024 * 1024

// allowedImageTypes はアップロードを受け付けるContent-Type。
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Upload はアップロードされた画像ファイル。
type Upload struct {
	Body        io.Reader
	Size        int64
	ContentType string
}

// ImageDeletion は出品削除時の画像1枚ごとの結果。
type ImageDeletion struct {
	Name string
	Path string
	Err  error
}

// DeleteReport は出品削除の結果。レコードは削除済みで、画像ごとの結果を持つ。
type DeleteReport struct {
	ListingID string
	Images    []ImageDeletion
}

// Failed は削除に失敗した画像を返す。
func (r DeleteReport) Failed() []ImageDeletion {
	var failed []ImageDeletion
	for _, img := range r.Images {
		if img.Err != nil {
			failed = append(failed, img)
		}
	}
	return failed
}

// WriterDeps はWriterの依存。
type WriterDeps struct {
	Docs          docstore.Store
	Objects       objectstore.Store
	Cache         cache.ListingCache
	Events        events.Publisher
	Sanitizer     security.TextSanitizer
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
	MaxUploadSize int64
}

// Writer は出品の登録・削除と画像のアップロードを担う。
type Writer struct {
	docs          docstore.Store
	objects       objectstore.Store
	cache         cache.ListingCache
	events        events.Publisher
	sanitizer     security.TextSanitizer
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	maxUploadSize int64
	now           func() time.Time
	newKey        func() string
}

// NewWriter はWriterを生成する。
func NewWriter(deps WriterDeps) *Writer {
	maxSize := deps.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &Writer{
		docs:          deps.Docs,
		objects:       deps.Objects,
		cache:         deps.Cache,
		events:        deps.Events,
		sanitizer:     deps.Sanitizer,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
		maxUploadSize: maxSize,
		now:           time.Now,
		newKey:        uuid.NewString,
	}
}

// Create は出品を登録し、採番したIDを返す。
// 画像は事前にUploadImageでアップロード済みのものだけを受け付ける。
func (w *Writer) Create(ctx context.Context, owner Owner, form Form, staged []model.ListingImage) (string, error) {
	// 1. 入力検証（通信前）
	form = form.Normalize()
	fields := form.fieldErrors()
	if len(staged) == 0 {
		if len(fields) == 0 {
			return "", model.NewImageRequiredError()
		}
		fields["images"] = "画像が必要です"
	}
	if len(fields) > 0 {
		return "", model.NewValidationError(fields)
	}
	if owner.ID == "" {
		return "", model.NewUnauthorizedError()
	}
	for _, img := range staged {
		if img.OwnerUserID != owner.ID {
			return "", model.NewImageNotOwnedError(img.Name)
		}
		if img.Name == "" || img.URL == "" {
			return "", model.NewValidationError(map[string]string{"images": "画像の情報が不完全です"})
		}
		if !isImageKey(img.Name) {
			return "", model.NewValidationError(map[string]string{"images": "画像名が不正です"})
		}
	}

	ctx, span := tracer.Start(ctx, "listing.Create",
		trace.WithAttributes(
			attribute.String("listing.owner", owner.ID),
			attribute.Int("listing.images", len(staged)),
		),
	)
	defer span.End()

	// 2. ドキュメント組み立て
	images := make([]model.ListingImage, len(staged))
	copy(images, staged)
	l := model.Listing{
		OwnerUserID:      owner.ID,
		Name:             strings.ToUpper(form.Name),
		Model:            form.Model,
		Year:             form.Year,
		OdometerKm:       form.Km,
		Price:            form.Price,
		City:             form.City,
		Images:           images,
		OwnerDisplayName: owner.DisplayName,
		ContactPhone:     form.Whatsapp,
		Description:      w.sanitizer.Sanitize(form.Description),
		CreatedAt:        w.now().UTC(),
	}

	// 3. 保存
	id, err := w.docs.Add(ctx, Collection, toFields(l))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		w.logger.Error("failed to create listing",
			slog.String("user_id", owner.ID),
			slog.String("error", err.Error()),
		)
		return "", model.NewTransportError("listing.create", err)
	}

	// 4. 後処理（失敗しても登録は成功扱い）
	w.invalidateCache(ctx)
	ev := events.ListingCreated{
		ListingID:  id,
		OwnerID:    owner.ID,
		Name:       l.Name,
		ImageCount: len(images),
		CreatedAt:  l.CreatedAt,
	}
	if err := w.events.PublishListingCreated(ctx, ev); err != nil {
		w.logger.Warn("failed to publish listing.created",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
	}
	w.metrics.RecordListingCreated()

	w.logger.Info("listing created",
		slog.String("listing_id", id),
		slog.String("user_id", owner.ID),
	)
	return id, nil
}

// Delete は出品を削除する。
// レコードを先に削除し、その後すべての画像を並行に削除して結果を待つ。
// 画像の削除失敗はログに記録して残りの削除を続け、レコードは戻さない。
func (w *Writer) Delete(ctx context.Context, requesterID, listingID string) (DeleteReport, error) {
	ctx, span := tracer.Start(ctx, "listing.Delete",
		trace.WithAttributes(attribute.String("listing.id", listingID)),
	)
	defer span.End()

	// 1. 対象の取得と所有者確認
	doc, err := w.docs.Get(ctx, Collection, listingID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		w.logger.Error("failed to load listing for deletion",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return DeleteReport{}, model.NewTransportError("listing.delete", err)
	}
	if doc == nil {
		return DeleteReport{}, model.NewListingNotFoundError(listingID)
	}
	owner, images := deletionTargets(*doc)
	if owner == "" || owner != requesterID {
		return DeleteReport{}, model.NewForbiddenError()
	}

	// 2. レコード削除
	if err := w.docs.Delete(ctx, Collection, listingID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		w.logger.Error("failed to delete listing",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return DeleteReport{}, model.NewTransportError("listing.delete", err)
	}

	// 3. 画像削除（並行、全件待ち合わせ）
	report := DeleteReport{
		ListingID: listingID,
		Images:    w.deleteImages(ctx, listingID, owner, images),
	}
	failed := report.Failed()
	span.SetAttributes(
		attribute.Int("listing.images", len(report.Images)),
		attribute.Int("listing.images_failed", len(failed)),
	)

	// 4. 後処理
	w.invalidateCache(ctx)
	outcomes := make([]events.ImageOutcome, len(report.Images))
	for i, img := range report.Images {
		outcomes[i] = events.ImageOutcome{Name: img.Name}
		if img.Err != nil {
			outcomes[i].Error = img.Err.Error()
		}
	}
	ev := events.ListingDeleted{
		ListingID: listingID,
		OwnerID:   owner,
		Images:    outcomes,
		DeletedAt: w.now().UTC(),
	}
	if err := w.events.PublishListingDeleted(ctx, ev); err != nil {
		w.logger.Warn("failed to publish listing.deleted",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
	}
	w.metrics.RecordListingDeleted()

	w.logger.Info("listing deleted",
		slog.String("listing_id", listingID),
		slog.Int("images", len(report.Images)),
		slog.Int("images_failed", len(failed)),
	)
	return report, nil
}

func (w *Writer) deleteImages(ctx context.Context, listingID, owner string, images []model.ListingImage) []ImageDeletion {
	results := make([]ImageDeletion, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		path, err := objectstore.ImagePath(owner, img.Name)
		if err != nil {
			results[i] = ImageDeletion{Name: img.Name, Err: err}
			w.metrics.RecordImageDelete(false)
			w.logger.Warn("skipped listing image with invalid name",
				slog.String("listing_id", listingID),
				slog.String("name", img.Name),
			)
			continue
		}
		results[i] = ImageDeletion{Name: img.Name, Path: path}
		wg.Add(1)
		go func(r *ImageDeletion) {
			defer wg.Done()
			r.Err = w.objects.Delete(ctx, r.Path)
			w.metrics.RecordImageDelete(r.Err == nil)
			if r.Err != nil {
				w.logger.Error("failed to delete listing image",
					slog.String("listing_id", listingID),
					slog.String("path", r.Path),
					slog.String("error", r.Err.Error()),
				)
			}
		}(&results[i])
	}
	wg.Wait()
	return results
}

// UploadImage は画像をアップロードし、未登録の画像情報を返す。
// 形式とサイズは通信前に検証する。
func (w *Writer) UploadImage(ctx context.Context, ownerID string, file Upload) (model.ListingImage, error) {
	// 1. 検証
	if ownerID == "" {
		return model.ListingImage{}, model.NewUnauthorizedError()
	}
	if !isAllowedImageType(file.ContentType) {
		return model.ListingImage{}, model.NewInvalidImageFormatError(file.ContentType)
	}
	if file.Size > w.maxUploadSize {
		return model.ListingImage{}, model.NewImageTooLargeError(w.maxUploadSize)
	}
	if file.Size <= 0 || file.Body == nil {
		return model.ListingImage{}, model.NewValidationError(map[string]string{"file": "ファイルが空です"})
	}

	ctx, span := tracer.Start(ctx, "listing.UploadImage",
		trace.WithAttributes(
			attribute.String("listing.owner", ownerID),
			attribute.Int64("image.size", file.Size),
		),
	)
	defer span.End()

	// 2. アップロード
	key := w.newKey()
	path, err := objectstore.ImagePath(ownerID, key)
	if err != nil {
		return model.ListingImage{}, model.NewValidationError(map[string]string{"image": "画像名が不正です"})
	}
	ref, err := w.objects.Upload(ctx, path, file.Body, file.Size, file.ContentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		w.metrics.RecordImageUpload(false)
		w.logger.Error("failed to upload image",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.ListingImage{}, model.NewTransportError("image.upload", err)
	}

	// 3. URL解決
	url, err := w.objects.ResolveURL(ctx, ref)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		w.metrics.RecordImageUpload(false)
		w.logger.Error("failed to resolve image url",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		if delErr := w.objects.Delete(ctx, path); delErr != nil {
			w.logger.Warn("failed to remove unresolved image",
				slog.String("path", path),
				slog.String("error", delErr.Error()),
			)
		}
		return model.ListingImage{}, model.NewTransportError("image.upload", err)
	}

	w.metrics.RecordImageUpload(true)
	return model.ListingImage{OwnerUserID: ownerID, Name: key, URL: url}, nil
}

// DeleteStagedImage は登録前の画像を削除する。
func (w *Writer) DeleteStagedImage(ctx context.Context, ownerID, name string) error {
	if ownerID == "" {
		return model.NewUnauthorizedError()
	}
	path, err := objectstore.ImagePath(ownerID, name)
	if err != nil {
		return model.NewValidationError(map[string]string{"name": "画像名が不正です"})
	}

	// 出品済みの画像は出品の削除でのみ消す
	inUse, err := w.imageInUse(ctx, ownerID, name)
	if err != nil {
		w.logger.Error("failed to check staged image usage",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransportError("image.delete", err)
	}
	if inUse {
		return model.NewImageInUseError(name)
	}
	if err := w.objects.Delete(ctx, path); err != nil {
		w.metrics.RecordImageDelete(false)
		w.logger.Error("failed to delete staged image",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewTransportError("image.delete", err)
	}
	w.metrics.RecordImageDelete(true)
	return nil
}

// imageInUse はownerIDの出品がnameの画像を参照しているかを返す。
func (w *Writer) imageInUse(ctx context.Context, ownerID, name string) (bool, error) {
	docs, err := w.docs.Find(ctx, Collection, docstore.Query{
		Filter: &docstore.Equal{Field: fieldUserID, Value: ownerID},
	})
	if err != nil {
		return false, err
	}
	for _, doc := range docs {
		_, images := deletionTargets(doc)
		for _, img := range images {
			if img.Name == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (w *Writer) invalidateCache(ctx context.Context) {
	if err := w.cache.Invalidate(ctx); err != nil {
		w.logger.Warn("failed to invalidate listing cache", slog.String("error", err.Error()))
	}
}

// isImageKey はnameがUploadImageの採番する正規形のUUIDかを返す。
func isImageKey(name string) bool {
	id, err := uuid.Parse(name)
	return err == nil && id.String() == name
}

func isAllowedImageType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return allowedImageTypes[strings.ToLower(mediaType)]
}
