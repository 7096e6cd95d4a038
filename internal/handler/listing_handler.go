package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/carmarket/internal/listing"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
)

// multipartMemory はmultipart解析時にメモリへ保持する上限。超えた分は一時ファイルになる。
const multipartMemory = 8 << 20

// multipartOverhead はmultipart本文の境界やヘッダーの分として画像上限に加える余裕。
const multipartOverhead = 64 << 10

// ListingReader は出品ハンドラーが必要とする読み取り操作。
type ListingReader interface {
	Fetch(ctx context.Context, ownerFilter string) listing.FetchResult
	Get(ctx context.Context, id string) (*model.Listing, error)
}

// ListingWriter は出品ハンドラーが必要とする書き込み操作。
type ListingWriter interface {
	Create(ctx context.Context, owner listing.Owner, form listing.Form, staged []model.ListingImage) (string, error)
	Delete(ctx context.Context, requesterID, listingID string) (listing.DeleteReport, error)
	UploadImage(ctx context.Context, ownerID string, file listing.Upload) (model.ListingImage, error)
	DeleteStagedImage(ctx context.Context, ownerID, name string) error
}

// listingsResponse は出品一覧のレスポンス。
// rejectedは形式不正で読み飛ばしたドキュメント数。
type listingsResponse struct {
	Listings []model.Listing `json:"listings"`
	Rejected int             `json:"rejected"`
}

// createListingRequest は出品登録のリクエストボディ。
type createListingRequest struct {
	listing.Form
	Images []model.ListingImage `json:"images"`
}

// createListingResponse は出品登録のレスポンス。
type createListingResponse struct {
	ID string `json:"id"`
}

// imageDeletionResponse は出品削除時の画像1枚ごとの結果。
type imageDeletionResponse struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
	Error   string `json:"error,omitempty"`
}

// deleteListingResponse は出品削除のレスポンス。
type deleteListingResponse struct {
	ID     string                  `json:"id"`
	Images []imageDeletionResponse `json:"images"`
}

// ListingHandler は出品関連のHTTPハンドラー。
type ListingHandler struct {
	reader        ListingReader
	writer        ListingWriter
	maxUploadSize int64
	logger        *slog.Logger
}

// NewListingHandler はListingHandlerを生成する。
func NewListingHandler(reader ListingReader, writer ListingWriter, maxUploadSize int64, logger *slog.Logger) *ListingHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = listing.DefaultMaxUploadSize
	}
	return &ListingHandler{
		reader:        reader,
		writer:        writer,
		maxUploadSize: maxUploadSize,
		logger:        logger,
	}
}

// List は出品一覧を新しい順に返す。ownerを指定するとその出品者のみに絞り込む。
// GET /api/listings?owner=xxx
func (h *ListingHandler) List(w http.ResponseWriter, r *http.Request) {
	result := h.reader.Fetch(r.Context(), r.URL.Query().Get("owner"))

	listings := result.Listings
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listingsResponse{
		Listings: listings,
		Rejected: len(result.Rejected),
	})
}

// Get は出品1件を返す。
// GET /api/listings/{id}
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	l, err := h.reader.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if l == nil {
		handleServiceError(w, model.NewListingNotFoundError(id))
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Create は出品を登録する。出品者はサインイン中のユーザー。
// POST /api/listings
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := currentIdentity(r)
	if !ok {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}

	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"body": "リクエストの形式が正しくありません",
		}))
		return
	}

	id, err := h.writer.Create(r.Context(), listing.OwnerFromIdentity(identity), req.Form, req.Images)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createListingResponse{ID: id})
}

// Delete は出品を削除する。レコード削除後、画像ごとの削除結果を返す。
// DELETE /api/listings/{id}
func (h *ListingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}

	report, err := h.writer.Delete(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := deleteListingResponse{
		ID:     report.ListingID,
		Images: make([]imageDeletionResponse, 0, len(report.Images)),
	}
	for _, img := range report.Images {
		item := imageDeletionResponse{
			Name:    img.Name,
			Path:    img.Path,
			Deleted: img.Err == nil,
		}
		if img.Err != nil {
			item.Error = "画像の削除に失敗しました"
		}
		resp.Images = append(resp.Images, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadImage は画像を1枚アップロードし、ステージング済みの画像情報を返す。
// POST /api/images (multipart/form-data, field "file")
func (h *ListingHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}

	// 1. 本文サイズを制限してmultipartを解析
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, model.NewImageTooLargeError(h.maxUploadSize))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"file": "画像ファイルを選択してください",
		}))
		return
	}
	defer r.MultipartForm.RemoveAll()

	// 2. fileフィールドを取り出す
	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(map[string]string{
			"file": "画像ファイルを選択してください",
		}))
		return
	}
	defer file.Close()

	// 3. アップロード
	img, err := h.writer.UploadImage(r.Context(), userID, listing.Upload{
		Body:        file,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

// DeleteImage はステージング中の画像を削除する。
// DELETE /api/images/{name}
func (h *ListingHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.writer.DeleteStagedImage(r.Context(), userID, chi.URLParam(r, "name")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// currentIdentity はセッションストアからサインイン中のIdentityを取り出す。
func currentIdentity(r *http.Request) (*model.Identity, bool) {
	store, ok := middleware.StoreFromContext(r.Context())
	if !ok {
		return nil, false
	}
	identity := store.Snapshot().Identity
	return identity, identity != nil
}
