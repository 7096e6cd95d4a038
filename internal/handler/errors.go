package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/carmarket/internal/auth"
	"github.com/hitoshi/carmarket/internal/middleware"
	"github.com/hitoshi/carmarket/internal/model"
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一フォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Cause != nil {
			slog.Warn("service error",
				slog.String("code", apiErr.Code),
				slog.String("error", apiErr.Cause.Error()),
			)
		}
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, model.ErrCodeImageRequired, model.ErrCodeImageNotOwned:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidImageFormat:
		return http.StatusUnsupportedMediaType
	case model.ErrCodeImageTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeListingNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeForbidden, model.ErrCodeCSRF:
		return http.StatusForbidden
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeTransport:
		return http.StatusBadGateway
	case model.ErrCodeAuthResolving:
		return http.StatusServiceUnavailable
	case auth.CodeInvalidEmail, auth.CodeWeakPassword:
		return http.StatusUnprocessableEntity
	case auth.CodeEmailAlreadyInUse, model.ErrCodeImageInUse:
		return http.StatusConflict
	case auth.CodeInvalidCredential, auth.CodeUserNotFound, auth.CodeNoCurrentUser:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
