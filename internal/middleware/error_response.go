package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/personachat/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの形式 {"error": "..."}。
type ErrorResponseBody struct {
	Error string `json:"error"`
}

// WriteErrorResponse はAPIErrorのメッセージをエラーレスポンスとして書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSONError(w, statusCode, apiErr.Message)
}

// WriteJSONError は {"error": message} を指定ステータスで書き込む。
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{Error: message})
}

// WriteInternalServerError は内部エラーの汎用レスポンスを書き込む。
// 詳細はログのみに記録する。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusInternalServerError, "Internal server error")
}

// StatusForAPIError はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest, model.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
