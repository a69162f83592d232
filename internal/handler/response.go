package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/personachat/internal/middleware"
	"github.com/hitoshi/personachat/internal/model"
)

// envelopeResponse は成功レスポンスの形式 {"code": 0, "data": ...}。
type envelopeResponse struct {
	Code int `json:"code"`
	Data any `json:"data"`
}

// writeJSON は任意の値をJSONとして書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeData は {"code": 0, "data": data} を200で書き込む。
func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelopeResponse{Code: 0, Data: data})
}

// writeAPIErrorResponse はAPIErrorを対応するステータスで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, middleware.StatusForAPIError(apiErr), apiErr)
}

// handleServiceError はサービス層から返されたエラーをレスポンスに変換する。
// APIError以外はログに記録し、fallbackのメッセージで500を返す。
func handleServiceError(w http.ResponseWriter, err error, fallback *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, apiErr)
		return
	}

	slog.Error(fallback.Message, slog.String("error", err.Error()))
	writeAPIErrorResponse(w, fallback)
}

// currentUser はセッションミドルウェアが注入したユーザーを取得する。
// 取得できない場合は401を書き込みfalseを返す。
func currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, model.NewUnauthorizedError())
		return nil, false
	}
	return user, true
}

// decodeJSONBody はリクエストボディをJSONとしてデコードする。
// 失敗時は400 Invalid request bodyを書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIErrorResponse(w, model.NewInvalidRequestError())
		return false
	}
	return true
}

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20
