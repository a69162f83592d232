package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/personachat/internal/model"
)

// PersonaAPI はユーザー情報・意図分類ハンドラーが必要とする上流APIのインターフェース。
type PersonaAPI interface {
	UserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error)
	Shades(ctx context.Context, accessToken string) (json.RawMessage, error)
	ClassifyIntent(ctx context.Context, accessToken, text string) (*model.IntentScores, error)
}

// UserHandler はペルソナAPIへ中継するHTTPハンドラー。
type UserHandler struct {
	persona PersonaAPI
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(persona PersonaAPI) *UserHandler {
	return &UserHandler{persona: persona}
}

// actRequest は意図分類リクエストのボディ。
type actRequest struct {
	Text string `json:"text"`
}

// Info はペルソナAPI上のプロフィールを返す。
// GET /api/user/info
func (h *UserHandler) Info(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	info, err := h.persona.UserInfo(r.Context(), user.AccessToken)
	if err != nil {
		handleServiceError(w, err, model.NewUpstreamError("Failed to fetch user info"))
		return
	}

	writeData(w, info)
}

// Shades はユーザーの興味タグを上流のレスポンスボディのまま返す。
// GET /api/user/shades
func (h *UserHandler) Shades(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	body, err := h.persona.Shades(r.Context(), user.AccessToken)
	if err != nil {
		handleServiceError(w, err, model.NewUpstreamError("Failed to fetch user shades"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Warn("failed to write shades response", slog.String("error", err.Error()))
	}
}

// Act はテキストの意図を分類する。
// POST /api/act
func (h *UserHandler) Act(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req actRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeAPIErrorResponse(w, model.NewValidationError("Text is required"))
		return
	}

	scores, err := h.persona.ClassifyIntent(r.Context(), user.AccessToken, req.Text)
	if err != nil {
		handleServiceError(w, err, model.NewUpstreamError("Classification failed"))
		return
	}

	writeData(w, scores)
}
