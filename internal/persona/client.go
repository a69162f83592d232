// Package persona はSecondMeペルソナAPIのクライアントを提供する。
// OAuthトークン交換・リフレッシュ、ユーザー情報、シェード、意図分類、
// ストリーミングチャットの呼び出しを扱う。
package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/personachat/internal/metrics"
	"github.com/hitoshi/personachat/internal/model"
)

// メトリクスとスパンに使うエンドポイント名。
const (
	endpointToken    = "token"
	endpointRefresh  = "refresh"
	endpointUserInfo = "user_info"
	endpointShades   = "shades"
	endpointAct      = "act"
	endpointChat     = "chat"
)

// Config はペルソナAPIの接続設定。
type Config struct {
	APIBaseURL   string
	OAuthURL     string
	TokenURL     string
	RefreshURL   string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// CallTimeout はストリーミング以外の呼び出し1回あたりのタイムアウト。
	CallTimeout time.Duration
}

// Client はペルソナAPIのクライアント。
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	tracer     trace.Tracer
}

// NewClient はClientの新しいインスタンスを生成する。
// RefreshURLが空の場合はTokenURLを使う。
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	if cfg.RefreshURL == "" {
		cfg.RefreshURL = cfg.TokenURL
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("github.com/hitoshi/personachat/internal/persona"),
	}
}

// LoginURL はプロバイダーの認可画面URLを返す。
func (c *Client) LoginURL(state string) string {
	params := url.Values{
		"client_id":     {c.cfg.ClientID},
		"redirect_uri":  {c.cfg.RedirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	sep := "?"
	if strings.Contains(c.cfg.OAuthURL, "?") {
		sep = "&"
	}
	return c.cfg.OAuthURL + sep + params.Encode()
}

// ExchangeCode は認可コードをトークンに交換する。
func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.cfg.RedirectURI},
	}
	return c.postTokenForm(ctx, endpointToken, c.cfg.TokenURL, form)
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*model.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}
	return c.postTokenForm(ctx, endpointRefresh, c.cfg.RefreshURL, form)
}

func (c *Client) postTokenForm(ctx context.Context, endpoint, target string, form url.Values) (*model.TokenSet, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tokens model.TokenSet
	err = c.doJSON(ctx, endpoint, req, func(resp *http.Response) error {
		var decodeErr error
		tokens, decodeErr = decodeEnvelope[model.TokenSet](resp)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return &tokens, nil
}

// UserInfo はアクセストークンの所有者のプロフィールを取得する。
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*model.UserInfo, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := c.newAPIRequest(ctx, http.MethodGet, "/api/secondme/user/info", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var info model.UserInfo
	err = c.doJSON(ctx, endpointUserInfo, req, func(resp *http.Response) error {
		var decodeErr error
		info, decodeErr = decodeEnvelope[model.UserInfo](resp)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Shades はユーザーのシェード（興味タグ）を取得し、上流のJSONボディをそのまま返す。
func (c *Client) Shades(ctx context.Context, accessToken string) (json.RawMessage, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := c.newAPIRequest(ctx, http.MethodGet, "/api/user/shades", accessToken, nil)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = c.doJSON(ctx, endpointShades, req, func(resp *http.Response) error {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if readErr != nil {
			return fmt.Errorf("failed to read response body: %w", readErr)
		}
		if !json.Valid(body) {
			return errors.New("persona api returned invalid JSON")
		}
		raw = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ClassifyIntent はテキストの意図を既定のカテゴリで分類する。
func (c *Client) ClassifyIntent(ctx context.Context, accessToken, text string) (*model.IntentScores, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"text":       text,
		"categories": model.IntentCategories,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode act request: %w", err)
	}

	req, err := c.newAPIRequest(ctx, http.MethodPost, "/api/act", accessToken, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var scores model.IntentScores
	err = c.doJSON(ctx, endpointAct, req, func(resp *http.Response) error {
		var decodeErr error
		scores, decodeErr = decodeEnvelope[model.IntentScores](resp)
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return &scores, nil
}

// StreamChat はストリーミングチャットを開始する。
// 2xx以外の応答は*StatusErrorとして返し、ボディは閉じられる。
// 成功時に返すChatStreamは呼び出し元が必ずCloseする。
func (c *Client) StreamChat(ctx context.Context, accessToken, message string) (ChatStream, error) {
	payload, err := json.Marshal(map[string]any{
		"message": message,
		"stream":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := c.newAPIRequest(ctx, http.MethodPost, "/api/chat", accessToken, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "persona."+endpointChat)
	defer span.End()
	start := time.Now()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		c.finish(span, endpointChat, start, 0, err)
		return nil, fmt.Errorf("failed to call persona chat api: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := newStatusError(resp)
		resp.Body.Close()
		c.finish(span, endpointChat, start, resp.StatusCode, statusErr)
		return nil, statusErr
	}

	c.finish(span, endpointChat, start, resp.StatusCode, nil)
	return newChatStream(resp.Body), nil
}

// newAPIRequest はAPIベースURL配下へのBearer認証付きリクエストを生成する。
func (c *Client) newAPIRequest(ctx context.Context, method, path, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIBaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doJSON はリクエストを実行し、2xxの場合のみdecodeを呼び出す。
// スパンとメトリクスを呼び出し単位で記録する。
func (c *Client) doJSON(ctx context.Context, endpoint string, req *http.Request, decode func(*http.Response) error) error {
	ctx, span := c.tracer.Start(ctx, "persona."+endpoint)
	defer span.End()
	start := time.Now()

	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		c.finish(span, endpoint, start, 0, err)
		return fmt.Errorf("failed to call persona api %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := newStatusError(resp)
		c.finish(span, endpoint, start, resp.StatusCode, statusErr)
		return statusErr
	}

	if err := decode(resp); err != nil {
		c.finish(span, endpoint, start, resp.StatusCode, err)
		return err
	}

	c.finish(span, endpoint, start, resp.StatusCode, nil)
	return nil
}

// finish は呼び出し結果をスパン・メトリクス・ログに記録する。
func (c *Client) finish(span trace.Span, endpoint string, start time.Time, status int, err error) {
	duration := time.Since(start)
	span.SetAttributes(attribute.String("persona.endpoint", endpoint))
	if status != 0 {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordUpstreamCall(endpoint, metrics.OutcomeFailure, duration)
		c.logger.Warn("ペルソナAPIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", status),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return
	}

	c.metrics.RecordUpstreamCall(endpoint, metrics.OutcomeSuccess, duration)
	c.logger.Debug("ペルソナAPIを呼び出しました",
		slog.String("endpoint", endpoint),
		slog.Int("http_status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}
