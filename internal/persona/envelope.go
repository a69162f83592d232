package persona

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxResponseSize はJSONレスポンスボディの読み取り上限（1MB）。
const maxResponseSize = 1 << 20

// maxErrorBodySize はStatusErrorに保持するボディの上限。
const maxErrorBodySize = 4 << 10

// Envelope はペルソナAPIの共通レスポンス形式 {code, message, data}。
// code 0 が成功を表す。
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// Result は成功時にDataを返し、codeが0以外の場合は*Failureを返す。
func (e Envelope[T]) Result() (T, error) {
	if e.Code != 0 {
		var zero T
		return zero, &Failure{Code: e.Code, Message: e.Message}
	}
	return e.Data, nil
}

// Failure はHTTP 2xxだがエンベロープのcodeが0以外だった応答を表す。
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("persona api returned code %d", f.Code)
	}
	return fmt.Sprintf("persona api returned code %d: %s", f.Code, f.Message)
}

// StatusError はペルソナAPIが2xx以外のHTTPステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("persona api returned status %d", e.StatusCode)
}

// newStatusError はレスポンスボディの先頭を読み取ってStatusErrorを生成する。
func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// decodeEnvelope はレスポンスをエンベロープとしてデコードし、Dataを取り出す。
func decodeEnvelope[T any](resp *http.Response) (T, error) {
	var env Envelope[T]
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return env.Data, fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env.Data, fmt.Errorf("failed to decode response: %w", err)
	}
	return env.Result()
}
