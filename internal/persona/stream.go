package persona

import (
	"errors"
	"io"
	"iter"
	"sync"
	"unicode/utf8"
)

// chunkBufferSize は1回の読み取りで使うバッファサイズ。
const chunkBufferSize = 4096

// ErrStreamConsumed はChunksを2回以上反復しようとした場合のエラー。
var ErrStreamConsumed = errors.New("chat stream already consumed")

// ChatStream は上流のストリーミングチャット応答。
// Chunksは一度だけ反復でき、Closeは何度呼んでもよい。
type ChatStream interface {
	Chunks() iter.Seq2[string, error]
	Close() error
}

// bodyStream はHTTPレスポンスボディを読むChatStream。
type bodyStream struct {
	body io.ReadCloser

	mu       sync.Mutex
	consumed bool

	closeOnce sync.Once
	closeErr  error
}

func newChatStream(body io.ReadCloser) *bodyStream {
	return &bodyStream{body: body}
}

// Chunks は上流から届いた順にテキストチャンクを返す。
// UTF-8の文字の途中では分割せず、不完全な末尾は次の読み取りと連結する。
// 読み取りエラーは最後の要素として返し、反復を終える。
func (s *bodyStream) Chunks() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield("", ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.mu.Unlock()

		buf := make([]byte, chunkBufferSize)
		var pending []byte
		for {
			n, err := s.body.Read(buf)
			if n > 0 {
				data := append(pending, buf[:n]...)
				cut := completeRunesPrefix(data)
				if cut > 0 {
					if !yield(string(data[:cut]), nil) {
						return
					}
				}
				pending = append([]byte(nil), data[cut:]...)
			}
			if errors.Is(err, io.EOF) {
				if len(pending) > 0 {
					yield(string(pending), nil)
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}

// Close はボディを閉じる。2回目以降は最初の結果を返す。
func (s *bodyStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// completeRunesPrefix は末尾の不完全なUTF-8シーケンスを除いた長さを返す。
func completeRunesPrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// compile-time interface check
var _ ChatStream = (*bodyStream)(nil)
