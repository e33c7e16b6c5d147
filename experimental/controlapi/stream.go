package controlapi

import (
	"bytes"
	"context"
	"net/http"

	"github.com/sagernet/sing/common/json"

	"github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"
)

func isWebSocketUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// streamWriter sends JSON values as websocket text messages, or as a
// newline delimited chunked response for plain HTTP clients.
type streamWriter struct {
	ctx     context.Context
	writer  http.ResponseWriter
	wsConn  *websocket.Conn
	buffer  bytes.Buffer
	flusher http.Flusher
}

func newStreamWriter(w http.ResponseWriter, r *http.Request) (*streamWriter, error) {
	stream := &streamWriter{
		ctx:    r.Context(),
		writer: w,
	}
	if isWebSocketUpgrade(r) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  []string{"*"},
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return nil, err
		}
		stream.wsConn = wsConn
		stream.ctx = wsConn.CloseRead(r.Context())
		return stream, nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	stream.flusher, _ = w.(http.Flusher)
	if stream.flusher != nil {
		stream.flusher.Flush()
	}
	return stream, nil
}

func (s *streamWriter) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *streamWriter) Write(value any) error {
	s.buffer.Reset()
	err := json.NewEncoder(&s.buffer).Encode(value)
	if err != nil {
		return err
	}
	if s.wsConn != nil {
		return s.wsConn.Write(s.ctx, websocket.MessageText, s.buffer.Bytes())
	}
	_, err = s.writer.Write(s.buffer.Bytes())
	if err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *streamWriter) Close() {
	if s.wsConn != nil {
		s.wsConn.Close(websocket.StatusNormalClosure, "")
	}
}
