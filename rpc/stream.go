package rpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// ReadLimit allows long conversations and imports in a single frame.
const ReadLimit = 32 << 20

// WebSocketStream adapts coder/websocket to jsonrpc2.ObjectStream. Both
// ends of the connection use it.
type WebSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *WebSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *WebSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*WebSocketStream)(nil)
