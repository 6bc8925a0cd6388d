package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pengyuHush/novel-rag/internal/pkg/logger"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Handlers receives transport events. Messages are delivered in the order
// the channel delivered them; the transport never reorders or deduplicates.
type Handlers struct {
	OnOpen    func()
	OnMessage func(raw []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Transport is one live channel carrying one operation's stream.
type Transport interface {
	Send(v interface{}) error
	// Close sends a close frame with the given code and tears the
	// connection down. Idempotent.
	Close(code int) error
	// Detach swaps the handlers out for no-ops so in-flight reads can no
	// longer reach the previous owner. Must be called before Close when a
	// session is superseded.
	Detach()
}

// OpenFunc establishes a connection, sends the initial payload, and wires
// handlers. Sessions depend on this signature, not on the websocket
// implementation, so tests can substitute a scripted transport.
type OpenFunc func(endpoint string, initial interface{}, h Handlers) (Transport, error)

// wsTransport wraps one gorilla/websocket connection. A single read loop
// goroutine is the only source of inbound events, which preserves arrival
// order by construction.
type wsTransport struct {
	conn   *websocket.Conn
	logger logger.ILogger

	mu       sync.Mutex
	handlers Handlers
	closed   bool
}

// Open dials the endpoint, sends the initial payload as the first frame, and
// starts the read loop. Exactly one physical connection per call.
func Open(log logger.ILogger) OpenFunc {
	return func(endpoint string, initial interface{}, h Handlers) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err := dialer.Dial(endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open stream %s: %w", endpoint, err)
		}

		t := &wsTransport{conn: conn, logger: log, handlers: h}

		if initial != nil {
			if err := t.Send(initial); err != nil {
				conn.Close()
				return nil, err
			}
		}

		if h.OnOpen != nil {
			h.OnOpen()
		}
		go t.readLoop()
		return t, nil
	}
}

func (t *wsTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("send on closed transport")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("stream send failed: %w", err)
	}
	return nil
}

func (t *wsTransport) Close(code int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
	return t.conn.Close()
}

func (t *wsTransport) Detach() {
	t.mu.Lock()
	t.handlers = Handlers{}
	t.mu.Unlock()
}

func (t *wsTransport) current() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *wsTransport) readLoop() {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			t.mu.Lock()
			wasClosed := t.closed
			t.closed = true
			h := t.handlers
			t.mu.Unlock()
			t.conn.Close()

			if wasClosed {
				// locally initiated teardown, not a channel event
				return
			}
			if t.logger != nil {
				t.logger.Debug("Transport", "Stream closed", map[string]interface{}{
					"code":   code,
					"reason": reason,
				})
			}
			if code == websocket.CloseAbnormalClosure {
				if h.OnError != nil {
					h.OnError(err)
				}
			}
			if h.OnClose != nil {
				h.OnClose(code, reason)
			}
			return
		}

		if h := t.current(); h.OnMessage != nil {
			h.OnMessage(raw)
		}
	}
}

func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
