package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// WebSocketEndpoint carries one message per text frame. A single writer
// goroutine owns the connection's write side.
type WebSocketEndpoint struct {
	conn     *websocket.Conn
	log      logrus.FieldLogger
	send     chan []byte
	messages chan models.SignalingMessage
	done     chan struct{}
	written  chan struct{}

	closeOnce sync.Once
}

var _ Endpoint = (*WebSocketEndpoint)(nil)

// NewWebSocketEndpoint wraps an established connection and starts its pumps.
func NewWebSocketEndpoint(conn *websocket.Conn, log logrus.FieldLogger) *WebSocketEndpoint {
	e := &WebSocketEndpoint{
		conn:     conn,
		log:      logging.OrDefault(log).WithField("remote", conn.RemoteAddr().String()),
		send:     make(chan []byte, sendBuffer),
		messages: make(chan models.SignalingMessage, messageBuffer),
		done:     make(chan struct{}),
		written:  make(chan struct{}),
	}
	go e.writePump()
	go e.readPump()
	return e
}

// DialWebSocket connects to a router's WebSocket listener.
func DialWebSocket(ctx context.Context, url string, header http.Header, log logrus.FieldLogger) (*WebSocketEndpoint, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperr.New(apperr.TransportError, "dial websocket", err)
	}
	return NewWebSocketEndpoint(conn, log), nil
}

func (e *WebSocketEndpoint) readPump() {
	defer close(e.messages)
	defer e.Close()

	e.conn.SetReadLimit(MaxFrameSize)
	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := e.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				e.log.WithError(err).Info("WebSocket closed unexpectedly")
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, ok := decodeFrame(e.log, data)
		if !ok {
			continue
		}
		select {
		case e.messages <- msg:
		case <-e.done:
			return
		}
	}
}

func (e *WebSocketEndpoint) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.conn.Close()
		close(e.written)
	}()

	for {
		select {
		case data := <-e.send:
			if err := e.write(websocket.TextMessage, data); err != nil {
				e.log.WithError(err).Debug("Failed to write message")
				e.shutdown()
				return
			}
		case <-ticker.C:
			if err := e.write(websocket.PingMessage, nil); err != nil {
				e.shutdown()
				return
			}
		case <-e.done:
			e.flush()
			e.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued so a final disconnect reaches the peer.
func (e *WebSocketEndpoint) flush() {
	for {
		select {
		case data := <-e.send:
			if err := e.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (e *WebSocketEndpoint) write(typ int, data []byte) error {
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(typ, data)
}

// Send queues one frame. It fails if the endpoint is closed or the queue is full.
func (e *WebSocketEndpoint) Send(msg models.SignalingMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return apperr.New(apperr.ProtocolError, "encode", err)
	}
	select {
	case <-e.done:
		return closedError("websocket send")
	default:
	}
	select {
	case e.send <- data:
		return nil
	case <-e.done:
		return closedError("websocket send")
	default:
		return apperr.Newf(apperr.TransportError, "websocket send", "send buffer full")
	}
}

func (e *WebSocketEndpoint) Messages() <-chan models.SignalingMessage { return e.messages }

func (e *WebSocketEndpoint) Done() <-chan struct{} { return e.done }

// Close stops both pumps. Queued frames are flushed before the close frame.
func (e *WebSocketEndpoint) Close() error {
	e.shutdown()
	select {
	case <-e.written:
	case <-time.After(writeWait):
		e.conn.Close()
	}
	return nil
}

func (e *WebSocketEndpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *WebSocketEndpoint) RemoteAddr() string { return e.conn.RemoteAddr().String() }

func (e *WebSocketEndpoint) Kind() Kind { return KindWebSocket }
