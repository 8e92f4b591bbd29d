// Package transport carries SignalingMessage values over a raw byte stream
// (newline-delimited JSON) or a WebSocket (one JSON text frame per message)
// behind a single Endpoint interface.
package transport

import (
	"errors"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/sirupsen/logrus"
)

// Kind names the carrier behind an Endpoint.
type Kind string

const (
	KindStream    Kind = "stream"
	KindWebSocket Kind = "websocket"
)

const (
	// MaxFrameSize bounds a single encoded message on either carrier.
	MaxFrameSize = 1 << 20
	// messageBuffer is the depth of the inbound message queue.
	messageBuffer = 64
)

// ErrClosed is returned by Send after the endpoint has been closed.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is a named peer connection that accepts writes and emits a
// message stream. Messages is closed after Done.
type Endpoint interface {
	Send(msg models.SignalingMessage) error
	Messages() <-chan models.SignalingMessage
	Done() <-chan struct{}
	Close() error
	RemoteAddr() string
	Kind() Kind
}

// decodeFrame decodes one frame and reports whether it should be delivered.
// Unknown types are dropped quietly; malformed frames are logged.
func decodeFrame(log logrus.FieldLogger, frame []byte) (models.SignalingMessage, bool) {
	msg, err := models.Decode(frame)
	if err == nil {
		return msg, true
	}
	if errors.Is(err, models.ErrUnknownType) {
		log.WithError(err).Debug("Dropping message of unknown type")
		return msg, false
	}
	log.WithError(err).Warn("Dropping malformed message")
	return msg, false
}

func closedError(op string) error {
	return apperr.New(apperr.TransportError, op, ErrClosed)
}
