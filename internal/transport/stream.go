package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mossy-p/lancast/internal/apperr"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// StreamEndpoint frames messages over a net.Conn as JSON terminated by '\n'.
type StreamEndpoint struct {
	conn     net.Conn
	log      logrus.FieldLogger
	messages chan models.SignalingMessage
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Endpoint = (*StreamEndpoint)(nil)

// NewStreamEndpoint wraps conn and starts reading from it.
func NewStreamEndpoint(conn net.Conn, log logrus.FieldLogger) *StreamEndpoint {
	e := &StreamEndpoint{
		conn:     conn,
		log:      logging.OrDefault(log).WithField("remote", conn.RemoteAddr().String()),
		messages: make(chan models.SignalingMessage, messageBuffer),
		done:     make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// DialStream opens a raw stream connection to addr.
func DialStream(ctx context.Context, addr string, log logrus.FieldLogger) (*StreamEndpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.New(apperr.TransportError, "dial stream", err)
	}
	return NewStreamEndpoint(conn, log), nil
}

func (e *StreamEndpoint) readLoop() {
	defer close(e.messages)
	defer e.Close()

	frames := newFrameReader(e.conn, MaxFrameSize)
	for {
		line, err := frames.next()
		if errors.Is(err, errFrameTooLong) {
			e.log.WithField("limit", MaxFrameSize).Warn("Dropping oversized frame")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-e.done:
				default:
					e.log.WithError(err).Info("Stream connection ended")
				}
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		msg, ok := decodeFrame(e.log, line)
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

var errFrameTooLong = errors.New("frame exceeds size limit")

// frameReader splits a stream on '\n'. A frame longer than limit is skipped
// up to its terminator and reported as errFrameTooLong; reading continues.
type frameReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newFrameReader(r io.Reader, limit int) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 4096), limit: limit}
}

func (f *frameReader) next() ([]byte, error) {
	f.buf = f.buf[:0]
	oversized := false
	for {
		chunk, err := f.r.ReadSlice('\n')
		if !oversized {
			if len(f.buf)+len(bytes.TrimRight(chunk, "\r\n")) > f.limit {
				oversized = true
				f.buf = f.buf[:0]
			} else {
				f.buf = append(f.buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if oversized {
				return nil, errFrameTooLong
			}
			return bytes.TrimRight(f.buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && !oversized && len(f.buf) > 0:
			// Unterminated last frame.
			return f.buf, nil
		default:
			return nil, err
		}
	}
}

// Send writes one newline-terminated frame. Writes are serialized.
func (e *StreamEndpoint) Send(msg models.SignalingMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return apperr.New(apperr.ProtocolError, "encode", err)
	}
	data = append(data, '\n')

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	select {
	case <-e.done:
		return closedError("stream send")
	default:
	}

	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := e.conn.Write(data); err != nil {
		e.Close()
		return apperr.New(apperr.TransportError, "stream send", err)
	}
	return nil
}

func (e *StreamEndpoint) Messages() <-chan models.SignalingMessage { return e.messages }

func (e *StreamEndpoint) Done() <-chan struct{} { return e.done }

// Close is safe to call more than once.
func (e *StreamEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.conn.Close()
	})
	return err
}

func (e *StreamEndpoint) RemoteAddr() string { return e.conn.RemoteAddr().String() }

func (e *StreamEndpoint) Kind() Kind { return KindStream }
