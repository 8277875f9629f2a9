package wire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 3 * time.Second

// ErrClosed reports that the model stream ended, either because the peer
// closed it or because Close was called locally.
var ErrClosed = errors.New("model stream closed")

// Stream is one live connection to the remote speech model. Send is safe
// for concurrent use; the audio pump, typed text, and teardown envelopes
// all write through it. Recv must not be called concurrently with itself.
type Stream interface {
	Send(ctx context.Context, env Envelope) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Dialer opens model streams. The session manager re-dials through the same
// dialer on every reconnect.
type Dialer interface {
	Dial(ctx context.Context, wsURL string) (Stream, error)
}

// WSDialer dials the model endpoint over websocket.
type WSDialer struct {
	dialer websocket.Dialer
	header http.Header
}

// NewWSDialer returns a dialer with a bounded handshake timeout. Extra
// headers (auth tokens) are attached to every dial.
func NewWSDialer(header http.Header) *WSDialer {
	return &WSDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		header: header,
	}
}

func (d *WSDialer) Dial(ctx context.Context, wsURL string) (Stream, error) {
	wsURL, err := normalizeModelURL(wsURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("model dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("model dial failed: %w", err)
	}
	return newWSStream(conn), nil
}

func normalizeModelURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("model websocket url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse model websocket url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported model url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// wsStream wraps a websocket connection with a reader goroutine so Recv can
// honor context cancellation.
type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	msgs    chan []byte
	errs    chan error

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	s := &wsStream{
		conn: conn,
		msgs: make(chan []byte, 256),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(s.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				s.errs <- err
				return
			}
			s.msgs <- data
		}
	}()
	return s
}

func (s *wsStream) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	// The underlying connection allows one writer at a time.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("model stream write %s: %w", env.Kind(), err)
	}
	return nil
}

func (s *wsStream) Recv(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case err := <-s.errs:
		if err == nil {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
	case data, ok := <-s.msgs:
		if !ok {
			select {
			case err := <-s.errs:
				if err != nil {
					return Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
				}
			default:
			}
			return Envelope{}, ErrClosed
		}
		return Unmarshal(data)
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
