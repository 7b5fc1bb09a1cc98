// Package websocket adapts a WebSocket connection to the
// internal/session.Transport interface using gobwas/ws: only binary frames
// carry session data; text and unrecognized frames are drained and
// discarded, close and ping are answered in place.
package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/chanpath"
)

// Upgrade performs the WebSocket handshake on a freshly accepted
// connection, capturing the request URI and parsing the channel name from
// it. A request whose path does not match the channel grammar is rejected
// during the handshake with a 400; the caller owns closing conn on error.
func Upgrade(logger *zap.Logger, conn net.Conn) (string, *Adapter, error) {
	var name string
	upgrader := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			path := string(uri)
			if i := strings.IndexByte(path, '?'); i >= 0 {
				path = path[:i]
			}
			parsed, err := chanpath.Parse(path)
			if err != nil {
				return ws.RejectConnectionError(
					ws.RejectionStatus(http.StatusBadRequest),
					ws.RejectionReason("invalid channel path"),
				)
			}
			name = parsed
			return nil
		},
	}
	if _, err := upgrader.Upgrade(conn); err != nil {
		if logger != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
		}
		return "", nil, err
	}
	return name, newAdapter(conn), nil
}

// Adapter implements session.Transport over a single upgraded WebSocket
// connection.
type Adapter struct {
	conn   net.Conn
	reader *wsutil.Reader

	// writeMu serializes egress frames with the pong replies written from
	// the ingress side.
	writeMu   sync.Mutex
	watchOnce sync.Once
}

func newAdapter(conn net.Conn) *Adapter {
	return &Adapter{
		conn:   conn,
		reader: wsutil.NewReader(conn, ws.StateServerSide),
	}
}

// NextIngress reads frames until it finds a binary frame; text and unknown
// frames are drained and dropped, ping gets a pong, close ends the stream.
// The underlying reads have no context parameter of their own, so the
// first call starts a watcher goroutine that closes the connection when
// ctx is done, unblocking NextFrame the same way the peer closing the
// socket would.
func (a *Adapter) NextIngress(ctx context.Context) ([]byte, error) {
	a.watchOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = a.conn.Close()
		}()
	})

	for {
		head, err := a.reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil, io.EOF
			}
			return nil, err
		}

		switch head.OpCode {
		case ws.OpClose:
			a.writeMessage(ws.OpClose, nil)
			return nil, io.EOF
		case ws.OpPing:
			if err := a.discard(head.Length); err != nil {
				return nil, io.EOF
			}
			if err := a.writeMessage(ws.OpPong, nil); err != nil {
				return nil, err
			}
		case ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(a.reader, payload); err != nil {
				return nil, err
			}
			return payload, nil
		default:
			if err := a.discard(head.Length); err != nil {
				return nil, io.EOF
			}
		}
	}
}

func (a *Adapter) discard(n int64) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, a.reader, n)
	return err
}

func (a *Adapter) writeMessage(op ws.OpCode, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return wsutil.WriteServerMessage(a.conn, op, data)
}

// SendEgress writes data as a single binary frame.
func (a *Adapter) SendEgress(data []byte) error {
	return a.writeMessage(ws.OpBinary, data)
}

// Finish closes the underlying connection.
func (a *Adapter) Finish() {
	_ = a.conn.Close()
}
