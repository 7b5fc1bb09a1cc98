// Package rush adapts a single Rush bidirectional QUIC stream to the
// internal/session.Transport interface. Rush's wire-level shape after its
// CONNECT handshake (accept bidirectional streams on an established QUIC
// connection) is exactly what a webtransport-go Session already provides,
// so the Rush listener reuses it (see internal/listener); this package
// only needs io.Reader/io.Writer/io.Closer and stays independent of that
// choice.
package rush

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/metrics"
	"github.com/relaybridge/relayd/internal/rush"
)

// Stream is the minimal capability this adapter needs from a bidirectional
// QUIC stream, satisfied by both quic-go's quic.Stream and
// webtransport-go's webtransport.Stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Adapter implements session.Transport over one QUIC bidirectional stream
// carrying Rush-framed traffic. NextIngress returns whole frame bytes
// (header + payload) for AudioFrame/VideoFrame only; Connect frames are
// logged and otherwise dropped.
type Adapter struct {
	logger  *zap.Logger
	metrics *metrics.Registry
	stream  Stream

	readBuf   []byte
	chunkBuf  [4096]byte
	firstRead bool
}

// NewAdapter wraps a bidirectional stream freshly accepted on a Rush
// connection. metricsRegistry may be nil (tests, or a caller that doesn't
// want Rush-specific metrics).
func NewAdapter(logger *zap.Logger, stream Stream, metricsRegistry *metrics.Registry) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger, metrics: metricsRegistry, stream: stream, firstRead: true}
}

// NextIngress reads chunks from the stream, accumulates them into the
// per-stream buffer, and returns the next fully-parsed media frame's raw
// bytes. Connect frames are logged and skipped without being returned;
// Malformed frames are logged and skipped. The call blocks until a media
// frame is available, the stream ends, or ctx is cancelled.
func (a *Adapter) NextIngress(ctx context.Context) ([]byte, error) {
	for {
		if frame, ok := a.tryParseOne(); ok {
			return frame, nil
		}

		n, err := a.readChunk(ctx)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		chunk := a.chunkBuf[:n]
		if a.firstRead {
			a.firstRead = false
			if n > 0 && chunk[0] == 0x40 {
				// Known HTTP/3 framing artifact on the first chunk of a
				// stream; drop it before accumulation.
				continue
			}
		}
		a.readBuf = append(a.readBuf, chunk...)
	}
}

// tryParseOne extracts the next recognized media frame from the
// accumulated buffer, if any, looping past Malformed frames internally so
// the caller only ever sees NeedMore (via false) or a usable frame.
func (a *Adapter) tryParseOne() ([]byte, bool) {
	for {
		f, consumed, err := rush.Parse(a.readBuf)
		switch err {
		case nil:
			raw := append([]byte{}, a.readBuf[:consumed]...)
			a.readBuf = a.readBuf[consumed:]
			switch f.Header.MessageType {
			case rush.Connect:
				a.logger.Debug("rush connect frame", zap.Uint64("id", f.Header.ID))
				continue
			default:
				return raw, true
			}
		case rush.ErrNeedMore:
			return nil, false
		case rush.ErrMalformed:
			a.logger.Debug("rush malformed frame dropped", zap.Int("consumed", consumed))
			if a.metrics != nil {
				a.metrics.MalformedFrames.WithLabelValues("malformed").Inc()
			}
			if consumed == 0 {
				consumed = 1
			}
			a.readBuf = a.readBuf[consumed:]
			continue
		default:
			return nil, false
		}
	}
}

func (a *Adapter) readChunk(ctx context.Context) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := a.stream.Read(a.chunkBuf[:])
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		// Finish() closes the stream when the session tears down; that will
		// unblock the still-running Read above. The result, whenever it
		// arrives, is simply discarded (done has buffer 1).
		return 0, io.EOF
	}
}

// SendEgress writes data as a single data frame on the stream.
func (a *Adapter) SendEgress(data []byte) error {
	_, err := a.stream.Write(data)
	return err
}

// Finish closes the stream in both directions.
func (a *Adapter) Finish() {
	_ = a.stream.Close()
}
