// Package webtransport adapts an HTTP/3 WebTransport session, carried
// entirely over unreliable datagrams, to the internal/session.Transport
// interface.
package webtransport

import (
	"context"
	"io"
	"net/http"

	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/chanpath"
)

// Server accepts WebTransport CONNECT requests and negotiates a channel
// name from the request path.
type Server struct {
	logger *zap.Logger
	wt     *webtransport.Server
}

// New wraps a webtransport.Server. Callers own the server's lifecycle
// (ListenAndServe/Close); New only needs it to call Upgrade.
func New(logger *zap.Logger, wt *webtransport.Server) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, wt: wt}
}

// Handler returns an http.HandlerFunc suitable for registration on the
// HTTP/3 server's mux. fn receives the negotiated channel name and the
// upgraded *webtransport.Session; the caller drives the session from there.
func (s *Server) Handler(fn func(channelName string, sess *webtransport.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := chanpath.Parse(r.URL.Path)
		if err != nil {
			s.logger.Debug("rejected webtransport request", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "invalid channel path", http.StatusBadRequest)
			return
		}

		w.Header().Set("sec-webtransport-http3-draft", "draft02")
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			s.logger.Warn("webtransport upgrade failed", zap.Error(err))
			http.Error(w, "webtransport upgrade failed", http.StatusInternalServerError)
			return
		}

		fn(name, sess)
	}
}

// Adapter implements session.Transport over a single *webtransport.Session,
// exchanging datagrams exclusively.
type Adapter struct {
	sess *webtransport.Session
}

// Wrap returns a session.Transport for an upgraded WebTransport session.
func Wrap(sess *webtransport.Session) *Adapter {
	return &Adapter{sess: sess}
}

// NextIngress blocks for the next inbound datagram. A session close or
// context cancellation surfaces as io.EOF so the session pump treats it as
// a clean end rather than an error.
func (a *Adapter) NextIngress(ctx context.Context) ([]byte, error) {
	// A datagram receive error and a clean session close both just end the
	// poll loop; nothing downstream cares which it was.
	data, err := a.sess.ReceiveDatagram(ctx)
	if err != nil {
		return nil, io.EOF
	}
	if len(data) == 0 {
		return nil, io.EOF
	}
	return data, nil
}

// SendEgress writes one outbound datagram.
func (a *Adapter) SendEgress(data []byte) error {
	return a.sess.SendDatagram(data)
}

// Finish closes the underlying WebTransport session.
func (a *Adapter) Finish() {
	_ = a.sess.CloseWithError(0, "session ended")
}
