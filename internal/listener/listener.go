// Package listener implements relayd's accept loops: QUIC for
// WebTransport, QUIC for Rush, and TCP+TLS for WebSocket (WHIP's plain
// TCP facade lives in internal/transport/whip and is started through
// internal/moduleset instead). WebTransport and Rush share the same
// handshake on the wire — CONNECT to "/channels/<name>", answered 200 with
// sec-webtransport-http3-draft: draft02 — so both listeners here are built
// on github.com/quic-go/webtransport-go's Session; Rush just drives
// AcceptStream in a loop instead of consuming datagrams.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/channel"
	"github.com/relaybridge/relayd/internal/metrics"
	"github.com/relaybridge/relayd/internal/registry"
	"github.com/relaybridge/relayd/internal/session"
	rushtransport "github.com/relaybridge/relayd/internal/transport/rush"
	wstransport "github.com/relaybridge/relayd/internal/transport/websocket"
	wttransport "github.com/relaybridge/relayd/internal/transport/webtransport"
)

// idleTimeout is the QUIC endpoint idle timeout. Media publishers can sit
// silent for minutes between segments, so this is deliberately long.
const idleTimeout = 600 * time.Second

// quicSessionListener is the shared shape of the WebTransport and Rush
// listeners: an HTTP/3 server that accepts CONNECT requests matching the
// channel path grammar, upgrades each to a WebTransport session, and hands
// it to a protocol-specific pump.
type quicSessionListener struct {
	logger    *zap.Logger
	transport string // metrics/log label: "webtransport" or "rush"
	reg       *registry.Registry
	metrics   *metrics.Registry
	wt        *webtransport.Server

	wg sync.WaitGroup
}

func newQUICSessionListener(logger *zap.Logger, transportLabel, addr string, tlsCfg *tls.Config, reg *registry.Registry, metricsRegistry *metrics.Registry, runSession func(l *quicSessionListener, name string, sess *webtransport.Session)) *quicSessionListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &quicSessionListener{logger: logger, transport: transportLabel, reg: reg, metrics: metricsRegistry}

	mux := http.NewServeMux()
	l.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsCfg,
			Handler:   mux,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      true,
			},
		},
	}

	wtSrv := wttransport.New(logger, l.wt)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wtSrv.Handler(func(name string, sess *webtransport.Session) {
			runSession(l, name, sess)
		})(w, r)
	})

	return l
}

// Start brings up the QUIC endpoint and begins accepting CONNECT requests.
func (l *quicSessionListener) Start() error {
	l.logger.Info(l.transport+" quic listener starting", zap.String("addr", l.wt.H3.Addr))
	errc := make(chan error, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		errc <- l.wt.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-time.After(100 * time.Millisecond):
		// No immediate bind error; keep serving in the background.
	}
	return nil
}

// Stop closes the QUIC endpoint and waits for the accept goroutine to exit.
func (l *quicSessionListener) Stop() error {
	err := l.wt.Close()
	l.wg.Wait()
	return err
}

// WebTransport is the HTTP/3 datagram-based listener: each accepted
// session relays whole datagrams to and from its channel.
type WebTransport struct{ *quicSessionListener }

// NewWebTransport builds (but does not start) the WebTransport listener.
func NewWebTransport(logger *zap.Logger, addr string, tlsCfg *tls.Config, reg *registry.Registry, metricsRegistry *metrics.Registry) *WebTransport {
	return &WebTransport{newQUICSessionListener(logger, "webtransport", addr, tlsCfg, reg, metricsRegistry, runWebTransportSession)}
}

func runWebTransportSession(l *quicSessionListener, name string, sess *webtransport.Session) {
	ch := l.reg.FindOrCreate(name)
	if l.metrics != nil {
		l.metrics.ActiveSessions.WithLabelValues("webtransport").Inc()
		defer l.metrics.ActiveSessions.WithLabelValues("webtransport").Dec()
	}

	s := session.New(l.logger, ch).WithMetrics(l.metrics, "webtransport")
	adapter := wttransport.Wrap(sess)
	if err := s.Run(context.Background(), adapter); err != nil {
		l.logger.Debug("webtransport session ended", zap.Error(err))
	}
}

// Rush is the bidirectional-QUIC-stream listener. One QUIC connection may
// carry many streams; each stream gets its own Session, bound to the
// channel negotiated once at CONNECT time.
type Rush struct{ *quicSessionListener }

// NewRush builds (but does not start) the Rush listener.
func NewRush(logger *zap.Logger, addr string, tlsCfg *tls.Config, reg *registry.Registry, metricsRegistry *metrics.Registry) *Rush {
	return &Rush{newQUICSessionListener(logger, "rush", addr, tlsCfg, reg, metricsRegistry, runRushConnection)}
}

func runRushConnection(l *quicSessionListener, name string, sess *webtransport.Session) {
	ch := l.reg.FindOrCreate(name)
	ctx := context.Background()
	for {
		stream, err := sess.AcceptStream(ctx)
		if err != nil {
			l.logger.Debug("rush connection ended", zap.Error(err))
			return
		}
		go runRushStream(l, ch, stream)
	}
}

func runRushStream(l *quicSessionListener, ch *channel.Channel, stream *webtransport.Stream) {
	if l.metrics != nil {
		l.metrics.ActiveSessions.WithLabelValues("rush").Inc()
		defer l.metrics.ActiveSessions.WithLabelValues("rush").Dec()
	}

	s := session.New(l.logger, ch).WithMetrics(l.metrics, "rush")
	adapter := rushtransport.NewAdapter(l.logger, stream, l.metrics)
	if err := s.Run(context.Background(), adapter); err != nil {
		l.logger.Debug("rush stream session ended", zap.Error(err))
	}
}

// WebSocket runs the TCP+TLS accept loop for WebSocket sessions.
type WebSocket struct {
	logger  *zap.Logger
	addr    string
	tlsCfg  *tls.Config
	reg     *registry.Registry
	metrics *metrics.Registry

	ln net.Listener
	wg sync.WaitGroup
}

// NewWebSocket builds (but does not start) the WebSocket listener.
func NewWebSocket(logger *zap.Logger, addr string, tlsCfg *tls.Config, reg *registry.Registry, metricsRegistry *metrics.Registry) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{logger: logger, addr: addr, tlsCfg: tlsCfg, reg: reg, metrics: metricsRegistry}
}

// Start binds the TLS listener and begins accepting connections, upgrading
// each to a WebSocket session with gobwas/ws.
func (l *WebSocket) Start() error {
	ln, err := tls.Listen("tcp", l.addr, l.tlsCfg)
	if err != nil {
		return err
	}
	l.ln = ln
	l.logger.Info("websocket listener starting", zap.String("addr", l.addr))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()
	return nil
}

func (l *WebSocket) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("websocket accept error", zap.Error(err))
			}
			return
		}
		go l.handleConn(conn)
	}
}

func (l *WebSocket) handleConn(conn net.Conn) {
	defer conn.Close()

	name, adapter, err := wstransport.Upgrade(l.logger, conn)
	if err != nil {
		if l.metrics != nil {
			l.metrics.AcceptErrors.WithLabelValues("websocket").Inc()
		}
		return
	}

	ch := l.reg.FindOrCreate(name)
	if l.metrics != nil {
		l.metrics.ActiveSessions.WithLabelValues("websocket").Inc()
		defer l.metrics.ActiveSessions.WithLabelValues("websocket").Dec()
	}

	s := session.New(l.logger, ch).WithMetrics(l.metrics, "websocket")
	if err := s.Run(context.Background(), adapter); err != nil {
		l.logger.Debug("websocket session ended", zap.Error(err))
	}
}

// Stop closes the underlying listener.
func (l *WebSocket) Stop() error {
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
