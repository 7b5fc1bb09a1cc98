// Package whip is a thin HTTP signaling facade. Real WHIP/ICE negotiation
// is not implemented; this module only forwards a signaling request onto
// the webrtc module's command bus and returns its reply, and serves a
// placeholder response for every other path.
package whip

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/moduleset"
)

// Module implements moduleset.Lifecycle, running a plain HTTP server on
// its own listener.
type Module struct {
	logger   *zap.Logger
	addr     string
	commands *moduleset.Bus
	srv      *http.Server
}

// New constructs the WHIP facade bound to addr, signaling over the webrtc
// module's command bus (the same *moduleset.Bus passed to webrtc.New, so
// both sides agree on which channel carries the request).
func New(logger *zap.Logger, addr string, webrtcCommands *moduleset.Bus) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{logger: logger, addr: addr, commands: webrtcCommands}
}

// Start binds the listener and begins serving in the background.
func (m *Module) Start(ctx context.Context) error {
	m.logger.Info("whip start")

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handle)

	m.srv = &http.Server{Addr: m.addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- m.srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-time.After(100 * time.Millisecond):
		// Listener came up without an immediate bind error; hand control
		// back to the caller and let it keep serving in the background.
	}
	return nil
}

func (m *Module) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		_, _ = w.Write([]byte("Hello World"))
		return
	}

	reply := moduleset.NewBus()
	replyCh := reply.Subscribe()
	m.commands.Send(moduleset.Message{Data: "Hi", Reply: reply})

	select {
	case v := <-replyCh:
		if s, ok := v.(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
	case <-time.After(5 * time.Second):
	}
	http.Error(w, "webrtc module did not respond", http.StatusGatewayTimeout)
}

// Stop gracefully shuts down the HTTP server.
func (m *Module) Stop(ctx context.Context) error {
	m.logger.Info("whip stop")
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// Exec logs the command; WHIP has no runtime commands.
func (m *Module) Exec(ctx context.Context, command string) error {
	m.logger.Info("whip exec", zap.String("command", command))
	return nil
}
