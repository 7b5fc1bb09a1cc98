// Package webrtc is a placeholder for ICE/WebRTC bring-up. Full ICE agent
// negotiation is not implemented; this module only answers WHIP's
// signaling command with a fixed placeholder so the moduleset wiring has
// something real to call.
package webrtc

import (
	"context"

	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/moduleset"
)

// Module implements moduleset.Lifecycle as a no-op ICE stub.
type Module struct {
	logger   *zap.Logger
	commands *moduleset.Bus
}

// New constructs the stub, bound to the command bus it will listen on once
// Start is called.
func New(logger *zap.Logger, commands *moduleset.Bus) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{logger: logger, commands: commands}
}

// Start launches a goroutine answering every command with a fixed
// placeholder credential pair, standing in for ICE local_ufrag/local_pwd.
func (m *Module) Start(ctx context.Context) error {
	m.logger.Info("webrtc start")
	ch := m.commands.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-ch:
				msg, ok := v.(moduleset.Message)
				if !ok || msg.Reply == nil {
					continue
				}
				m.logger.Debug("webrtc command", zap.String("data", msg.Data))
				msg.Reply.Send("stub-ufrag/stub-pwd")
			}
		}
	}()
	return nil
}

// Stop is a no-op; the Start goroutine exits via ctx cancellation.
func (m *Module) Stop(ctx context.Context) error {
	m.logger.Info("webrtc stop")
	return nil
}

// Exec logs the command and otherwise does nothing.
func (m *Module) Exec(ctx context.Context, command string) error {
	m.logger.Info("webrtc exec", zap.String("command", command))
	return nil
}
