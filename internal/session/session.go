// Package session implements the per-connection state machine: negotiate a
// channel, then pump bytes between a transport and the channel's broadcast
// bus until the connection ends. All three transport adapters
// (internal/transport/webtransport, .../websocket, .../rush) share this
// single pump, parameterized by the small Transport capability set below.
package session

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/channel"
	"github.com/relaybridge/relayd/internal/metrics"
)

// State names the session's position in its lifecycle.
type State int

const (
	Accepting State = iota
	Negotiating
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Negotiating:
		return "negotiating"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the minimal capability set a per-protocol adapter exposes to
// the session pump: pull the next unit of ingress data, push a unit of
// egress data, and release transport resources on teardown.
// NextIngress returns io.EOF to signal a clean end of stream.
type Transport interface {
	NextIngress(ctx context.Context) ([]byte, error)
	SendEgress(data []byte) error
	Finish()
}

var sessionSeq uint64

// nextTag assigns each session a process-unique, non-zero identifier used
// to tag its publishes so its own egress loop can recognize and skip them.
func nextTag() uint64 {
	return atomic.AddUint64(&sessionSeq, 1)
}

// Session is the runtime state for one negotiated connection.
type Session struct {
	logger *zap.Logger

	id      string
	tag     uint64
	channel *channel.Channel
	sub     *channel.Subscriber

	metrics   *metrics.Registry
	transport string

	state atomic.Int32
}

// WithMetrics attaches a metrics registry and a transport label ("webtransport",
// "websocket", "rush") used to tag the publish/drop counters this session
// reports while relaying. It returns s so listener construction can chain it
// onto New. Safe to skip: a nil metrics registry disables reporting.
func (s *Session) WithMetrics(m *metrics.Registry, transport string) *Session {
	s.metrics = m
	s.transport = transport
	return s
}

// New creates a Session bound to ch. The caller must have already completed
// negotiation (e.g. via internal/chanpath) before calling Run. Every session is assigned a random
// id (uuid.NewString) used only as a log correlation label, distinct
// from the small uint64 tag used on the hot path for self-echo suppression.
func New(logger *zap.Logger, ch *channel.Channel) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	s := &Session{
		logger:  logger.With(zap.String("session_id", id), zap.String("channel", ch.Name())),
		id:      id,
		tag:     nextTag(),
		channel: ch,
		sub:     ch.Subscribe(),
	}
	s.state.Store(int32(Negotiating))
	return s
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// State reports the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the Relaying state: a symmetric duplex pump between transport
// and the session's channel, until either direction ends, then transitions
// to Closed and releases the subscriber. Each direction preserves its own
// FIFO order; no ordering is implied between directions or sessions.
func (s *Session) Run(ctx context.Context, t Transport) error {
	defer s.close(t)

	s.state.Store(int32(Relaying))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.pumpIngress(ctx, t) }()
	go func() { errc <- s.pumpEgress(ctx, t) }()

	err := <-errc
	cancel()
	// Drain the second goroutine's result so it doesn't leak; its own error
	// is secondary to whichever direction ended first.
	<-errc
	return err
}

// pumpIngress forwards transport data onto the channel until the transport
// reports end-of-stream or an error.
func (s *Session) pumpIngress(ctx context.Context, t Transport) error {
	for {
		data, err := t.NextIngress(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.channel.Publish(data, s.tag)
		if s.metrics != nil {
			s.metrics.MessagesPublished.WithLabelValues(s.transport).Inc()
		}
	}
}

// pumpEgress forwards channel messages to the transport, skipping the
// session's own publishes (no self-echo) and resetting to the current tail
// on a Lagged event rather than treating it as terminal.
func (s *Session) pumpEgress(ctx context.Context, t Transport) error {
	for {
		msg, err := s.sub.RecvContext(ctx)
		if err != nil {
			var lagged *channel.LaggedError
			if errors.As(err, &lagged) {
				s.logger.Warn("subscriber lagged, resetting to tail",
					zap.Uint64("skipped", lagged.Skipped))
				if s.metrics != nil {
					s.metrics.MessagesDropped.Add(float64(lagged.Skipped))
				}
				if msg.Data != nil && msg.Tag != s.tag {
					if sendErr := t.SendEgress(msg.Data); sendErr != nil {
						return sendErr
					}
				}
				continue
			}
			if errors.Is(err, channel.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msg.Tag == s.tag {
			continue
		}
		if err := t.SendEgress(msg.Data); err != nil {
			return err
		}
	}
}

func (s *Session) close(t Transport) {
	s.state.Store(int32(Closed))
	s.sub.Close()
	t.Finish()
}
