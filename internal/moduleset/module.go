// Package moduleset is a small registry of lifecycle-managed subsystems
// (WHIP, WebRTC), each exposing a command bus and an event bus other
// modules can address it through.
package moduleset

import (
	"context"
	"fmt"
	"sync"
)

// Message is one command sent to a Module's Commands bus; Reply, if
// non-nil, is where the module publishes its response.
type Message struct {
	Data  string
	Reply *Bus
}

// Bus is a small fan-out broadcaster for module command/event traffic. It
// does not share implementation with internal/channel.Bus, the high-volume
// media fan-out path: each subscriber here has a one-slot buffer, and a
// value sent while that slot is still full is dropped for that subscriber
// without any lag report.
type Bus struct {
	mu   sync.Mutex
	subs []chan any
}

// NewBus returns an empty control-plane bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe returns a channel that receives every subsequent Send.
func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Send publishes v to every current subscriber, without blocking on a full
// subscriber channel.
func (b *Bus) Send(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Lifecycle is the capability every registered module implements.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Exec(ctx context.Context, command string) error
}

// Module is one entry in the Set: a named Lifecycle plus its command and
// event buses, addressable by other modules through Set.Lookup. (cmd/relayd
// wires WHIP-to-WebRTC signaling over a separately shared Bus, not over
// these.)
type Module struct {
	Name     string
	Commands *Bus
	Events   *Bus
	impl     Lifecycle
}

// Set is the process-wide module registry.
type Set struct {
	mu      sync.Mutex
	modules map[string]*Module
}

// NewSet returns an empty module set.
func NewSet() *Set {
	return &Set{modules: make(map[string]*Module)}
}

// Register adds a named module with a freshly created command/event bus
// pair. It is an error to register the same name twice.
func (s *Set) Register(name string, impl Lifecycle) (*Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.modules[name]; exists {
		return nil, fmt.Errorf("moduleset: module %q already registered", name)
	}
	m := &Module{Name: name, Commands: NewBus(), Events: NewBus(), impl: impl}
	s.modules[name] = m
	return m, nil
}

// Lookup returns the named module, if registered.
func (s *Set) Lookup(name string) (*Module, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[name]
	return m, ok
}

// StartAll starts every registered module, stopping whichever already
// started if one fails, so a partial failure doesn't leave orphaned
// subsystems running.
func (s *Set) StartAll(ctx context.Context) error {
	s.mu.Lock()
	modules := make([]*Module, 0, len(s.modules))
	for _, m := range s.modules {
		modules = append(modules, m)
	}
	s.mu.Unlock()

	started := make([]*Module, 0, len(modules))
	for _, m := range modules {
		if err := m.impl.Start(ctx); err != nil {
			for _, done := range started {
				_ = done.impl.Stop(ctx)
			}
			return fmt.Errorf("moduleset: start %q: %w", m.Name, err)
		}
		started = append(started, m)
	}
	return nil
}

// StopAll stops every registered module, collecting but not short-
// circuiting on individual errors so one stuck module doesn't prevent the
// others from shutting down.
func (s *Set) StopAll(ctx context.Context) error {
	s.mu.Lock()
	modules := make([]*Module, 0, len(s.modules))
	for _, m := range s.modules {
		modules = append(modules, m)
	}
	s.mu.Unlock()

	var firstErr error
	for _, m := range modules {
		if err := m.impl.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("moduleset: stop %q: %w", m.Name, err)
		}
	}
	return firstErr
}
