// Package registry implements the process-wide mapping from channel name
// to Channel. A single mutex over the whole map is enough here: the only
// thing that must be serialized is the lookup-then-insert sequence, and no
// I/O ever happens under the lock.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/channel"
)

// Registry is a process-wide name -> Channel map. One instance lives for
// the process's lifetime.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel.Channel
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		channels: make(map[string]*channel.Channel),
	}
}

// FindOrCreate returns the Channel for name, creating and inserting one if
// none exists yet. Two concurrent callers with the same name always observe
// the same *channel.Channel; the lookup-then-insert is serialized by mu, and
// no I/O happens while mu is held. name must already be a validated,
// non-empty channel name (internal/chanpath enforces this upstream).
func (r *Registry) FindOrCreate(name string) *channel.Channel {
	r.mu.Lock()
	if ch, ok := r.channels[name]; ok {
		r.mu.Unlock()
		return ch
	}
	ch := channel.New(name)
	r.channels[name] = ch
	r.mu.Unlock()

	r.logger.Info("channel created", zap.String("channel", name))
	return ch
}

// Lookup returns the Channel for name without creating one, and whether it
// was found. Exposed for diagnostics (e.g. a health/stats endpoint); the
// relay's session path always uses FindOrCreate.
func (r *Registry) Lookup(name string) (*channel.Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Count returns the number of channels currently in this registry (channels
// removed by Sweep are not counted).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Sweep removes every channel with zero live subscribers. Nothing calls
// this on the default startup path; it is provided so an operator can opt
// into reclaiming memory for long-running deployments without changing the
// behavior of FindOrCreate, which never destroys a channel on its own.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	removed := 0
	for name, ch := range r.channels {
		if ch.SubscriberCount() == 0 {
			delete(r.channels, name)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info("registry sweep removed idle channels", zap.Int("count", removed))
	}
	return removed
}
