package channel

// Channel is a named broadcast endpoint: one bus shared by every session
// that has negotiated this name. The name is immutable after construction;
// the bus lives exactly as long as the Channel.
type Channel struct {
	name string
	bus  *Bus
}

// New constructs a Channel for name with a fresh bus at default capacity.
// name must be non-empty; validation happens upstream in the path parser
// (internal/chanpath), not here.
func New(name string) *Channel {
	return &Channel{name: name, bus: NewBus()}
}

// Name returns the channel's immutable name.
func (c *Channel) Name() string { return c.name }

// Publish enqueues bytes for every current subscriber. tag identifies the
// publishing session, letting that session's own egress loop skip its own
// traffic.
func (c *Channel) Publish(data []byte, tag uint64) { c.bus.Publish(data, tag) }

// Subscribe returns a fresh Subscriber positioned at the channel's current
// tail.
func (c *Channel) Subscribe() *Subscriber { return c.bus.Subscribe() }

// SubscriberCount returns the channel's live subscriber count.
func (c *Channel) SubscriberCount() int { return c.bus.SubscriberCount() }
