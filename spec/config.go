package spec

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/beamline/gospec/transport"
)

// Config controls a Session.
type Config struct {
	// Transport configures dialing and discovery.
	Transport transport.Config
	// CallTimeout bounds synchronous Get calls and other bounded waits.
	CallTimeout time.Duration
	// SubscribeTimeout bounds the registration race: how long Subscribe
	// waits for either the property's first event or an error-channel
	// event before giving up.
	SubscribeTimeout time.Duration
	// EventQueueLen is the per-subscriber queue capacity. Event delivery
	// to one subscriber never blocks another; a subscriber that falls
	// this many events behind loses the newest events until it catches
	// up.
	EventQueueLen int
	// ConsoleLimit caps the console accumulator, in bytes.
	ConsoleLimit int
	// Logger receives session lifecycle and routing events. Disabled by
	// default.
	Logger zerolog.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	c.Transport = c.Transport.WithDefaults()
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = time.Second
	}
	if c.EventQueueLen <= 0 {
		c.EventQueueLen = 64
	}
	if c.ConsoleLimit <= 0 {
		c.ConsoleLimit = 10000
	}
	return c
}
