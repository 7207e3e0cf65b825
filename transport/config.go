// Package transport owns the raw stream to a SPEC server: service
// discovery by HELLO port scan, and blocking send/receive of one frame
// at a time. Everything above frame boundaries lives in package spec.
package transport

import (
	"time"

	"github.com/rs/zerolog"
)

// Default port range scanned when no explicit port is configured.
// SPEC servers listen on 6510 plus the instance number.
const (
	DefaultPortRangeStart = 6510
	DefaultPortRangeEnd   = 6530
)

// Config controls dialing and discovery.
type Config struct {
	// Host is the instrument host. Required.
	Host string
	// Port, when nonzero, is tried first.
	Port int
	// Ports is an explicit list of candidate ports tried before the range.
	Ports []int
	// PortRangeStart/End bound the inclusive scan range.
	PortRangeStart int
	PortRangeEnd   int
	// ProbeTimeout bounds connect + HELLO round trip per candidate port.
	ProbeTimeout time.Duration
	// ProbesPerSecond paces the scan so it does not hammer the host.
	ProbesPerSecond float64
	// ClientName is announced in the HELLO frame's name field.
	ClientName string
	// Logger receives probe and connection events. Disabled by default.
	Logger zerolog.Logger
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.PortRangeStart == 0 {
		c.PortRangeStart = DefaultPortRangeStart
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = DefaultPortRangeEnd
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 100 * time.Millisecond
	}
	if c.ProbesPerSecond <= 0 {
		c.ProbesPerSecond = 50
	}
	if c.ClientName == "" {
		c.ClientName = "gospec"
	}
	return c
}

// candidates returns the scan order: explicit port, explicit list, range.
func (c Config) candidates() []int {
	out := make([]int, 0, 1+len(c.Ports)+c.PortRangeEnd-c.PortRangeStart+1)
	if c.Port != 0 {
		out = append(out, c.Port)
	}
	out = append(out, c.Ports...)
	for p := c.PortRangeStart; p <= c.PortRangeEnd; p++ {
		out = append(out, p)
	}
	return out
}
