package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/beamline/gospec/wire"
)

// ErrNoServer is returned when no candidate port answered the HELLO
// probe. Fatal to connection setup.
var ErrNoServer = errors.New("transport: no SPEC server found")

// Dial connects to a SPEC server. With cfg.Port set and no reply there,
// the explicit port list and then the inclusive port range are scanned;
// each candidate must answer a HELLO frame with HELLO_REPLY within the
// probe timeout. The accepted connection has its deadline cleared, so
// reads block indefinitely thereafter.
func Dial(ctx context.Context, cfg Config) (*Conn, int, error) {
	cfg = cfg.WithDefaults()
	if cfg.Host == "" {
		return nil, 0, errors.New("transport: host required")
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1)
	for _, port := range cfg.candidates() {
		if err := limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
		conn, err := probe(ctx, cfg, port)
		if err != nil {
			cfg.Logger.Debug().Str("host", cfg.Host).Int("port", port).Err(err).Msg("probe failed")
			continue
		}
		cfg.Logger.Info().Str("host", cfg.Host).Int("port", port).Msg("connected to SPEC server")
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("%w: host %s", ErrNoServer, cfg.Host)
}

func probe(ctx context.Context, cfg Config, port int) (*Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ProbeTimeout}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	hello := &wire.Frame{
		Cmd:  wire.CmdHello,
		Sec:  uint32(now.Unix()),
		Usec: uint32(now.UnixMicro() % 1e6),
		Name: cfg.ClientName,
	}

	_ = raw.SetDeadline(time.Now().Add(cfg.ProbeTimeout))
	c := newConn(raw)
	if err := c.Send(hello); err != nil {
		_ = raw.Close()
		return nil, err
	}
	reply, err := c.Recv()
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	if reply.Cmd != wire.CmdHelloReply {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: port %d answered command %d, not HELLO_REPLY", port, reply.Cmd)
	}

	_ = raw.SetDeadline(time.Time{})
	return c, nil
}
