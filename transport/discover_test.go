package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/beamline/gospec/internal/testutil/specserver"
)

// silentPort opens a listener that accepts connections but never
// answers, so probes against it time out.
func silentPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// deadPort returns a port nothing is listening on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDialExplicitPort(t *testing.T) {
	srv := specserver.New(t)

	conn, port, err := Dial(context.Background(), Config{
		Host: "127.0.0.1",
		Port: srv.Port(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if port != srv.Port() {
		t.Fatalf("port = %d, want %d", port, srv.Port())
	}
}

func TestDialScansPastSilentPort(t *testing.T) {
	srv := specserver.New(t)
	silent := silentPort(t)

	conn, port, err := Dial(context.Background(), Config{
		Host:           "127.0.0.1",
		Ports:          []int{silent, srv.Port()},
		PortRangeStart: silent,
		PortRangeEnd:   silent,
		ProbeTimeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if port != srv.Port() {
		t.Fatalf("port = %d, want %d", port, srv.Port())
	}
}

func TestDialNoServer(t *testing.T) {
	dead := deadPort(t)

	_, _, err := Dial(context.Background(), Config{
		Host:           "127.0.0.1",
		PortRangeStart: dead,
		PortRangeEnd:   dead,
		ProbeTimeout:   50 * time.Millisecond,
	})
	if !errors.Is(err, ErrNoServer) {
		t.Fatalf("err = %v, want ErrNoServer", err)
	}
}

func TestDialRequiresHost(t *testing.T) {
	if _, _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("Dial with no host succeeded")
	}
}

func TestDialCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dead := deadPort(t)

	_, _, err := Dial(ctx, Config{
		Host:           "127.0.0.1",
		PortRangeStart: dead,
		PortRangeEnd:   dead,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCandidatesOrder(t *testing.T) {
	cfg := Config{
		Port:           7000,
		Ports:          []int{7100, 7200},
		PortRangeStart: 6510,
		PortRangeEnd:   6512,
	}
	got := cfg.candidates()
	want := []int{7000, 7100, 7200, 6510, 6511, 6512}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}
