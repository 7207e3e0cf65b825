package spec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beamline/gospec/internal/testutil/specserver"
	"github.com/beamline/gospec/transport"
	"github.com/beamline/gospec/wire"
)

func testSession(t *testing.T, srv *specserver.Server) *Session {
	t.Helper()
	s, err := Connect(context.Background(), Config{
		Transport:        transport.Config{Host: "127.0.0.1", Port: srv.Port()},
		CallTimeout:      2 * time.Second,
		SubscribeTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectRegistersServiceChannels(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	if s.Port() != srv.Port() {
		t.Fatalf("Port = %d, want %d", s.Port(), srv.Port())
	}
	waitFor(t, "error channel registration", func() bool {
		return srv.RegisterCount("error") == 1
	})
	waitFor(t, "console registration", func() bool {
		return srv.RegisterCount("output/tty") == 1
	})
}

func TestGetString(t *testing.T) {
	srv := specserver.New(t)
	srv.SetProp("var/FOO", "42")
	s := testSession(t, srv)

	f, err := s.Get("var/FOO")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	text, err := f.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "42" {
		t.Fatalf("value = %q, want %q", text, "42")
	}
}

func TestGetMissingProperty(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	f, err := s.Get("var/NOPE")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f != nil {
		t.Fatalf("frame = %+v, want nil", f)
	}
}

func TestGetAnsweredByEvent(t *testing.T) {
	srv := specserver.New(t)
	srv.SetProp("var/FOO", "42")
	srv.ReadAsEvent("var/FOO")
	s := testSession(t, srv)

	// The server may push the answer as an EVENT carrying the request
	// serial; the waiter must be released all the same.
	f, err := s.Get("var/FOO")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.Cmd != wire.CmdEvent {
		t.Fatalf("cmd = %v, want event", f.Cmd)
	}
	if text, _ := f.Text(); text != "42" {
		t.Fatalf("value = %q, want %q", text, "42")
	}
}

func TestSendFailureClearsPending(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	_, err := s.Send(wire.CmdChanRead, 0, "var/caf\xe9", nil, time.Second, nil)
	if !errors.Is(err, wire.ErrNameNotASCII) {
		t.Fatalf("err = %v, want ErrNameNotASCII", err)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending calls = %d, want 0", n)
	}
	if v := gaugeValue(t, "gospec_session_pending_calls"); v != 0 {
		t.Fatalf("pending_calls gauge = %v, want 0", v)
	}
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestSetSilenceIsSuccess(t *testing.T) {
	srv := specserver.New(t)
	srv.SetProp("var/FOO", "0")
	s := testSession(t, srv)

	if err := s.Set("var/FOO", "42", 100*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, "set record", func() bool {
		for _, rec := range srv.Sets() {
			if rec.Prop == "var/FOO" && rec.Value == "42" {
				return true
			}
		}
		return false
	})
}

func TestSetUnknownPropertyFails(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	err := s.Set("var/NOPE", "1", time.Second)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if re.Prop != "var/NOPE" {
		t.Fatalf("Prop = %q, want var/NOPE", re.Prop)
	}
}

func TestRunCapturesConsole(t *testing.T) {
	srv := specserver.New(t)
	srv.OnFunc(func(command string) specserver.FuncResult {
		if strings.TrimSpace(command) != "p 1" {
			t.Errorf("command = %q, want p 1", command)
		}
		return specserver.FuncResult{
			Console: []string{"1\n", "1.SPEC> "},
			Body:    "1",
		}
	})
	s := testSession(t, srv)

	f, console, err := s.Run(context.Background(), "p 1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text, _ := f.Text(); text != "1" {
		t.Fatalf("reply body = %q, want 1", text)
	}
	if console != "1\n" {
		t.Fatalf("console = %q, want %q", console, "1\n")
	}
}

func TestRunAppendsNewline(t *testing.T) {
	srv := specserver.New(t)
	got := make(chan string, 1)
	srv.OnFunc(func(command string) specserver.FuncResult {
		got <- command
		return specserver.FuncResult{}
	})
	s := testSession(t, srv)

	if _, _, err := s.Run(context.Background(), "wa"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cmd := <-got; cmd != "wa\n" {
		t.Fatalf("wire command = %q, want %q", cmd, "wa\n")
	}
}

func TestRunCanceled(t *testing.T) {
	srv := specserver.New(t)
	srv.OnFunc(func(string) specserver.FuncResult {
		time.Sleep(300 * time.Millisecond)
		return specserver.FuncResult{}
	})
	s := testSession(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := s.Run(ctx, "p 1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunAsyncCallback(t *testing.T) {
	srv := specserver.New(t)
	srv.OnFunc(func(string) specserver.FuncResult {
		return specserver.FuncResult{Console: []string{"done\n"}, Body: "ok"}
	})
	s := testSession(t, srv)

	type result struct {
		body    string
		console string
	}
	got := make(chan result, 1)
	err := s.RunAsync("p DONE", func(f *wire.Frame, console string) {
		text, _ := f.Text()
		got <- result{body: text, console: console}
	})
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	select {
	case res := <-got:
		if res.body != "ok" || res.console != "done\n" {
			t.Fatalf("callback got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestSendTimeout(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	// CmdFunc has no handler installed, so no reply ever comes.
	_, err := s.Send(wire.CmdFunc, wire.TypeString, "", []byte("slow\n"), 50*time.Millisecond, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending calls after timeout = %d, want 0", n)
	}
}

func TestAbort(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	waitFor(t, "abort record", func() bool { return srv.Aborts() == 1 })
}

func TestCountersLoadedAtConnect(t *testing.T) {
	srv := specserver.New(t)
	srv.SetProp("var/COUNTERS", "2")
	srv.OnFunc(func(command string) specserver.FuncResult {
		switch strings.TrimSpace(command) {
		case "cnt_mne(0)":
			return specserver.FuncResult{Body: "sec"}
		case "cnt_mne(1)":
			return specserver.FuncResult{Body: "det"}
		case "cnt_name(0)":
			return specserver.FuncResult{Body: "Seconds"}
		case "cnt_name(1)":
			return specserver.FuncResult{Body: "Detector"}
		}
		return specserver.FuncResult{Err: 1}
	})
	s := testSession(t, srv)

	counters := s.Counters()
	if len(counters) != 2 {
		t.Fatalf("counters = %+v, want 2 entries", counters)
	}
	if counters[0].Mne != "sec" || counters[0].Name != "Seconds" {
		t.Fatalf("counters[0] = %+v", counters[0])
	}
	if counters[1].Mne != "det" || counters[1].Name != "Detector" {
		t.Fatalf("counters[1] = %+v", counters[1])
	}
}

func TestMotors(t *testing.T) {
	srv := specserver.New(t)
	srv.SetAssoc("var/A", []string{"0", "1.5", "1", "0.25"})
	srv.OnFunc(func(command string) specserver.FuncResult {
		switch strings.TrimSpace(command) {
		case "motor_name(0)":
			return specserver.FuncResult{Body: "th"}
		case "motor_name(1)":
			return specserver.FuncResult{Body: "tth"}
		}
		return specserver.FuncResult{Err: 1}
	})
	s := testSession(t, srv)

	names, err := s.Motors(context.Background())
	if err != nil {
		t.Fatalf("Motors: %v", err)
	}
	if len(names) != 2 || names[0] != "th" || names[1] != "tth" {
		t.Fatalf("names = %v, want [th tth]", names)
	}
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	_ = s.Close()
	<-s.Done()
	if _, err := s.Get("var/FOO"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestServerDisconnectFailsSession(t *testing.T) {
	srv := specserver.New(t)
	s := testSession(t, srv)

	srv.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe disconnect")
	}
	if s.Err() == nil {
		t.Fatal("Err() = nil after disconnect")
	}
}
