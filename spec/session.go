// Package spec implements the client side of the SPEC server protocol:
// a multiplexed session over one TCP stream, property subscriptions,
// remote command execution with console capture, and typed proxies for
// variables, arrays, and motors.
package spec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/beamline/gospec/internal/observability"
	"github.com/beamline/gospec/transport"
	"github.com/beamline/gospec/wire"
)

const (
	// consoleProperty is the server's interactive-output side channel.
	consoleProperty = "output/tty"
	// errorProperty is the shared error event channel, registered at
	// session start and used to detect registration failures.
	errorProperty = "error"
	// benignError is the error-channel body that does not mean failure.
	benignError = "No error"
)

// ReplyCallback receives a correlated reply off the reader path along
// with the console text accumulated while the command ran. The frame is
// nil if the session failed before a reply arrived.
type ReplyCallback func(f *wire.Frame, console string)

// EventCallback receives subscription events, in per-property order.
type EventCallback func(f *wire.Frame)

// replyEnv pairs a reply frame with the console snapshot taken when the
// frame was routed, so a concurrent Run cannot reset the text first.
type replyEnv struct {
	f       *wire.Frame
	console string
}

// pendingCall correlates one serial number with one waiter or callback.
type pendingCall struct {
	ch chan replyEnv
	cb ReplyCallback
}

// subscription is the per-property fan-out entry: local callbacks plus
// the most recently observed frame.
type subscription struct {
	last *wire.Frame
	subs []*Subscriber
}

// regRace is an in-flight REGISTER waiting for whichever answers first:
// the property's own first event or the shared error channel. The
// protocol never acknowledges REGISTER directly, so this race is the
// only acknowledgement there is.
type regRace struct {
	ok   chan *wire.Frame
	errc chan *wire.Frame
}

// Counter names one scaler channel: wire mnemonic and display name.
type Counter struct {
	Mne  string
	Name string
}

// Session is a connected SPEC client. All methods are safe for
// concurrent use; a single background goroutine owns all reads from the
// stream.
type Session struct {
	cfg  Config
	conn *transport.Conn
	log  zerolog.Logger
	port int

	mu       sync.Mutex
	serial   uint32
	pending  map[uint32]*pendingCall
	subs     map[string]*subscription
	races    map[string]*regRace
	watched  map[string]*Subscriber
	console  string
	counters []Counter

	closed    chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// Connect discovers and dials a SPEC server, starts the reader, and
// performs session setup: the error channel is registered (so
// registration failures for every other property are detectable), the
// console output channel is registered, and the scaler name table is
// loaded when the server publishes one.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()

	conn, port, err := transport.Dial(ctx, cfg.Transport)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		log:     cfg.Logger,
		port:    port,
		pending: make(map[uint32]*pendingCall),
		subs:    make(map[string]*subscription),
		races:   make(map[string]*regRace),
		watched: make(map[string]*Subscriber),
		closed:  make(chan struct{}),
	}
	go s.readLoop()

	if _, err := s.Subscribe(errorProperty, func(*wire.Frame) {}, true); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.mu.Lock()
	err = s.sendLocked(&wire.Frame{Cmd: wire.CmdRegister, Name: consoleProperty})
	s.mu.Unlock()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.RefreshCounterNames(ctx); err != nil {
		s.log.Debug().Err(err).Msg("no scaler name table")
	}
	return s, nil
}

// Port reports the server port the session is connected to.
func (s *Session) Port() int { return s.port }

// Done is closed when the session has failed or been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err reports why the session ended, nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Close tears the session down. Outstanding waiters fail with ErrClosed.
func (s *Session) Close() error {
	s.fail(ErrClosed)
	return s.conn.Close()
}

// fail records the first terminal error, wakes every waiter, and stops
// all subscriber feeders. Transport failures land here from the reader.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		var stop []*Subscriber
		for _, sub := range s.subs {
			stop = append(stop, sub.subs...)
		}
		for sn, pc := range s.pending {
			if pc.cb != nil {
				go pc.cb(nil, "")
			}
			delete(s.pending, sn)
		}
		close(s.closed)
		s.mu.Unlock()
		for _, sb := range stop {
			sb.stop()
		}
	})
}

func (s *Session) closeErrLocked() error {
	select {
	case <-s.closed:
		if s.closeErr != nil {
			return s.closeErr
		}
		return ErrClosed
	default:
		return nil
	}
}

// sendLocked stamps and writes one frame. Callers hold s.mu, so serial
// allocation, pending-table registration, and the write are one unit and
// frames never interleave on the stream.
func (s *Session) sendLocked(f *wire.Frame) error {
	now := time.Now()
	f.Sec = uint32(now.Unix())
	f.Usec = uint32(now.UnixMicro() % 1e6)
	return s.conn.Send(f)
}

// call sends f with a fresh serial number. wait > 0 blocks for a reply
// up to that long; wait < 0 blocks until the reply or session death;
// wait == 0 returns after the write, with cb (if any) invoked off the
// reader path when the reply arrives. resetConsole clears the console
// accumulator inside the send critical section.
func (s *Session) call(f *wire.Frame, wait time.Duration, cb ReplyCallback, resetConsole bool) (*wire.Frame, string, error) {
	s.mu.Lock()
	if err := s.closeErrLocked(); err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	s.serial++
	sn := s.serial
	f.Serial = sn

	var pc *pendingCall
	switch {
	case wait != 0:
		pc = &pendingCall{ch: make(chan replyEnv, 1)}
	case cb != nil:
		pc = &pendingCall{cb: cb}
	}
	if pc != nil {
		s.pending[sn] = pc
		observability.SetPendingCalls(len(s.pending))
	}
	if resetConsole {
		s.console = ""
	}

	err := s.sendLocked(f)
	if err != nil {
		delete(s.pending, sn)
		observability.SetPendingCalls(len(s.pending))
		s.mu.Unlock()
		return nil, "", err
	}
	s.mu.Unlock()

	if pc == nil || pc.ch == nil {
		return nil, "", nil
	}
	return s.wait(sn, pc, wait, nil)
}

// wait blocks until the reply for sn, a timeout, ctx cancellation, or
// session death. A timed-out call is discarded; a reply arriving later
// finds no pending entry and is dropped.
func (s *Session) wait(sn uint32, pc *pendingCall, wait time.Duration, ctx context.Context) (*wire.Frame, string, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	var cancel <-chan struct{}
	if ctx != nil {
		cancel = ctx.Done()
	}
	select {
	case env := <-pc.ch:
		return env.f, env.console, nil
	case <-timeout:
		s.discard(sn)
		observability.RecordCallTimeout()
		return nil, "", fmt.Errorf("%w: serial %d", ErrTimeout, sn)
	case <-cancel:
		s.discard(sn)
		return nil, "", ctx.Err()
	case <-s.closed:
		return nil, "", s.Err()
	}
}

func (s *Session) discard(sn uint32) {
	s.mu.Lock()
	delete(s.pending, sn)
	observability.SetPendingCalls(len(s.pending))
	s.mu.Unlock()
}

// Send is the generic request primitive. wait > 0 blocks for the
// correlated reply with that budget, wait < 0 blocks without one,
// wait == 0 sends and returns (cb, if non-nil, fires on the reply).
func (s *Session) Send(cmd wire.Command, typ wire.DataType, prop string, body []byte, wait time.Duration, cb ReplyCallback) (*wire.Frame, error) {
	f, _, err := s.call(&wire.Frame{Cmd: cmd, Type: typ, Name: prop, Body: body}, wait, cb, false)
	return f, err
}

// Get reads one property synchronously. A server-reported error (the
// property does not exist) returns nil, nil.
func (s *Session) Get(prop string) (*wire.Frame, error) {
	f, err := s.Send(wire.CmdChanRead, 0, prop, nil, s.cfg.CallTimeout, nil)
	if err != nil {
		return nil, err
	}
	if f.Type == wire.TypeError {
		return nil, nil
	}
	return f, nil
}

// Set writes one property. The server only replies when the property is
// invalid, so silence for waitForError is success; an ERROR reply within
// the window is a *RemoteError. With waitForError <= 0 the call returns
// right after the send.
func (s *Session) Set(prop, value string, waitForError time.Duration) error {
	if waitForError <= 0 {
		_, err := s.Send(wire.CmdChanSend, wire.TypeString, prop, []byte(value), 0, nil)
		return err
	}
	f, err := s.Send(wire.CmdChanSend, wire.TypeString, prop, []byte(value), waitForError, nil)
	if errors.Is(err, ErrTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.Type == wire.TypeError {
		msg, _ := f.Text()
		return &RemoteError{Prop: prop, Code: f.Err, Message: msg}
	}
	return nil
}

// Run executes a command string as if typed at the interactive console,
// blocking until the server's reply. It returns the reply frame and the
// console text the command produced. The command is newline-terminated
// on the wire.
func (s *Session) Run(ctx context.Context, command string) (*wire.Frame, string, error) {
	f := &wire.Frame{
		Cmd:  wire.CmdFuncWithReturn,
		Type: wire.TypeString,
		Body: []byte(terminate(command)),
	}

	s.mu.Lock()
	if err := s.closeErrLocked(); err != nil {
		s.mu.Unlock()
		return nil, "", err
	}
	s.serial++
	sn := s.serial
	f.Serial = sn
	pc := &pendingCall{ch: make(chan replyEnv, 1)}
	s.pending[sn] = pc
	observability.SetPendingCalls(len(s.pending))
	s.console = ""
	err := s.sendLocked(f)
	if err != nil {
		delete(s.pending, sn)
		observability.SetPendingCalls(len(s.pending))
		s.mu.Unlock()
		return nil, "", err
	}
	s.mu.Unlock()

	return s.wait(sn, pc, 0, ctx)
}

// RunAsync executes a command without blocking. With a callback the
// command runs as FUNC_WITH_RETURN and cb receives the reply and console
// text; with cb nil it is fire-and-forget FUNC.
func (s *Session) RunAsync(command string, cb ReplyCallback) error {
	cmd := wire.CmdFunc
	if cb != nil {
		cmd = wire.CmdFuncWithReturn
	}
	f := &wire.Frame{Cmd: cmd, Type: wire.TypeString, Body: []byte(terminate(command))}
	_, _, err := s.call(f, 0, cb, true)
	return err
}

// Abort interrupts all running server-side work. It expects no reply;
// outstanding blocking calls are released by whatever reply or error the
// server produces for them.
func (s *Session) Abort() error {
	_, err := s.Send(wire.CmdAbort, 0, "", nil, 0, nil)
	return err
}

// RefreshCounterNames reloads the scaler name table (mnemonic and
// display name per counter) from the server. Servers without counters
// leave the table empty.
func (s *Session) RefreshCounterNames(ctx context.Context) error {
	f, err := s.Get("var/COUNTERS")
	if err != nil {
		return err
	}
	if f == nil {
		s.mu.Lock()
		s.counters = nil
		s.mu.Unlock()
		return nil
	}
	text, err := f.Text()
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("spec: COUNTERS is %q, not a count", text)
	}

	counters := make([]Counter, 0, n)
	for i := 0; i < n; i++ {
		mne, err := s.runText(ctx, fmt.Sprintf("cnt_mne(%d)", i))
		if err != nil {
			return err
		}
		name, err := s.runText(ctx, fmt.Sprintf("cnt_name(%d)", i))
		if err != nil {
			return err
		}
		counters = append(counters, Counter{Mne: mne, Name: name})
	}
	s.mu.Lock()
	s.counters = counters
	s.mu.Unlock()
	return nil
}

// Counters returns the scaler name table loaded at connect (or by
// RefreshCounterNames), in server order.
func (s *Session) Counters() []Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Counter, len(s.counters))
	copy(out, s.counters)
	return out
}

// Motors lists all motor names known to the server, resolved through
// the A angles array and motor_name().
func (s *Session) Motors(ctx context.Context) ([]string, error) {
	f, err := s.Get("var/A")
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: var/A", ErrNotFound)
	}
	keys, err := f.AssocKeys()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name, err := s.runText(ctx, fmt.Sprintf("motor_name(%s)", k))
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (s *Session) runText(ctx context.Context, command string) (string, error) {
	f, _, err := s.Run(ctx, command)
	if err != nil {
		return "", err
	}
	text, err := f.Text()
	if err != nil {
		return string(f.Body), nil
	}
	return text, nil
}

func terminate(command string) string {
	if !strings.HasSuffix(command, "\n") {
		return command + "\n"
	}
	return command
}
