package spec

import (
	"strings"

	"github.com/beamline/gospec/internal/observability"
	"github.com/beamline/gospec/wire"
)

// readLoop is the only reader of the stream. Every inbound frame is
// routed from here; a transport error kills the session.
func (s *Session) readLoop() {
	for {
		f, err := s.conn.Recv()
		if err != nil {
			s.fail(err)
			return
		}
		observability.RecordFrameRead(f.Cmd.String())
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f *wire.Frame) {
	switch f.Cmd {
	case wire.CmdEvent:
		s.handleEvent(f)
	case wire.CmdReply, wire.CmdReturn, wire.CmdHelloReply:
		s.handleReply(f)
	case wire.CmdClose:
		s.fail(ErrClosed)
	default:
		s.log.Warn().Stringer("cmd", f.Cmd).Str("prop", f.Name).Msg("unexpected frame")
	}
}

// handleEvent fans one property event out to the console accumulator,
// any registration race waiting on the property, and local subscribers.
// Subscriber delivery happens outside the lock; per-subscriber order is
// preserved by the feeder queues.
func (s *Session) handleEvent(f *wire.Frame) {
	if f.Name == consoleProperty {
		s.appendConsole(f)
		return
	}

	s.mu.Lock()
	if race, ok := s.races[f.Name]; ok {
		select {
		case race.ok <- f:
		default:
		}
	}
	if f.Name == errorProperty {
		for _, race := range s.races {
			select {
			case race.errc <- f:
			default:
			}
		}
	}
	var targets []*Subscriber
	if sub, ok := s.subs[f.Name]; ok {
		sub.last = f
		targets = append(targets, sub.subs...)
	}
	s.mu.Unlock()

	for _, sb := range targets {
		sb.enqueue(f)
		observability.RecordEventDispatched()
	}
	if len(targets) == 0 && f.Name != errorProperty {
		s.log.Debug().Str("prop", f.Name).Msg("event with no subscriber")
	}

	// An event can double as the answer a correlated call is waiting
	// for. Delivery stays at-most-once: resolvePending deletes the
	// waiter under the lock.
	if f.Serial != 0 && s.resolvePending(f) {
		observability.RecordReplyMatched()
	}
}

// appendConsole accumulates interactive output. A chunk ending in the
// shell prompt has the prompt line stripped, so captured text is the
// command's output alone. The accumulator keeps only the newest
// ConsoleLimit bytes.
func (s *Session) appendConsole(f *wire.Frame) {
	text, err := f.Text()
	if err != nil {
		text = string(f.Body)
	}
	if strings.HasSuffix(text, "> ") {
		i := strings.LastIndexByte(text, '\n')
		if i < 0 {
			return
		}
		text = text[:i+1]
	}
	if text == "" {
		return
	}
	s.mu.Lock()
	s.console += text
	if over := len(s.console) - s.cfg.ConsoleLimit; over > 0 {
		s.console = s.console[over:]
	}
	s.mu.Unlock()
}

// handleReply resolves a pending call by serial number. Replies with no
// waiter (the caller timed out) are dropped.
func (s *Session) handleReply(f *wire.Frame) {
	if s.resolvePending(f) {
		observability.RecordReplyMatched()
		return
	}
	observability.RecordReplyDropped()
	s.log.Debug().Uint32("serial", f.Serial).Msg("reply with no waiter")
}

// resolvePending hands f to the waiter for its serial, if one exists,
// snapshotting the console text under the same lock so a subsequent Run
// cannot clear it first.
func (s *Session) resolvePending(f *wire.Frame) bool {
	s.mu.Lock()
	pc, ok := s.pending[f.Serial]
	if ok {
		delete(s.pending, f.Serial)
		observability.SetPendingCalls(len(s.pending))
	}
	console := s.console
	s.mu.Unlock()

	if !ok {
		return false
	}
	if pc.cb != nil {
		go pc.cb(f, console)
		return true
	}
	pc.ch <- replyEnv{f: f, console: console}
	return true
}
