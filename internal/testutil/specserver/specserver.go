// Package specserver runs an in-process instrument-control server that
// speaks the real wire protocol over TCP, for exercising the client
// against scripted properties, events, and command results.
package specserver

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/beamline/gospec/wire"
)

// FuncResult scripts the server's handling of one remote command:
// console segments and property events pushed before the reply, then
// the reply body and error code.
type FuncResult struct {
	Console []string
	Events  []Event
	Body    string
	Err     int32
}

// Event is one property event to push.
type Event struct {
	Prop  string
	Value string
}

// SetRecord is one observed property write.
type SetRecord struct {
	Prop  string
	Value string
}

// Server is a scripted protocol server on a loopback listener.
type Server struct {
	t  *testing.T
	ln net.Listener

	mu         sync.Mutex
	props      map[string]string
	arrays     map[string]*wire.Array
	assocs     map[string][]string
	regErrs    map[string]string
	eventReads map[string]bool
	onFunc     func(command string) FuncResult
	regCount   map[string]int
	unregCount map[string]int
	sets       []SetRecord
	aborts     int
	conns      []*serverConn
	closed     bool
}

type serverConn struct {
	mu sync.Mutex
	c  net.Conn
}

func (sc *serverConn) send(f *wire.Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return wire.Write(sc.c, f)
}

// New starts a server on an ephemeral loopback port and closes it on
// test cleanup.
func New(t *testing.T) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		t:          t,
		ln:         ln,
		props:      map[string]string{},
		arrays:     map[string]*wire.Array{},
		assocs:     map[string][]string{},
		regErrs:    map[string]string{},
		eventReads: map[string]bool{},
		regCount:   map[string]int{},
		unregCount: map[string]int{},
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Port reports the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops the listener and all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.mu.Unlock()
	_ = s.ln.Close()
	for _, sc := range conns {
		_ = sc.c.Close()
	}
}

// SetProp installs a readable property with a text value. Registered
// clients receive the current value as their first event.
func (s *Server) SetProp(name, value string) {
	s.mu.Lock()
	s.props[name] = value
	s.mu.Unlock()
}

// SetArray installs a readable property with an array value.
func (s *Server) SetArray(name string, a *wire.Array) {
	s.mu.Lock()
	s.arrays[name] = a
	s.mu.Unlock()
}

// SetAssoc installs a readable associative-array property. fields is a
// flat key, value, key, value list; wire order is preserved.
func (s *Server) SetAssoc(name string, fields []string) {
	s.mu.Lock()
	s.assocs[name] = append([]string(nil), fields...)
	s.mu.Unlock()
}

// RegisterError makes REGISTER for prop answer on the error channel
// with msg instead of pushing a first event.
func (s *Server) RegisterError(prop, msg string) {
	s.mu.Lock()
	s.regErrs[prop] = msg
	s.mu.Unlock()
}

// ReadAsEvent makes CHAN_READ for prop answer with an EVENT frame that
// carries the request serial instead of a REPLY, as a server pushing a
// registered property does.
func (s *Server) ReadAsEvent(prop string) {
	s.mu.Lock()
	s.eventReads[prop] = true
	s.mu.Unlock()
}

// OnFunc installs the handler for remote command execution.
func (s *Server) OnFunc(fn func(command string) FuncResult) {
	s.mu.Lock()
	s.onFunc = fn
	s.mu.Unlock()
}

// PushEvent pushes one property event to every connection.
func (s *Server) PushEvent(prop, value string) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, sc := range conns {
		_ = sc.send(eventFrame(prop, value))
	}
}

// RegisterCount reports how many REGISTER frames arrived for prop.
func (s *Server) RegisterCount(prop string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regCount[prop]
}

// UnregisterCount reports how many UNREGISTER frames arrived for prop.
func (s *Server) UnregisterCount(prop string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregCount[prop]
}

// Sets returns every property write observed, in arrival order.
func (s *Server) Sets() []SetRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SetRecord(nil), s.sets...)
}

// Aborts reports how many ABORT frames arrived.
func (s *Server) Aborts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{c: c}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *Server) serve(sc *serverConn) {
	defer sc.c.Close()
	for {
		f, err := wire.Read(sc.c)
		if err != nil {
			return
		}
		if err := s.handle(sc, f); err != nil {
			return
		}
	}
}

func (s *Server) handle(sc *serverConn, f *wire.Frame) error {
	switch f.Cmd {
	case wire.CmdHello:
		return sc.send(&wire.Frame{Cmd: wire.CmdHelloReply, Serial: f.Serial, Name: "server"})

	case wire.CmdChanRead:
		return s.handleRead(sc, f)

	case wire.CmdChanSend:
		s.mu.Lock()
		_, known := s.props[f.Name]
		s.sets = append(s.sets, SetRecord{Prop: f.Name, Value: stripNul(string(f.Body))})
		s.mu.Unlock()
		if !known {
			return sc.send(errorReply(f.Serial, f.Name, fmt.Sprintf("Channel %s does not exist", f.Name)))
		}
		return nil

	case wire.CmdRegister:
		s.mu.Lock()
		s.regCount[f.Name]++
		msg, failed := s.regErrs[f.Name]
		val, known := s.props[f.Name]
		s.mu.Unlock()
		if failed {
			return sc.send(eventFrame("error", msg))
		}
		if known {
			return sc.send(eventFrame(f.Name, val))
		}
		return nil

	case wire.CmdUnregister:
		s.mu.Lock()
		s.unregCount[f.Name]++
		s.mu.Unlock()
		return nil

	case wire.CmdAbort:
		s.mu.Lock()
		s.aborts++
		s.mu.Unlock()
		return nil

	case wire.CmdFunc, wire.CmdFuncWithReturn:
		return s.handleFunc(sc, f)
	}
	return nil
}

func (s *Server) handleRead(sc *serverConn, f *wire.Frame) error {
	s.mu.Lock()
	arr := s.arrays[f.Name]
	assoc := s.assocs[f.Name]
	val, known := s.props[f.Name]
	asEvent := s.eventReads[f.Name]
	s.mu.Unlock()

	if asEvent && known {
		ev := eventFrame(f.Name, val)
		ev.Serial = f.Serial
		return sc.send(ev)
	}
	if assoc != nil {
		body := append([]byte(strings.Join(assoc, "\x00")), 0, 0)
		return sc.send(&wire.Frame{
			Cmd:    wire.CmdReply,
			Serial: f.Serial,
			Type:   wire.TypeAssoc,
			Rows:   1,
			Cols:   uint32(len(body)),
			Name:   f.Name,
			Body:   body,
		})
	}
	if arr != nil {
		body, err := encodeArrayBody(arr)
		if err != nil {
			return err
		}
		return sc.send(&wire.Frame{
			Cmd:    wire.CmdReply,
			Serial: f.Serial,
			Type:   arr.Type,
			Rows:   uint32(arr.Rows),
			Cols:   uint32(arr.Cols),
			Name:   f.Name,
			Body:   body,
		})
	}
	if !known {
		return sc.send(errorReply(f.Serial, f.Name, fmt.Sprintf("Channel %s does not exist", f.Name)))
	}
	return sc.send(&wire.Frame{
		Cmd:    wire.CmdReply,
		Serial: f.Serial,
		Type:   wire.TypeString,
		Rows:   1,
		Cols:   uint32(len(val) + 1),
		Name:   f.Name,
		Body:   append([]byte(val), 0),
	})
}

func (s *Server) handleFunc(sc *serverConn, f *wire.Frame) error {
	s.mu.Lock()
	fn := s.onFunc
	s.mu.Unlock()
	if fn == nil {
		if f.Cmd == wire.CmdFuncWithReturn {
			return sc.send(errorReply(f.Serial, f.Name, "no command handler"))
		}
		return nil
	}
	res := fn(stripNul(string(f.Body)))
	for _, seg := range res.Console {
		if err := sc.send(eventFrame("output/tty", seg)); err != nil {
			return err
		}
	}
	for _, ev := range res.Events {
		if err := sc.send(eventFrame(ev.Prop, ev.Value)); err != nil {
			return err
		}
	}
	if f.Cmd != wire.CmdFuncWithReturn {
		return nil
	}
	return sc.send(&wire.Frame{
		Cmd:    wire.CmdReply,
		Serial: f.Serial,
		Type:   wire.TypeString,
		Rows:   1,
		Cols:   uint32(len(res.Body) + 1),
		Err:    res.Err,
		Name:   f.Name,
		Body:   append([]byte(res.Body), 0),
	})
}

func eventFrame(prop, value string) *wire.Frame {
	return &wire.Frame{
		Cmd:  wire.CmdEvent,
		Type: wire.TypeString,
		Rows: 1,
		Cols: uint32(len(value) + 1),
		Name: prop,
		Body: append([]byte(value), 0),
	}
}

func errorReply(serial uint32, prop, msg string) *wire.Frame {
	return &wire.Frame{
		Cmd:    wire.CmdReply,
		Serial: serial,
		Type:   wire.TypeError,
		Rows:   1,
		Cols:   uint32(len(msg) + 1),
		Err:    1,
		Name:   prop,
		Body:   append([]byte(msg), 0),
	}
}

// encodeArrayBody packs an array value, including the fixed-width
// string layout EncodeArray does not produce.
func encodeArrayBody(a *wire.Array) ([]byte, error) {
	if a.Type != wire.TypeArrString {
		return wire.EncodeArray(a)
	}
	out := make([]byte, 0, len(a.Strings())*a.Cols)
	for _, s := range a.Strings() {
		field := make([]byte, a.Cols)
		copy(field, s)
		out = append(out, field...)
	}
	return out, nil
}

func stripNul(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}
