package spec

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/beamline/gospec/wire"
)

// MotorProp identifies one motor property. Identifiers replace the
// protocol's string paths so read-only and unit semantics can be
// checked before touching the wire.
type MotorProp int

const (
	// MotorPosition is the position in user units. Writing it changes
	// the offset, it does not move the motor.
	MotorPosition MotorProp = iota
	// MotorDialPosition is the position in dial units. Writing it does
	// not move the motor.
	MotorDialPosition
	// MotorOffset is the user offset in dial units.
	MotorOffset
	// MotorStepSize is steps per unit.
	MotorStepSize
	// MotorSign is the sign of the user/dial relation.
	MotorSign
	// MotorMoveDone is the raw busy flag: nonzero while moving.
	MotorMoveDone
	// MotorHighLimHit is nonzero when the high limit switch is hit.
	MotorHighLimHit
	// MotorLowLimHit is nonzero when the low limit switch is hit.
	MotorLowLimHit
	// MotorEmergencyStop is nonzero when an emergency stop is active.
	MotorEmergencyStop
	// MotorFault is nonzero on a motor fault condition.
	MotorFault
	// MotorHighLimit is the high limit in dial units.
	MotorHighLimit
	// MotorLowLimit is the low limit in dial units.
	MotorLowLimit
	// MotorUnusable is nonzero when the motor cannot be used.
	MotorUnusable
	// MotorBaseRate is the starting step rate.
	MotorBaseRate
	// MotorSlewRate is the full step rate.
	MotorSlewRate
	// MotorAcceleration is the ramp time.
	MotorAcceleration
	// MotorBacklash is the backlash correction amount.
	MotorBacklash
)

var motorProps = [...]struct {
	name     string
	readOnly bool
}{
	MotorPosition:      {"position", false},
	MotorDialPosition:  {"dial_position", false},
	MotorOffset:        {"offset", false},
	MotorStepSize:      {"step_size", true},
	MotorSign:          {"sign", true},
	MotorMoveDone:      {"move_done", true},
	MotorHighLimHit:    {"high_lim_hit", true},
	MotorLowLimHit:     {"low_lim_hit", true},
	MotorEmergencyStop: {"emergency_stop", true},
	MotorFault:         {"motor_fault", true},
	MotorHighLimit:     {"high_limit", false},
	MotorLowLimit:      {"low_limit", false},
	MotorUnusable:      {"unusable", true},
	MotorBaseRate:      {"base_rate", false},
	MotorSlewRate:      {"slew_rate", false},
	MotorAcceleration:  {"acceleration", false},
	MotorBacklash:      {"backlash", false},
}

func (p MotorProp) String() string {
	if int(p) < len(motorProps) {
		return motorProps[p].name
	}
	return fmt.Sprintf("motorprop(%d)", int(p))
}

// ReadOnly reports whether writes to p are rejected locally.
func (p MotorProp) ReadOnly() bool { return motorProps[p].readOnly }

// observedProps are cached from subscription events so reads are local
// and move completion can be waited on without polling.
var observedProps = []MotorProp{MotorPosition, MotorDialPosition, MotorMoveDone}

// Motor proxies one motor. Observed properties (position, dial
// position, move completion) are served from a cache the event stream
// keeps current; every other property read goes to the server.
type Motor struct {
	s    *Session
	mne  string
	subs []*Subscriber

	mu     sync.Mutex
	cache  map[MotorProp]float64
	seen   map[MotorProp]bool
	change map[MotorProp]chan struct{}
}

// Motor binds a proxy to the named motor, failing with ErrNotFound if
// the server does not know it or reports it unusable.
func (s *Session) Motor(mne string) (*Motor, error) {
	m := &Motor{
		s:      s,
		mne:    mne,
		cache:  make(map[MotorProp]float64),
		seen:   make(map[MotorProp]bool),
		change: make(map[MotorProp]chan struct{}),
	}
	for _, p := range observedProps {
		m.change[p] = make(chan struct{})
	}

	f, err := s.Get(m.propPath(MotorUnusable))
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: motor %s", ErrNotFound, mne)
	}
	if v, err := frameFloat(f); err == nil && v != 0 {
		return nil, fmt.Errorf("%w: motor %s is unusable", ErrNotFound, mne)
	}

	for _, p := range observedProps {
		p := p
		sb, err := s.Subscribe(m.propPath(p), func(f *wire.Frame) { m.update(p, f) }, false)
		if sb != nil {
			m.subs = append(m.subs, sb)
		}
		if err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Mne reports the motor mnemonic.
func (m *Motor) Mne() string { return m.mne }

// Close drops the cache subscriptions. The motor must not be used
// afterwards.
func (m *Motor) Close() {
	for _, sb := range m.subs {
		m.s.Unsubscribe(sb.Property(), sb)
	}
	m.subs = nil
}

func (m *Motor) propPath(p MotorProp) string {
	return "motor/" + m.mne + "/" + motorProps[p].name
}

// update publishes one pushed value into the cache and wakes waiters by
// closing and replacing the property's change channel.
func (m *Motor) update(p MotorProp, f *wire.Frame) {
	v, err := frameFloat(f)
	if err != nil {
		m.s.log.Debug().Err(err).Str("prop", m.propPath(p)).Msg("bad motor event body")
		return
	}
	m.mu.Lock()
	m.cache[p] = v
	m.seen[p] = true
	close(m.change[p])
	m.change[p] = make(chan struct{})
	m.mu.Unlock()
}

// GetProp reads one property: from the cache for observed properties
// that have reported at least once, otherwise from the server.
func (m *Motor) GetProp(p MotorProp) (float64, error) {
	m.mu.Lock()
	if m.seen[p] {
		v := m.cache[p]
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()
	return m.fetch(p)
}

// fetch always reads from the server.
func (m *Motor) fetch(p MotorProp) (float64, error) {
	f, err := m.s.Get(m.propPath(p))
	if err != nil {
		return 0, err
	}
	if f == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, m.propPath(p))
	}
	return frameFloat(f)
}

// SetProp writes one property. Read-only properties fail with
// ErrReadOnly before anything is sent.
func (m *Motor) SetProp(p MotorProp, value float64) error {
	if p.ReadOnly() {
		return fmt.Errorf("%w: %s", ErrReadOnly, m.propPath(p))
	}
	return m.s.Set(m.propPath(p), strconv.FormatFloat(value, 'g', -1, 64), 0)
}

// Position is the position in user units.
func (m *Motor) Position() (float64, error) { return m.GetProp(MotorPosition) }

// DialPosition is the position in dial units.
func (m *Motor) DialPosition() (float64, error) { return m.GetProp(MotorDialPosition) }

// Offset is the user offset in dial units.
func (m *Motor) Offset() (float64, error) { return m.GetProp(MotorOffset) }

// MoveDone reports whether the motor is idle. The wire value is a busy
// flag, so zero means done.
func (m *Motor) MoveDone() (bool, error) {
	raw, err := m.GetProp(MotorMoveDone)
	if err != nil {
		return false, err
	}
	return raw == 0, nil
}

// moveDoneState reads the cached busy flag and the channel that closes
// on its next change, atomically so a wakeup between the two cannot be
// missed.
func (m *Motor) moveDoneState() (done, seen bool, ch <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[MotorMoveDone] == 0, m.seen[MotorMoveDone], m.change[MotorMoveDone]
}

// MoveTo moves the motor to an absolute position in user units and
// blocks until the physical move completes. The composite command's
// completion does not mean the move is over, so completion is one
// forced fresh read of the busy flag followed by waiting for the cached
// flag to go idle. A nonzero command error code returns a *RemoteError
// carrying the console text.
func (m *Motor) MoveTo(ctx context.Context, position float64) error {
	if err := m.startMove(ctx, position); err != nil {
		return err
	}
	return m.waitMoveDone(ctx)
}

// MoveToAsync starts an absolute move and returns. done (if non-nil)
// receives the outcome of the same completion wait MoveTo performs.
func (m *Motor) MoveToAsync(position float64, done func(error)) error {
	if err := m.startMove(context.Background(), position); err != nil {
		return err
	}
	go func() {
		err := m.waitMoveDone(context.Background())
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Move moves relative to the current position.
func (m *Motor) Move(ctx context.Context, delta float64) error {
	pos, err := m.Position()
	if err != nil {
		return err
	}
	return m.MoveTo(ctx, pos+delta)
}

// MoveAsync starts a relative move and returns.
func (m *Motor) MoveAsync(delta float64, done func(error)) error {
	pos, err := m.Position()
	if err != nil {
		return err
	}
	return m.MoveToAsync(pos+delta, done)
}

func (m *Motor) startMove(ctx context.Context, position float64) error {
	cmd := fmt.Sprintf("{get_angles;A[%s]=%s;move_em;}",
		m.mne, strconv.FormatFloat(position, 'g', -1, 64))
	f, console, err := m.s.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if f.Err != 0 {
		return &RemoteError{Prop: m.propPath(MotorPosition), Code: f.Err, Message: console}
	}
	return nil
}

func (m *Motor) waitMoveDone(ctx context.Context) error {
	raw, err := m.fetch(MotorMoveDone)
	if err != nil {
		return err
	}
	if raw == 0 {
		return nil
	}
	for {
		done, seen, ch := m.moveDoneState()
		if seen && done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.s.closed:
			return m.s.Err()
		}
	}
}
