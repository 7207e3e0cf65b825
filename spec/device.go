package spec

import (
	"context"
	"sync"
	"time"
)

// Reading is one observed value with the local time it was read.
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// Description declares the source and shape of one reading field.
// Shape is nil for scalars.
type Description struct {
	Source string
	DType  string
	Shape  []int
	Name   string
}

// Status is a completion token for an asynchronous device operation. It
// resolves exactly once.
type Status struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newStatus() *Status { return &Status{done: make(chan struct{})} }

// finishedStatus returns an already-resolved token.
func finishedStatus() *Status {
	st := newStatus()
	st.finish(nil)
	return st
}

func (st *Status) finish(err error) {
	st.once.Do(func() {
		st.err = err
		close(st.done)
	})
}

// Done is closed when the operation has completed.
func (st *Status) Done() <-chan struct{} { return st.done }

// Err reports the outcome. Valid once Done is closed.
func (st *Status) Err() error {
	select {
	case <-st.done:
		return st.err
	default:
		return nil
	}
}

// Wait blocks for completion or ctx.
func (st *Status) Wait(ctx context.Context) error {
	select {
	case <-st.done:
		return st.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MotorDevice exposes a Motor as readings, descriptions, and
// asynchronous positioning, for data-acquisition frameworks that expect
// value/timestamp maps and completion tokens rather than protocol
// frames.
type MotorDevice struct {
	m *Motor
}

// NewMotorDevice wraps an already-bound Motor.
func NewMotorDevice(m *Motor) *MotorDevice { return &MotorDevice{m: m} }

// Name reports the device name, the motor mnemonic.
func (d *MotorDevice) Name() string { return d.m.Mne() }

// Read returns the current user and dial positions.
func (d *MotorDevice) Read() (map[string]Reading, error) {
	pos, err := d.m.Position()
	if err != nil {
		return nil, err
	}
	dial, err := d.m.DialPosition()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return map[string]Reading{
		d.m.Mne() + "_position":      {Value: pos, Timestamp: now},
		d.m.Mne() + "_dial_position": {Value: dial, Timestamp: now},
	}, nil
}

// Describe declares the fields Read produces.
func (d *MotorDevice) Describe() map[string]Description {
	return map[string]Description{
		d.m.Mne() + "_position":      {Source: d.m.propPath(MotorPosition), DType: "number"},
		d.m.Mne() + "_dial_position": {Source: d.m.propPath(MotorDialPosition), DType: "number"},
	}
}

// ReadConfiguration returns the calibration values: offset, step size,
// and sign.
func (d *MotorDevice) ReadConfiguration() (map[string]Reading, error) {
	out := make(map[string]Reading, 3)
	for _, p := range []MotorProp{MotorOffset, MotorStepSize, MotorSign} {
		v, err := d.m.GetProp(p)
		if err != nil {
			return nil, err
		}
		out[p.String()] = Reading{Value: v, Timestamp: time.Now()}
	}
	return out, nil
}

// DescribeConfiguration declares the fields ReadConfiguration produces.
func (d *MotorDevice) DescribeConfiguration() map[string]Description {
	out := make(map[string]Description, 3)
	for _, p := range []MotorProp{MotorOffset, MotorStepSize, MotorSign} {
		out[p.String()] = Description{Source: d.m.propPath(p), DType: "number"}
	}
	return out
}

// MotorConfig holds the writable motor settings Configure accepts.
// Nil fields are left unchanged.
type MotorConfig struct {
	Offset *float64
}

// Configure applies settings and returns the configuration before and
// after.
func (d *MotorDevice) Configure(cfg MotorConfig) (before, after map[string]Reading, err error) {
	before, err = d.ReadConfiguration()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Offset != nil {
		if err := d.m.SetProp(MotorOffset, *cfg.Offset); err != nil {
			return nil, nil, err
		}
	}
	after, err = d.ReadConfiguration()
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// Trigger is a no-op for motors: there is nothing to acquire.
func (d *MotorDevice) Trigger() *Status { return finishedStatus() }

// SetPosition starts an absolute move and returns a token that resolves
// when the physical move completes.
func (d *MotorDevice) SetPosition(position float64) *Status {
	st := newStatus()
	if err := d.m.MoveToAsync(position, st.finish); err != nil {
		st.finish(err)
	}
	return st
}

// Stop aborts server-side work if the motor is still moving.
func (d *MotorDevice) Stop() error {
	done, err := d.m.MoveDone()
	if err != nil {
		return err
	}
	if !done {
		return d.m.s.Abort()
	}
	return nil
}

// CounterDevice exposes the session's scalers as a triggerable
// detector: Trigger counts for the configured duration, Read returns
// the values captured by the most recent count.
type CounterDevice struct {
	s *Session

	mu       sync.Mutex
	duration float64
	data     map[string]Reading
}

// NewCounterDevice wraps a session's counters with a one second default
// duration.
func NewCounterDevice(s *Session) *CounterDevice {
	return &CounterDevice{s: s, duration: 1, data: map[string]Reading{}}
}

// Read returns the readings captured by the last completed Trigger.
func (d *CounterDevice) Read() map[string]Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Reading, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out
}

// Describe declares one field per known counter, with its display name.
func (d *CounterDevice) Describe() map[string]Description {
	out := map[string]Description{}
	for _, c := range d.s.Counters() {
		out[c.Mne] = Description{Source: counterProp(c.Mne), DType: "number", Name: c.Name}
	}
	return out
}

// Trigger starts one count for the configured duration and returns a
// token that resolves when the final values have been captured.
func (d *CounterDevice) Trigger() *Status {
	st := newStatus()
	d.mu.Lock()
	duration := d.duration
	d.mu.Unlock()
	go func() {
		final, err := d.s.Count(context.Background(), duration, nil, false)
		if err != nil {
			st.finish(err)
			return
		}
		now := time.Now()
		d.mu.Lock()
		d.data = make(map[string]Reading, len(final))
		for mne, v := range final {
			d.data[mne] = Reading{Value: v, Timestamp: now}
		}
		d.mu.Unlock()
		st.finish(nil)
	}()
	return st
}

// ReadConfiguration returns the count duration.
func (d *CounterDevice) ReadConfiguration() map[string]Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]Reading{"duration": {Value: d.duration, Timestamp: time.Now()}}
}

// DescribeConfiguration declares the duration field.
func (d *CounterDevice) DescribeConfiguration() map[string]Description {
	return map[string]Description{"duration": {Source: "user", DType: "number"}}
}

// Configure sets the count duration in seconds and returns the
// configuration before and after.
func (d *CounterDevice) Configure(duration float64) (before, after map[string]Reading) {
	before = d.ReadConfiguration()
	d.mu.Lock()
	d.duration = duration
	d.mu.Unlock()
	return before, d.ReadConfiguration()
}
