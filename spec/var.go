package spec

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/beamline/gospec/wire"
)

// Var proxies one server-side variable under var/<name>. Construction
// validates that the variable exists; decoding follows the wire type
// the server reports on each read.
type Var struct {
	s    *Session
	name string
	prop string

	mu   sync.Mutex
	typ  wire.DataType
	rows uint32
	cols uint32
}

// Var binds a proxy to the named variable, failing with ErrNotFound if
// the server does not have it.
func (s *Session) Var(name string) (*Var, error) {
	v := &Var{s: s, name: name, prop: "var/" + name}
	f, err := s.Get(v.prop)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v.prop)
	}
	v.note(f)
	return v, nil
}

// Name reports the variable name without the var/ prefix.
func (v *Var) Name() string { return v.name }

// Type reports the wire type from the most recent read.
func (v *Var) Type() wire.DataType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.typ
}

// Shape reports rows and cols from the most recent read.
func (v *Var) Shape() (rows, cols int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.rows), int(v.cols)
}

func (v *Var) note(f *wire.Frame) {
	v.mu.Lock()
	v.typ, v.rows, v.cols = f.Type, f.Rows, f.Cols
	v.mu.Unlock()
}

// Value fetches and decodes the current value: string for scalar types,
// map[string]string for associative arrays, *wire.Array for numeric and
// string arrays. A server-side ERROR decodes to a *RemoteError.
func (v *Var) Value() (any, error) {
	f, err := v.s.Get(v.prop)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, v.prop)
	}
	v.note(f)
	return decodeValue(f, v.prop)
}

// SetValue writes an array value. Scalar writes are not part of the
// protocol's send path and fail with ErrScalarWrite. The server reports
// a rejected write on the error channel, not as a reply.
func (v *Var) SetValue(arr *wire.Array) error {
	if arr == nil {
		return ErrScalarWrite
	}
	body, err := wire.EncodeArray(arr)
	if err != nil {
		return err
	}
	f := &wire.Frame{
		Cmd:  wire.CmdChanSend,
		Type: arr.Type,
		Rows: uint32(arr.Rows),
		Cols: uint32(arr.Cols),
		Name: v.prop,
		Body: body,
	}
	_, _, err = v.s.call(f, 0, nil, false)
	return err
}

// Subscribe attaches fn to the variable's change events.
func (v *Var) Subscribe(fn EventCallback) (*Subscriber, error) {
	return v.s.Subscribe(v.prop, fn, false)
}

// Unsubscribe detaches a subscriber created by Subscribe.
func (v *Var) Unsubscribe(sb *Subscriber) bool {
	return v.s.Unsubscribe(v.prop, sb)
}

func decodeValue(f *wire.Frame, prop string) (any, error) {
	switch {
	case f.Type == wire.TypeError:
		msg, _ := f.Text()
		return nil, &RemoteError{Prop: prop, Code: f.Err, Message: msg}
	case f.Type == wire.TypeAssoc:
		return f.Assoc()
	case f.Type.IsArray():
		return f.Array()
	default:
		return f.Text()
	}
}

// ArrayVar presents a remote array variable as a fixed-shape,
// index-addressable sequence. Element writes go through single indexed
// remote assignments; the shape itself is immutable.
type ArrayVar struct {
	*Var

	amu sync.Mutex
	arr *wire.Array
}

// ArrayVar binds an array proxy to the named variable, failing with
// ErrShape if the variable is not array-typed.
func (s *Session) ArrayVar(name string) (*ArrayVar, error) {
	v, err := s.Var(name)
	if err != nil {
		return nil, err
	}
	av := &ArrayVar{Var: v}
	if err := av.Refresh(); err != nil {
		return nil, err
	}
	return av, nil
}

// Refresh re-fetches the array contents from the server.
func (av *ArrayVar) Refresh() error {
	val, err := av.Value()
	if err != nil {
		return err
	}
	arr, ok := val.(*wire.Array)
	if !ok {
		return fmt.Errorf("%w: %s is not an array", ErrShape, av.prop)
	}
	av.amu.Lock()
	av.arr = arr
	av.amu.Unlock()
	return nil
}

func (av *ArrayVar) snapshot() *wire.Array {
	av.amu.Lock()
	defer av.amu.Unlock()
	return av.arr
}

// Len is the number of addressable elements: rows for a 2D numeric
// array, elements for everything else. String arrays always index
// directly into strings, never rows.
func (av *ArrayVar) Len() int {
	arr := av.snapshot()
	if arr.Type == wire.TypeArrString {
		return len(arr.Strings())
	}
	if arr.Rows > 1 && arr.Cols > 1 {
		return arr.Rows
	}
	return arr.Len()
}

// At returns the element at index i from the last fetched contents:
// a float64 for numeric arrays, a string for string arrays, and an
// *ArrayRow view when the array is 2D.
func (av *ArrayVar) At(i int) (any, error) {
	arr := av.snapshot()
	if i < 0 || i >= av.Len() {
		return nil, fmt.Errorf("%w: index %d out of range", ErrShape, i)
	}
	if arr.Type == wire.TypeArrString {
		return arr.Strings()[i], nil
	}
	if arr.Rows > 1 && arr.Cols > 1 {
		return &ArrayRow{av: av, row: i}, nil
	}
	return arr.Float64(i), nil
}

// Set assigns one element with an indexed remote assignment.
func (av *ArrayVar) Set(ctx context.Context, i int, value any) error {
	if i < 0 || i >= av.Len() {
		return fmt.Errorf("%w: index %d out of range", ErrShape, i)
	}
	lit, err := literal(value)
	if err != nil {
		return err
	}
	_, _, err = av.s.Run(ctx, fmt.Sprintf("%s[%d]=%s", av.name, i, lit))
	return err
}

// Insert always fails: remote array shapes are fixed.
func (av *ArrayVar) Insert(int, any) error { return ErrShape }

// Delete always fails: remote array shapes are fixed.
func (av *ArrayVar) Delete(int) error { return ErrShape }

// ArrayRow is a write-through view of one row of a 2D numeric array.
type ArrayRow struct {
	av  *ArrayVar
	row int
}

// Len is the number of columns.
func (r *ArrayRow) Len() int { return r.av.snapshot().Cols }

// At returns the element at column j from the last fetched contents.
func (r *ArrayRow) At(j int) (float64, error) {
	arr := r.av.snapshot()
	if j < 0 || j >= arr.Cols {
		return 0, fmt.Errorf("%w: column %d out of range", ErrShape, j)
	}
	return arr.At(r.row, j), nil
}

// Set assigns one element with a doubly indexed remote assignment.
func (r *ArrayRow) Set(ctx context.Context, j int, value any) error {
	if j < 0 || j >= r.Len() {
		return fmt.Errorf("%w: column %d out of range", ErrShape, j)
	}
	lit, err := literal(value)
	if err != nil {
		return err
	}
	_, _, err = r.av.s.Run(ctx, fmt.Sprintf("%s[%d][%d]=%s", r.av.name, r.row, j, lit))
	return err
}

// literal renders a Go value as a command-language literal.
func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("spec: cannot render %T as a command literal", v)
	}
}
