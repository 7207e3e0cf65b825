package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

var (
	ErrBodyType   = fmt.Errorf("%w: unexpected body type", ErrProtocol)
	ErrBodyLength = fmt.Errorf("%w: body length does not match shape", ErrProtocol)
)

// Text decodes a STRING or ERROR body, stripping trailing NULs.
func (f *Frame) Text() (string, error) {
	if f.Type != TypeString && f.Type != TypeError {
		return "", fmt.Errorf("%w: %d is not text", ErrBodyType, f.Type)
	}
	return strings.TrimRight(string(f.Body), "\x00"), nil
}

// Assoc decodes an associative-array body: alternating key/value text
// fields separated by NUL, terminated by two trailing NULs.
func (f *Frame) Assoc() (map[string]string, error) {
	if f.Type != TypeAssoc {
		return nil, fmt.Errorf("%w: %d is not assoc", ErrBodyType, f.Type)
	}
	fields := strings.Split(string(f.Body), "\x00")
	if n := len(fields); n >= 2 {
		fields = fields[:n-2]
	}
	out := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out[fields[i]] = fields[i+1]
	}
	return out, nil
}

// AssocKeys returns the keys of an associative-array body in wire order.
func (f *Frame) AssocKeys() ([]string, error) {
	if f.Type != TypeAssoc {
		return nil, fmt.Errorf("%w: %d is not assoc", ErrBodyType, f.Type)
	}
	fields := strings.Split(string(f.Body), "\x00")
	if n := len(fields); n >= 2 {
		fields = fields[:n-2]
	}
	keys := make([]string, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		keys = append(keys, fields[i])
	}
	return keys, nil
}

// Array is a decoded array body reshaped to (Rows, Cols). For a
// one-dimensional array exactly one of rows/cols is 1 on the wire and
// Flat is true; elements are stored row-major.
type Array struct {
	Type DataType
	Rows int
	Cols int
	Flat bool
	// Data holds the dense typed buffer: one of []float64, []float32,
	// []int32, []uint32, []int16, []uint16, []int8, []uint8, []int64,
	// []uint64 or, for string arrays, []string.
	Data any
}

// Len returns the element count (strings count per slice).
func (a *Array) Len() int {
	if a.Flat {
		return max(a.Rows, a.Cols)
	}
	return a.Rows * a.Cols
}

// Float64 converts element i (row-major) to float64.
func (a *Array) Float64(i int) float64 {
	switch d := a.Data.(type) {
	case []float64:
		return d[i]
	case []float32:
		return float64(d[i])
	case []int32:
		return float64(d[i])
	case []uint32:
		return float64(d[i])
	case []int16:
		return float64(d[i])
	case []uint16:
		return float64(d[i])
	case []int8:
		return float64(d[i])
	case []uint8:
		return float64(d[i])
	case []int64:
		return float64(d[i])
	case []uint64:
		return float64(d[i])
	}
	panic(fmt.Sprintf("wire: Float64 on %T array", a.Data))
}

// At converts the element at (row, col) to float64.
func (a *Array) At(row, col int) float64 {
	if a.Flat {
		return a.Float64(row + col)
	}
	return a.Float64(row*a.Cols + col)
}

// Strings returns the elements of a string array.
func (a *Array) Strings() []string {
	s, _ := a.Data.([]string)
	return s
}

// Array decodes a numeric or string array body.
//
// Numeric bodies become a dense typed buffer; string bodies are split
// into fixed-width cols-byte slices with trailing NULs stripped. String
// arrays are always flat.
func (f *Frame) Array() (*Array, error) {
	if !f.Type.IsArray() {
		return nil, fmt.Errorf("%w: %d is not an array", ErrBodyType, f.Type)
	}
	rows, cols := int(f.Rows), int(f.Cols)
	a := &Array{Type: f.Type, Rows: rows, Cols: cols, Flat: rows == 1 || cols == 1}

	if f.Type == TypeArrString {
		if cols <= 0 {
			return nil, fmt.Errorf("%w: string array with cols=%d", ErrBodyLength, cols)
		}
		out := make([]string, 0, len(f.Body)/cols)
		for i := 0; i+cols <= len(f.Body); i += cols {
			out = append(out, strings.TrimRight(string(f.Body[i:i+cols]), "\x00"))
		}
		a.Flat = true
		a.Data = out
		return a, nil
	}

	es := f.Type.ElemSize()
	if len(f.Body)%es != 0 {
		return nil, fmt.Errorf("%w: %d bytes, element size %d", ErrBodyLength, len(f.Body), es)
	}
	n := len(f.Body) / es
	if want := a.Len(); rows > 0 && cols > 0 && n != want {
		return nil, fmt.Errorf("%w: %d elements for %dx%d", ErrBodyLength, n, rows, cols)
	}

	le := binary.LittleEndian
	switch f.Type {
	case TypeArrDouble:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(le.Uint64(f.Body[i*8:]))
		}
		a.Data = out
	case TypeArrFloat:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(f.Body[i*4:]))
		}
		a.Data = out
	case TypeArrLong:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(le.Uint32(f.Body[i*4:]))
		}
		a.Data = out
	case TypeArrULong:
		out := make([]uint32, n)
		for i := range out {
			out[i] = le.Uint32(f.Body[i*4:])
		}
		a.Data = out
	case TypeArrShort:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(le.Uint16(f.Body[i*2:]))
		}
		a.Data = out
	case TypeArrUShort:
		out := make([]uint16, n)
		for i := range out {
			out[i] = le.Uint16(f.Body[i*2:])
		}
		a.Data = out
	case TypeArrChar:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(f.Body[i])
		}
		a.Data = out
	case TypeArrUChar:
		out := make([]uint8, n)
		copy(out, f.Body)
		a.Data = out
	case TypeArrLong64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(le.Uint64(f.Body[i*8:]))
		}
		a.Data = out
	case TypeArrULong64:
		out := make([]uint64, n)
		for i := range out {
			out[i] = le.Uint64(f.Body[i*8:])
		}
		a.Data = out
	}
	return a, nil
}

// EncodeArray packs a numeric array back into wire bytes. The inverse of
// Frame.Array for every fixed-width element type; string arrays are not
// encodable (the server addresses string elements by remote assignment).
func EncodeArray(a *Array) ([]byte, error) {
	es := a.Type.ElemSize()
	if es == 0 {
		return nil, fmt.Errorf("%w: cannot encode array type %d", ErrBodyType, a.Type)
	}
	le := binary.LittleEndian
	var out []byte
	switch d := a.Data.(type) {
	case []float64:
		out = make([]byte, len(d)*8)
		for i, v := range d {
			le.PutUint64(out[i*8:], math.Float64bits(v))
		}
	case []float32:
		out = make([]byte, len(d)*4)
		for i, v := range d {
			le.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case []int32:
		out = make([]byte, len(d)*4)
		for i, v := range d {
			le.PutUint32(out[i*4:], uint32(v))
		}
	case []uint32:
		out = make([]byte, len(d)*4)
		for i, v := range d {
			le.PutUint32(out[i*4:], v)
		}
	case []int16:
		out = make([]byte, len(d)*2)
		for i, v := range d {
			le.PutUint16(out[i*2:], uint16(v))
		}
	case []uint16:
		out = make([]byte, len(d)*2)
		for i, v := range d {
			le.PutUint16(out[i*2:], v)
		}
	case []int8:
		out = make([]byte, len(d))
		for i, v := range d {
			out[i] = byte(v)
		}
	case []uint8:
		out = make([]byte, len(d))
		copy(out, d)
	case []int64:
		out = make([]byte, len(d)*8)
		for i, v := range d {
			le.PutUint64(out[i*8:], uint64(v))
		}
	case []uint64:
		out = make([]byte, len(d)*8)
		for i, v := range d {
			le.PutUint64(out[i*8:], v)
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrBodyType, a.Data)
	}
	return out, nil
}
