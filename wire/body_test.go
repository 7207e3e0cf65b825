package wire

import (
	"errors"
	"testing"
)

func TestTextStripsTrailingNULs(t *testing.T) {
	f := &Frame{Type: TypeString, Body: []byte("42\x00\x00")}
	s, err := f.Text()
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if s != "42" {
		t.Fatalf("got %q", s)
	}
}

func TestAssocDecode(t *testing.T) {
	f := &Frame{Type: TypeAssoc, Body: []byte("0\x00tth\x001\x00chi\x00\x00")}
	m, err := f.Assoc()
	if err != nil {
		t.Fatalf("assoc: %v", err)
	}
	if len(m) != 2 || m["0"] != "tth" || m["1"] != "chi" {
		t.Fatalf("got %v", m)
	}
	keys, err := f.AssocKeys()
	if err != nil {
		t.Fatalf("assoc keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "0" || keys[1] != "1" {
		t.Fatalf("got keys %v", keys)
	}
}

func TestArrayFlatWhenOneDimensionIsOne(t *testing.T) {
	a := &Array{Type: TypeArrDouble, Data: []float64{1.5, 2.5, 3.5}}
	body, err := EncodeArray(a)
	if err != nil {
		t.Fatalf("encode array: %v", err)
	}
	f := &Frame{Type: TypeArrDouble, Rows: 1, Cols: 3, Body: body}
	out, err := f.Array()
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	if !out.Flat || out.Len() != 3 {
		t.Fatalf("expected flat len 3, got flat=%v len=%d", out.Flat, out.Len())
	}
	if out.Float64(1) != 2.5 {
		t.Fatalf("element mismatch: %v", out.Float64(1))
	}
}

func TestArrayReshapeRowsCols(t *testing.T) {
	a := &Array{Type: TypeArrLong, Data: []int32{1, 2, 3, 4, 5, 6}}
	body, err := EncodeArray(a)
	if err != nil {
		t.Fatalf("encode array: %v", err)
	}
	f := &Frame{Type: TypeArrLong, Rows: 2, Cols: 3, Body: body}
	out, err := f.Array()
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	if out.Flat {
		t.Fatalf("2x3 array decoded as flat")
	}
	if out.At(1, 2) != 6 {
		t.Fatalf("At(1,2)=%v", out.At(1, 2))
	}
	if out.Rows*out.Cols != out.Len() {
		t.Fatalf("rows*cols=%d len=%d", out.Rows*out.Cols, out.Len())
	}
}

func TestArrayLengthMismatch(t *testing.T) {
	f := &Frame{Type: TypeArrLong, Rows: 2, Cols: 3, Body: make([]byte, 5*4)}
	if _, err := f.Array(); !errors.Is(err, ErrBodyLength) {
		t.Fatalf("expected ErrBodyLength, got %v", err)
	}
	// Truncated element.
	f = &Frame{Type: TypeArrDouble, Rows: 1, Cols: 1, Body: make([]byte, 7)}
	if _, err := f.Array(); !errors.Is(err, ErrBodyLength) {
		t.Fatalf("expected ErrBodyLength, got %v", err)
	}
}

func TestStringArraySplitsFixedWidth(t *testing.T) {
	f := &Frame{
		Type: TypeArrString,
		Rows: 3,
		Cols: 4,
		Body: []byte("ab\x00\x00cdef\x00\x00\x00\x00"),
	}
	out, err := f.Array()
	if err != nil {
		t.Fatalf("array: %v", err)
	}
	s := out.Strings()
	if len(s) != 3 || s[0] != "ab" || s[1] != "cdef" || s[2] != "" {
		t.Fatalf("got %q", s)
	}
	if !out.Flat {
		t.Fatalf("string arrays must be flat")
	}
}

func TestEncodeArrayRoundTripTypes(t *testing.T) {
	cases := []*Array{
		{Type: TypeArrFloat, Data: []float32{1, 2}},
		{Type: TypeArrUShort, Data: []uint16{7, 8, 9}},
		{Type: TypeArrLong64, Data: []int64{-5, 5}},
	}
	for _, in := range cases {
		body, err := EncodeArray(in)
		if err != nil {
			t.Fatalf("encode %d: %v", in.Type, err)
		}
		f := &Frame{Type: in.Type, Rows: 1, Cols: uint32(len(body) / in.Type.ElemSize()), Body: body}
		out, err := f.Array()
		if err != nil {
			t.Fatalf("decode %d: %v", in.Type, err)
		}
		for i := 0; i < out.Len(); i++ {
			want := (&Array{Type: in.Type, Data: in.Data}).Float64(i)
			if out.Float64(i) != want {
				t.Fatalf("type %d elem %d: got %v want %v", in.Type, i, out.Float64(i), want)
			}
		}
	}
}
