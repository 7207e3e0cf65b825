// Package wire implements the SPEC server wire format: a 132-byte packed
// header followed by a variable-length body.
//
// The header carries its own size, so clients built against protocol
// version 4 tolerate newer servers by skipping unknown trailing header
// bytes. Decoding is two-phase: the first 12 bytes (magic, version, size)
// say how many more header bytes to read; the body length field says how
// many body bytes follow.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic identifies a SPEC protocol frame.
	Magic uint32 = 0xFEEDFACE
	// Version is the protocol version this client speaks. Servers must
	// answer with at least MinVersion.
	Version    int32 = 4
	MinVersion int32 = 4

	// HeaderSize is the size of the version-4 header on the wire.
	HeaderSize = 132
	// NameLen is the fixed width of the property-name field.
	NameLen = 80
	// prefix = magic + version + size
	prefixSize = 12

	// maxChunk caps how many body bytes are requested per read.
	maxChunk = 4096
)

var (
	// ErrProtocol marks malformed or unsupported frames. It is fatal to
	// the connection that produced it.
	ErrProtocol = errors.New("wire: protocol error")

	ErrBadMagic     = fmt.Errorf("%w: bad magic", ErrProtocol)
	ErrOldVersion   = fmt.Errorf("%w: server protocol version too old", ErrProtocol)
	ErrShortHeader  = fmt.Errorf("%w: header size smaller than fixed header", ErrProtocol)
	ErrNameNotASCII = errors.New("wire: property name must be ASCII")
)

// Command is the frame command/event code.
type Command int32

const (
	CmdClose          Command = 1
	CmdAbort          Command = 2
	CmdCmd            Command = 3
	CmdCmdWithReturn  Command = 4
	CmdReturn         Command = 5
	CmdRegister       Command = 6
	CmdUnregister     Command = 7
	CmdEvent          Command = 8
	CmdFunc           Command = 9
	CmdFuncWithReturn Command = 10
	CmdChanRead       Command = 11
	CmdChanSend       Command = 12
	CmdReply          Command = 13
	CmdHello          Command = 14
	CmdHelloReply     Command = 15
)

var commandNames = map[Command]string{
	CmdClose:          "close",
	CmdAbort:          "abort",
	CmdCmd:            "cmd",
	CmdCmdWithReturn:  "cmd_with_return",
	CmdReturn:         "return",
	CmdRegister:       "register",
	CmdUnregister:     "unregister",
	CmdEvent:          "event",
	CmdFunc:           "func",
	CmdFuncWithReturn: "func_with_return",
	CmdChanRead:       "chan_read",
	CmdChanSend:       "chan_send",
	CmdReply:          "reply",
	CmdHello:          "hello",
	CmdHelloReply:     "hello_reply",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int32(c))
}

// DataType is the body type tag.
type DataType int32

const (
	TypeDouble    DataType = 1
	TypeString    DataType = 2
	TypeError     DataType = 3
	TypeAssoc     DataType = 4
	TypeArrDouble DataType = 5
	TypeArrFloat  DataType = 6
	TypeArrLong   DataType = 7
	TypeArrULong  DataType = 8
	TypeArrShort  DataType = 9
	TypeArrUShort DataType = 10
	TypeArrChar   DataType = 11
	TypeArrUChar  DataType = 12
	TypeArrString DataType = 13
	TypeArrLong64 DataType = 14
	TypeArrULong64 DataType = 15
)

// IsArray reports whether t is one of the array body types.
func (t DataType) IsArray() bool {
	return t >= TypeArrDouble && t <= TypeArrULong64
}

// ElemSize returns the element width in bytes for numeric array types,
// or 0 when t is not a fixed-width numeric array type.
func (t DataType) ElemSize() int {
	switch t {
	case TypeArrDouble, TypeArrLong64, TypeArrULong64:
		return 8
	case TypeArrFloat, TypeArrLong, TypeArrULong:
		return 4
	case TypeArrShort, TypeArrUShort:
		return 2
	case TypeArrChar, TypeArrUChar:
		return 1
	}
	return 0
}

// FlagDeleted is sent when a watched variable or associative array
// element is deleted. The only flag SPEC currently uses.
const FlagDeleted int32 = 0x1000

// Frame is one complete protocol message.
type Frame struct {
	Version int32
	Serial  uint32
	Sec     uint32
	Usec    uint32
	Cmd     Command
	Type    DataType
	Rows    uint32
	Cols    uint32
	Err     int32
	Flags   int32
	Name    string
	Body    []byte
}

// Encode serializes the frame as header + body. The header size is
// always written as 132; the body length field is derived from Body.
func Encode(f *Frame) ([]byte, error) {
	name, err := packName(f.Name)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+len(f.Body))
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], Magic)
	le.PutUint32(buf[4:8], uint32(Version))
	le.PutUint32(buf[8:12], HeaderSize)
	le.PutUint32(buf[12:16], f.Serial)
	le.PutUint32(buf[16:20], f.Sec)
	le.PutUint32(buf[20:24], f.Usec)
	le.PutUint32(buf[24:28], uint32(f.Cmd))
	le.PutUint32(buf[28:32], uint32(f.Type))
	le.PutUint32(buf[32:36], f.Rows)
	le.PutUint32(buf[36:40], f.Cols)
	le.PutUint32(buf[40:44], uint32(len(f.Body)))
	le.PutUint32(buf[44:48], uint32(f.Err))
	le.PutUint32(buf[48:52], uint32(f.Flags))
	copy(buf[52:132], name[:])
	copy(buf[HeaderSize:], f.Body)
	return buf, nil
}

// Write encodes f and writes it to w as a single Write call, so callers
// holding a send lock produce one contiguous frame on the stream.
func Write(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read decodes one frame from r. It fails with an error wrapping
// ErrProtocol when the magic constant does not match or the version is
// below MinVersion. Unknown trailing header bytes are skipped.
func Read(r io.Reader) (*Frame, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	magic := le.Uint32(prefix[0:4])
	vers := int32(le.Uint32(prefix[4:8]))
	size := le.Uint32(prefix[8:12])

	if magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
	if vers < MinVersion {
		return nil, fmt.Errorf("%w: got %d, need %d", ErrOldVersion, vers, MinVersion)
	}
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortHeader, size)
	}

	rest := make([]byte, size-prefixSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	f := &Frame{
		Version: vers,
		Serial:  le.Uint32(rest[0:4]),
		Sec:     le.Uint32(rest[4:8]),
		Usec:    le.Uint32(rest[8:12]),
		Cmd:     Command(le.Uint32(rest[12:16])),
		Type:    DataType(le.Uint32(rest[16:20])),
		Rows:    le.Uint32(rest[20:24]),
		Cols:    le.Uint32(rest[24:28]),
		Err:     int32(le.Uint32(rest[32:36])),
		Flags:   int32(le.Uint32(rest[36:40])),
		Name:    unpackName(rest[40:120]),
	}
	bodyLen := le.Uint32(rest[28:32])

	// Bytes between the version-4 header and the body belong to a newer
	// header revision and are ignored.

	if bodyLen > 0 {
		f.Body = make([]byte, 0, bodyLen)
		left := int(bodyLen)
		chunk := make([]byte, maxChunk)
		for left > 0 {
			n := min(left, maxChunk)
			if _, err := io.ReadFull(r, chunk[:n]); err != nil {
				return nil, err
			}
			f.Body = append(f.Body, chunk[:n]...)
			left -= n
		}
	}
	return f, nil
}

func packName(name string) ([NameLen]byte, error) {
	var out [NameLen]byte
	for i := 0; i < len(name); i++ {
		if name[i] > 0x7F {
			return out, fmt.Errorf("%w: %q", ErrNameNotASCII, name)
		}
	}
	n := len(name)
	if n > NameLen {
		n = NameLen
	}
	copy(out[:], name[:n])
	return out, nil
}

func unpackName(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}
