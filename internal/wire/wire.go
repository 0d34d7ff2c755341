// Package wire implements the 13-byte request/response header framing of
// the trivial-torrent protocol.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the 32-bit constant prefacing every protocol frame.
const Magic uint32 = 0xDE1C3230

// HeaderSize is RAW_MESSAGE_SIZE: the fixed size of every header in bytes.
const HeaderSize = 13

// Message codes.
const (
	CodeRequest     uint8 = 0
	CodeResponseOK  uint8 = 1
	CodeResponseNA  uint8 = 2
)

// ErrProtocol signals a framing violation: bad magic, unknown code, or a
// block index out of range for the recipient's role.
var ErrProtocol = errors.New("wire: protocol error")

// Header is the decoded 13-byte frame header. The block index's wire
// encoding is big-endian, matching the big-endian magic, so that both
// ends of a connection agree bit-for-bit by construction.
type Header struct {
	Code       uint8
	BlockIndex uint64
}

// Encode serializes h into a freshly allocated 13-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = h.Code
	binary.BigEndian.PutUint64(buf[5:13], h.BlockIndex)
	return buf
}

// Decode parses a 13-byte buffer into a Header, verifying the magic
// number. It does not validate the code or block index against a
// Torrent's block count — callers do that against their own role.
func Decode(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrProtocol, len(buf), HeaderSize)
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrProtocol, magic)
	}

	return Header{
		Code:       buf[4],
		BlockIndex: binary.BigEndian.Uint64(buf[5:13]),
	}, nil
}
