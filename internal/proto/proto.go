// Package proto holds the Spray-and-Wait wire format: node addresses, the
// fixed routing header that prefixes every payload, and stream framing for
// the reliable channel.
package proto

import (
	"encoding/binary"
	"errors"
	"strconv"
)

const (
	Version   uint8 = 1
	MaxCopies       = 8

	// HeaderSize: version | magic[2] | copies u16 | origin | dest | seq u16.
	HeaderSize = 1 + 2 + 2 + AddrSize + AddrSize + 2

	// MaxPacketSize keeps a packet inside a single QUIC datagram.
	MaxPacketSize = 1024
	MaxPayload    = MaxPacketSize - HeaderSize
)

// Magic tags Spray-and-Wait packets on a shared channel.
var Magic = [2]byte{'S', 'W'}

var (
	ErrShortPacket     = errors.New("packet shorter than header")
	ErrMalformedPacket = errors.New("packet fails version/magic check")
)

type Header struct {
	Version uint8
	Magic   [2]byte
	Copies  uint16
	Origin  Addr
	Dest    Addr
	Seq     uint16
}

// Key identifies a message network-wide.
type Key struct {
	Origin Addr
	Seq    uint16
}

func (k Key) String() string {
	return k.Origin.String() + "#" + strconv.FormatUint(uint64(k.Seq), 10)
}

// NewHeader returns a header carrying the current version and magic.
func NewHeader(origin, dest Addr, seq uint16, copies uint16) Header {
	return Header{
		Version: Version,
		Magic:   Magic,
		Copies:  copies,
		Origin:  origin,
		Dest:    dest,
		Seq:     seq,
	}
}

func (h Header) Key() Key {
	return Key{Origin: h.Origin, Seq: h.Seq}
}

// Validate reports whether h belongs to this protocol version. No other
// field may be trusted before this returns true.
func Validate(h Header) bool {
	return h.Version == Version && h.Magic == Magic
}

func (h Header) put(b []byte) {
	b[0] = h.Version
	b[1] = h.Magic[0]
	b[2] = h.Magic[1]
	binary.BigEndian.PutUint16(b[3:5], h.Copies)
	copy(b[5:7], h.Origin[:])
	copy(b[7:9], h.Dest[:])
	binary.BigEndian.PutUint16(b[9:11], h.Seq)
}

// Encode returns a fresh buffer holding h followed by payload.
func Encode(h Header, payload []byte) []byte {
	return AppendPacket(make([]byte, 0, HeaderSize+len(payload)), h, payload)
}

// AppendPacket serializes h and payload onto dst, reusing its capacity.
func AppendPacket(dst []byte, h Header, payload []byte) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	h.put(dst[n : n+HeaderSize])
	return append(dst, payload...)
}

// Decode parses the header prefix of b. ok is false when b is too short;
// the payload starts at offset.
func Decode(b []byte) (h Header, offset int, ok bool) {
	if len(b) < HeaderSize {
		return Header{}, 0, false
	}
	h.Version = b[0]
	h.Magic = [2]byte{b[1], b[2]}
	h.Copies = binary.BigEndian.Uint16(b[3:5])
	copy(h.Origin[:], b[5:7])
	copy(h.Dest[:], b[7:9])
	h.Seq = binary.BigEndian.Uint16(b[9:11])
	return h, HeaderSize, true
}

// Packet is an owned, decoded copy of a header and its payload.
type Packet struct {
	Header
	Payload []byte
}

// ParsePacket decodes and validates b into a Packet that shares no memory
// with b.
func ParsePacket(b []byte) (Packet, error) {
	h, off, ok := Decode(b)
	if !ok {
		return Packet{}, ErrShortPacket
	}
	if !Validate(h) {
		return Packet{}, ErrMalformedPacket
	}
	payload := make([]byte, len(b)-off)
	copy(payload, b[off:])
	return Packet{Header: h, Payload: payload}, nil
}

// Bytes re-serializes p with its current header.
func (p Packet) Bytes() []byte {
	return Encode(p.Header, p.Payload)
}
