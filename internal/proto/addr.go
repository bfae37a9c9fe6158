package proto

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddrSize is the width of a node address on the wire.
const AddrSize = 2

// Addr identifies a node. Byte 0 is the low byte, as on Rime radios.
type Addr [AddrSize]byte

var NullAddr Addr

func AddrFromUint16(v uint16) Addr {
	return Addr{byte(v), byte(v >> 8)}
}

func (a Addr) Uint16() uint16 {
	return uint16(a[0]) | uint16(a[1])<<8
}

func (a Addr) IsNull() bool {
	return a == NullAddr
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X", a[1], a[0])
}

// MarshalText lets addresses appear as "HH:LL" in JSON snapshots and TOML.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(b []byte) error {
	v, err := ParseAddr(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddr accepts the "HH:LL" form produced by String.
func ParseAddr(s string) (Addr, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return NullAddr, fmt.Errorf("invalid addr %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 8)
	if err != nil {
		return NullAddr, fmt.Errorf("invalid addr %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 8)
	if err != nil {
		return NullAddr, fmt.Errorf("invalid addr %q: %w", s, err)
	}
	return Addr{byte(l), byte(h)}, nil
}

// DeriveAddr maps a node name onto the address space. The null address is
// reserved, so a name hashing to it is bumped to 00:01.
func DeriveAddr(name string) Addr {
	sum := sha3.Sum256([]byte("spraydtn:addr:v1:" + name))
	a := Addr{sum[0], sum[1]}
	if a.IsNull() {
		a[0] = 1
	}
	return a
}
