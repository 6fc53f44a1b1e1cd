package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/multiformats/go-varint"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
)

// Wire discipline: little-endian fixed-width integers, unsigned varints
// for every length prefix, raw 64-byte addresses, raw 32-bit message ids.

const (
	// MaxPayload caps any single length-prefixed field.
	MaxPayload = 1 << 20
	// MaxGroup caps the fob count in a FindGroupResponse.
	MaxGroup = 16
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownTag       = errors.New("unknown message tag")
)

func malformed(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, what, err)
	}
	return fmt.Errorf("%w: %s", ErrMalformedMessage, what)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	buf.Write(varint.ToUvarint(v))
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return varint.ReadUvarint(r)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader, what string) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, malformed(what, err)
	}
	if n > MaxPayload {
		return nil, malformed(what+" length", nil)
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, malformed(what, err)
	}
	return b, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func readUint32(r *bytes.Reader, what string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, malformed(what, err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func writeAddress(buf *bytes.Buffer, a ident.Address) {
	buf.Write(a[:])
}

func readAddress(r *bytes.Reader, what string) (ident.Address, error) {
	var a ident.Address
	if _, err := io.ReadFull(r, a[:]); err != nil {
		return a, malformed(what, err)
	}
	return a, nil
}

func writeOptAddress(buf *bytes.Buffer, a *ident.Address) {
	if a == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(a[:])
}

func readOptAddress(r *bytes.Reader, what string) (*ident.Address, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, malformed(what, err)
	}
	switch flag {
	case 0:
		return nil, nil
	case 1:
		a, err := readAddress(r, what)
		if err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, malformed(what+" flag", nil)
	}
}

func writeAddrPort(buf *bytes.Buffer, ap netip.AddrPort) {
	b, _ := ap.MarshalBinary()
	writeBytes(buf, b)
}

func readAddrPort(r *bytes.Reader, what string) (netip.AddrPort, error) {
	var ap netip.AddrPort
	b, err := readBytes(r, what)
	if err != nil {
		return ap, err
	}
	if err := ap.UnmarshalBinary(b); err != nil {
		return ap, malformed(what, err)
	}
	return ap, nil
}

func writeEndpoints(buf *bytes.Buffer, ep routing.EndpointPair) {
	writeAddrPort(buf, ep.Internal)
	writeAddrPort(buf, ep.External)
}

func readEndpoints(r *bytes.Reader, what string) (routing.EndpointPair, error) {
	var ep routing.EndpointPair
	var err error
	if ep.Internal, err = readAddrPort(r, what+" internal"); err != nil {
		return ep, err
	}
	if ep.External, err = readAddrPort(r, what+" external"); err != nil {
		return ep, err
	}
	return ep, nil
}
