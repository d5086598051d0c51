// Package wire implements the TUIC binary protocol: command preludes,
// the Address variant, and the five command payloads (Authenticate,
// Connect, Packet, Dissociate, Heartbeat). It is grounded on the hand-rolled
// big-endian codec in the teacher repository's pkg/protocols/tuicproxy.go,
// generalized from a single-UDP-datagram parser into one that also reads
// commands off an arbitrary io.Reader (a QUIC bidi or uni stream).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"unicode/utf8"
)

// Version is the only TUIC wire version this codec understands.
const Version = 0x05

// Command types, per spec.md §4.1.
const (
	CmdAuthenticate = 0x00
	CmdConnect      = 0x01
	CmdPacket       = 0x02
	CmdDissociate   = 0x03
	CmdHeartbeat    = 0x04
)

// Address type tags.
const (
	AddrNone   = 0xff
	AddrDomain = 0x00
	AddrIPv4   = 0x01
	AddrIPv6   = 0x02
)

const (
	UUIDLength  = 16
	TokenLength = 32
)

// ErrMalformed is wrapped by every decode failure, per spec.md §7's
// MalformedCommand error kind.
var ErrMalformed = errors.New("malformed command")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Address is the decoded form of the TUIC Address variant.
type Address struct {
	Type   byte
	Domain string // set when Type == AddrDomain
	IP     net.IP // set when Type == AddrIPv4 or AddrIPv6
	Port   uint16
}

// IsNone reports whether this is the "no address" variant, valid only on
// non-first Packet fragments.
func (a Address) IsNone() bool { return a.Type == AddrNone }

// String formats the address as host:port, or "" for the None variant.
func (a Address) String() string {
	switch a.Type {
	case AddrNone:
		return ""
	case AddrDomain:
		return net.JoinHostPort(a.Domain, fmt.Sprint(a.Port))
	default:
		return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
	}
}

// NewDomainAddress builds a domain-tagged Address.
func NewDomainAddress(host string, port uint16) Address {
	return Address{Type: AddrDomain, Domain: host, Port: port}
}

// NewIPAddress builds an IPv4- or IPv6-tagged Address from a net.IP,
// choosing the tag from the IP's effective family.
func NewIPAddress(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrIPv4, IP: v4, Port: port}
	}
	return Address{Type: AddrIPv6, IP: ip.To16(), Port: port}
}

// encodedLen returns the wire length of the address, used by Packet
// header size accounting.
func (a Address) encodedLen() int {
	switch a.Type {
	case AddrNone:
		return 1
	case AddrIPv4:
		return 1 + 4 + 2
	case AddrIPv6:
		return 1 + 16 + 2
	case AddrDomain:
		return 1 + 1 + len(a.Domain) + 2
	default:
		return 1
	}
}

// AddressEncodedLen exports encodedLen for callers outside this package
// that need to budget a Packet frame's size, e.g. the UDP relay's
// fragmentation planner.
func AddressEncodedLen(a Address) int { return a.encodedLen() }

// PacketHeaderOverhead is the fixed 8-byte size of a Packet command's
// header (assoc_id, pkt_id, frag_total, frag_id, size), not counting the
// Address that only the first fragment carries.
const PacketHeaderOverhead = 8

// EncodeAddress appends the wire encoding of a to w.
func EncodeAddress(w *bytes.Buffer, a Address) error {
	switch a.Type {
	case AddrNone:
		w.WriteByte(AddrNone)
		return nil
	case AddrIPv4:
		ip := a.IP.To4()
		if ip == nil {
			return malformed("address marked IPv4 but IP is not 4 bytes")
		}
		w.WriteByte(AddrIPv4)
		w.Write(ip)
	case AddrIPv6:
		ip := a.IP.To16()
		if ip == nil {
			return malformed("address marked IPv6 but IP is invalid")
		}
		w.WriteByte(AddrIPv6)
		w.Write(ip)
	case AddrDomain:
		if len(a.Domain) > 0xff {
			return malformed("domain too long: %d bytes", len(a.Domain))
		}
		w.WriteByte(AddrDomain)
		w.WriteByte(byte(len(a.Domain)))
		w.WriteString(a.Domain)
	default:
		return malformed("unknown address type 0x%02x", a.Type)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], a.Port)
	w.Write(port[:])
	return nil
}

// DecodeAddress reads one Address from r.
func DecodeAddress(r io.Reader) (Address, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Address{}, malformed("address tag: %v", err)
	}

	switch tag[0] {
	case AddrNone:
		return Address{Type: AddrNone}, nil
	case AddrIPv4:
		var buf [4 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, malformed("ipv4 address: %v", err)
		}
		return Address{
			Type: AddrIPv4,
			IP:   net.IP(append([]byte(nil), buf[:4]...)),
			Port: binary.BigEndian.Uint16(buf[4:6]),
		}, nil
	case AddrIPv6:
		var buf [16 + 2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Address{}, malformed("ipv6 address: %v", err)
		}
		return Address{
			Type: AddrIPv6,
			IP:   net.IP(append([]byte(nil), buf[:16]...)),
			Port: binary.BigEndian.Uint16(buf[16:18]),
		}, nil
	case AddrDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Address{}, malformed("domain length: %v", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return Address{}, malformed("domain body: %v", err)
		}
		var portBuf [2]byte
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return Address{}, malformed("domain port: %v", err)
		}
		if !isValidUTF8(domain) {
			return Address{}, malformed("domain is not valid utf-8")
		}
		return Address{
			Type:   AddrDomain,
			Domain: string(domain),
			Port:   binary.BigEndian.Uint16(portBuf[:]),
		}, nil
	default:
		return Address{}, malformed("unknown address type 0x%02x", tag[0])
	}
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// Prelude is the 2-byte version+type header common to every command.
type Prelude struct {
	Version byte
	Type    byte
}

// ReadPrelude reads and validates the 2-byte command prelude.
func ReadPrelude(r io.Reader) (Prelude, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Prelude{}, malformed("prelude: %v", err)
	}
	if buf[0] != Version {
		return Prelude{}, malformed("unsupported version 0x%02x", buf[0])
	}
	return Prelude{Version: buf[0], Type: buf[1]}, nil
}

// WritePrelude writes the 2-byte prelude for cmdType.
func WritePrelude(w *bytes.Buffer, cmdType byte) {
	w.WriteByte(Version)
	w.WriteByte(cmdType)
}

// Authenticate is the decoded Authenticate command payload.
type Authenticate struct {
	UUID  [UUIDLength]byte
	Token [TokenLength]byte
}

// EncodeAuthenticate writes a full Authenticate command (prelude included).
func EncodeAuthenticate(uuid [UUIDLength]byte, token [TokenLength]byte) []byte {
	var buf bytes.Buffer
	WritePrelude(&buf, CmdAuthenticate)
	buf.Write(uuid[:])
	buf.Write(token[:])
	return buf.Bytes()
}

// DecodeAuthenticate reads an Authenticate payload (prelude already consumed).
func DecodeAuthenticate(r io.Reader) (Authenticate, error) {
	var a Authenticate
	if _, err := io.ReadFull(r, a.UUID[:]); err != nil {
		return a, malformed("authenticate uuid: %v", err)
	}
	if _, err := io.ReadFull(r, a.Token[:]); err != nil {
		return a, malformed("authenticate token: %v", err)
	}
	return a, nil
}

// EncodeConnect writes a full Connect command (prelude included).
func EncodeConnect(target Address) ([]byte, error) {
	var buf bytes.Buffer
	WritePrelude(&buf, CmdConnect)
	if err := EncodeAddress(&buf, target); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeConnect reads a Connect payload (prelude already consumed).
func DecodeConnect(r io.Reader) (Address, error) {
	return DecodeAddress(r)
}

// PacketHeader is the decoded header of a Packet command, not including
// its payload bytes.
type PacketHeader struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	Address   Address // zero value (Type 0x00, empty domain) when FragID != 0 and not present on wire
	hasAddr   bool
}

// HasAddress reports whether this header carried an Address field (only
// true for FragID == 0).
func (h PacketHeader) HasAddress() bool { return h.hasAddr }

// EncodePacket writes a full Packet command (prelude included). addr must
// be the AddrNone variant when fragID != 0.
func EncodePacket(assocID, pktID uint16, fragTotal, fragID uint8, addr Address, payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, malformed("payload too large: %d bytes", len(payload))
	}
	var buf bytes.Buffer
	WritePrelude(&buf, CmdPacket)

	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], assocID)
	binary.BigEndian.PutUint16(hdr[2:4], pktID)
	hdr[4] = fragTotal
	hdr[5] = fragID
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(payload)))
	buf.Write(hdr[:])

	if fragID == 0 {
		if err := EncodeAddress(&buf, addr); err != nil {
			return nil, err
		}
	} else if !addr.IsNone() {
		return nil, malformed("non-first fragment must carry AddrNone")
	}

	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodePacket reads a Packet header and its payload from r (prelude
// already consumed). r must yield exactly the command's bytes (a stream
// carrier reads Size bytes after the header; a datagram carrier passes a
// bytes.Reader over the whole datagram).
func DecodePacket(r io.Reader) (PacketHeader, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return PacketHeader{}, nil, malformed("packet header: %v", err)
	}

	h := PacketHeader{
		AssocID:   binary.BigEndian.Uint16(hdr[0:2]),
		PktID:     binary.BigEndian.Uint16(hdr[2:4]),
		FragTotal: hdr[4],
		FragID:    hdr[5],
		Size:      binary.BigEndian.Uint16(hdr[6:8]),
	}

	if h.FragID >= h.FragTotal {
		return PacketHeader{}, nil, malformed("frag_id %d >= frag_total %d", h.FragID, h.FragTotal)
	}

	if h.FragID == 0 {
		addr, err := DecodeAddress(r)
		if err != nil {
			return PacketHeader{}, nil, err
		}
		h.Address = addr
		h.hasAddr = true
	}

	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return PacketHeader{}, nil, malformed("packet payload: %v", err)
	}
	return h, payload, nil
}

// Dissociate is the decoded Dissociate command payload.
type Dissociate struct {
	AssocID uint16
}

// EncodeDissociate writes a full Dissociate command (prelude included).
func EncodeDissociate(assocID uint16) []byte {
	var buf bytes.Buffer
	WritePrelude(&buf, CmdDissociate)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], assocID)
	buf.Write(b[:])
	return buf.Bytes()
}

// DecodeDissociate reads a Dissociate payload (prelude already consumed).
func DecodeDissociate(r io.Reader) (Dissociate, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Dissociate{}, malformed("dissociate: %v", err)
	}
	return Dissociate{AssocID: binary.BigEndian.Uint16(b[:])}, nil
}

// EncodeHeartbeat writes a full Heartbeat command (prelude included, no
// payload).
func EncodeHeartbeat() []byte {
	var buf bytes.Buffer
	WritePrelude(&buf, CmdHeartbeat)
	return buf.Bytes()
}
