package wsmux

import (
	"encoding/binary"
	"fmt"
	"net"
)

// OpCode identifies a frame variant on the wire.
type OpCode byte

// Frame opcodes. Each carrier message is exactly one frame, and the first
// byte of the message is its opcode.
const (
	// OpConnect opens a new stream toward target_host:target_port
	OpConnect OpCode = 0x01

	// OpAcknowledge accepts a stream (their_port identifies the requester's
	// port) or, for an already-established stream, grants additional send
	// credit
	OpAcknowledge OpCode = 0x02

	// OpReset refuses a stream or abortively closes it
	OpReset OpCode = 0x03

	// OpFinish half-closes the sender's write direction
	OpFinish OpCode = 0x04

	// OpPush carries stream payload bytes
	OpPush OpCode = 0x05

	// OpBind asks the peer to bind a remote UDP socket for a flow id
	OpBind OpCode = 0x06

	// OpDatagram carries one UDP message with source-port tagging
	OpDatagram OpCode = 0x07

	// OpPing is a keep-alive probe
	OpPing OpCode = 0x08

	// OpPong answers a Ping, echoing its token
	OpPong OpCode = 0x09
)

var opCodeNames = map[OpCode]string{
	OpConnect:     "Connect",
	OpAcknowledge: "Acknowledge",
	OpReset:       "Reset",
	OpFinish:      "Finish",
	OpPush:        "Push",
	OpBind:        "Bind",
	OpDatagram:    "Datagram",
	OpPing:        "Ping",
	OpPong:        "Pong",
}

func (op OpCode) String() string {
	if name, ok := opCodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(0x%02x)", byte(op))
}

// HostKind discriminates the wire encoding of a host address.
type HostKind byte

// Host address kinds as encoded on the wire.
const (
	HostIPv4 HostKind = 0x01
	HostIPv6 HostKind = 0x02
	HostName HostKind = 0x03
)

// HostAddr is a target host as carried in Connect, Bind and Datagram frames:
// either a literal IPv4/IPv6 address or a DNS name.
type HostAddr struct {
	Kind HostKind
	IP   net.IP // HostIPv4 (4 bytes) or HostIPv6 (16 bytes)
	Name string // HostName
}

// ParseHostAddr builds a HostAddr from a host string, preferring the literal
// IP forms when the string parses as an address.
func ParseHostAddr(host string) HostAddr {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return HostAddr{Kind: HostIPv4, IP: ip4}
		}
		return HostAddr{Kind: HostIPv6, IP: ip.To16()}
	}
	return HostAddr{Kind: HostName, Name: host}
}

// String renders the address in the form expected by net.Dial and friends.
func (h HostAddr) String() string {
	switch h.Kind {
	case HostIPv4, HostIPv6:
		return h.IP.String()
	case HostName:
		return h.Name
	}
	return ""
}

// Equal reports whether two HostAddrs are identical on the wire.
func (h HostAddr) Equal(other HostAddr) bool {
	if h.Kind != other.Kind {
		return false
	}
	if h.Kind == HostName {
		return h.Name == other.Name
	}
	return h.IP.Equal(other.IP)
}

func (h HostAddr) wireLen() int {
	switch h.Kind {
	case HostIPv4:
		return 1 + net.IPv4len
	case HostIPv6:
		return 1 + net.IPv6len
	default:
		return 2 + len(h.Name)
	}
}

func appendHost(b []byte, h HostAddr) ([]byte, error) {
	switch h.Kind {
	case HostIPv4:
		ip := h.IP.To4()
		if ip == nil {
			return nil, protocolErrorf("encode: host kind IPv4 with non-IPv4 address %v", h.IP)
		}
		b = append(b, byte(HostIPv4))
		b = append(b, ip...)
	case HostIPv6:
		ip := h.IP.To16()
		if ip == nil {
			return nil, protocolErrorf("encode: host kind IPv6 with invalid address %v", h.IP)
		}
		b = append(b, byte(HostIPv6))
		b = append(b, ip...)
	case HostName:
		if len(h.Name) > 255 {
			return nil, protocolErrorf("encode: host name longer than 255 octets")
		}
		b = append(b, byte(HostName), byte(len(h.Name)))
		b = append(b, h.Name...)
	default:
		return nil, protocolErrorf("encode: unknown host kind 0x%02x", byte(h.Kind))
	}
	return b, nil
}

// readHost decodes a Host from the front of b and returns the remainder.
func readHost(b []byte) (HostAddr, []byte, error) {
	if len(b) < 1 {
		return HostAddr{}, nil, protocolErrorf("truncated host address")
	}
	kind := HostKind(b[0])
	b = b[1:]
	switch kind {
	case HostIPv4:
		if len(b) < net.IPv4len {
			return HostAddr{}, nil, protocolErrorf("truncated IPv4 host address")
		}
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[:net.IPv4len])
		return HostAddr{Kind: HostIPv4, IP: ip}, b[net.IPv4len:], nil
	case HostIPv6:
		if len(b) < net.IPv6len {
			return HostAddr{}, nil, protocolErrorf("truncated IPv6 host address")
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, b[:net.IPv6len])
		return HostAddr{Kind: HostIPv6, IP: ip}, b[net.IPv6len:], nil
	case HostName:
		if len(b) < 1 {
			return HostAddr{}, nil, protocolErrorf("truncated host name length")
		}
		n := int(b[0])
		b = b[1:]
		if len(b) < n {
			return HostAddr{}, nil, protocolErrorf("truncated host name (want %d bytes, have %d)", n, len(b))
		}
		return HostAddr{Kind: HostName, Name: string(b[:n])}, b[n:], nil
	}
	return HostAddr{}, nil, protocolErrorf("unknown host address tag 0x%02x", byte(kind))
}

// Frame is one decoded unit of the multiplexing protocol. Which fields are
// meaningful depends on Op:
//
//	Connect:     OurPort, TargetPort, TargetHost
//	Acknowledge: OurPort, TheirPort, Credit
//	Reset:       OurPort, TheirPort
//	Finish:      OurPort, TheirPort
//	Push:        OurPort, TheirPort, Payload
//	Bind:        FlowID, TargetPort, TargetHost
//	Datagram:    FlowID (source port), TargetPort, TargetHost, Payload
//	Ping/Pong:   Token
//
// Port fields are always named from the sender's perspective: OurPort is the
// sender's local port, TheirPort is the receiver's.
type Frame struct {
	Op         OpCode
	OurPort    uint32
	TheirPort  uint32
	Credit     uint32
	FlowID     uint32
	Token      uint32
	TargetPort uint16
	TargetHost HostAddr
	Payload    []byte
}

func (f *Frame) String() string {
	switch f.Op {
	case OpConnect:
		return fmt.Sprintf("Connect[%d -> %s:%d]", f.OurPort, f.TargetHost, f.TargetPort)
	case OpAcknowledge:
		return fmt.Sprintf("Acknowledge[%d -> %d, credit=%d]", f.OurPort, f.TheirPort, f.Credit)
	case OpReset:
		return fmt.Sprintf("Reset[%d -> %d]", f.OurPort, f.TheirPort)
	case OpFinish:
		return fmt.Sprintf("Finish[%d -> %d]", f.OurPort, f.TheirPort)
	case OpPush:
		return fmt.Sprintf("Push[%d -> %d, %d bytes]", f.OurPort, f.TheirPort, len(f.Payload))
	case OpBind:
		return fmt.Sprintf("Bind[flow=%d, %s:%d]", f.FlowID, f.TargetHost, f.TargetPort)
	case OpDatagram:
		return fmt.Sprintf("Datagram[src=%d, %s:%d, %d bytes]", f.FlowID, f.TargetHost, f.TargetPort, len(f.Payload))
	case OpPing:
		return fmt.Sprintf("Ping[%d]", f.Token)
	case OpPong:
		return fmt.Sprintf("Pong[%d]", f.Token)
	}
	return f.Op.String()
}

// maxDatagramPayload is the largest payload a Datagram frame can carry; the
// wire length prefix is 16 bits.
const maxDatagramPayload = 0xffff

// maxFrameOverhead is the largest non-payload part of any frame: a Datagram
// with a 255-byte host name (opcode, source port, target port, host tag and
// length, name, payload length).
const maxFrameOverhead = 1 + 4 + 2 + 2 + 255 + 2

// EncodeFrame serializes f into a single carrier message. maxPayload bounds
// the payload length of Push and Datagram frames.
func EncodeFrame(f *Frame, maxPayload int) ([]byte, error) {
	var err error
	switch f.Op {
	case OpConnect:
		b := make([]byte, 0, 7+f.TargetHost.wireLen())
		b = append(b, byte(OpConnect))
		b = appendU32(b, f.OurPort)
		b = appendU16(b, f.TargetPort)
		return appendHost(b, f.TargetHost)
	case OpAcknowledge:
		b := make([]byte, 0, 13)
		b = append(b, byte(OpAcknowledge))
		b = appendU32(b, f.OurPort)
		b = appendU32(b, f.TheirPort)
		b = appendU32(b, f.Credit)
		return b, nil
	case OpReset, OpFinish:
		b := make([]byte, 0, 9)
		b = append(b, byte(f.Op))
		b = appendU32(b, f.OurPort)
		b = appendU32(b, f.TheirPort)
		return b, nil
	case OpPush:
		if len(f.Payload) > maxPayload {
			return nil, protocolErrorf("encode: Push payload %d exceeds limit %d", len(f.Payload), maxPayload)
		}
		b := make([]byte, 0, 9+len(f.Payload))
		b = append(b, byte(OpPush))
		b = appendU32(b, f.OurPort)
		b = appendU32(b, f.TheirPort)
		b = append(b, f.Payload...)
		return b, nil
	case OpBind:
		b := make([]byte, 0, 7+f.TargetHost.wireLen())
		b = append(b, byte(OpBind))
		b = appendU32(b, f.FlowID)
		b = appendU16(b, f.TargetPort)
		return appendHost(b, f.TargetHost)
	case OpDatagram:
		if len(f.Payload) > maxDatagramPayload || len(f.Payload) > maxPayload {
			return nil, protocolErrorf("encode: Datagram payload %d exceeds limit", len(f.Payload))
		}
		b := make([]byte, 0, 9+f.TargetHost.wireLen()+len(f.Payload))
		b = append(b, byte(OpDatagram))
		b = appendU32(b, f.FlowID)
		b = appendU16(b, f.TargetPort)
		b, err = appendHost(b, f.TargetHost)
		if err != nil {
			return nil, err
		}
		b = appendU16(b, uint16(len(f.Payload)))
		b = append(b, f.Payload...)
		return b, nil
	case OpPing, OpPong:
		b := make([]byte, 0, 5)
		b = append(b, byte(f.Op))
		b = appendU32(b, f.Token)
		return b, nil
	}
	return nil, protocolErrorf("encode: unknown opcode 0x%02x", byte(f.Op))
}

// DecodeFrame parses one carrier message. Unknown opcodes, truncated or
// trailing bytes, and payloads above maxPayload are protocol errors; the
// multiplexer upgrades any such error to a fatal carrier teardown.
func DecodeFrame(data []byte, maxPayload int) (*Frame, error) {
	if len(data) < 1 {
		return nil, protocolErrorf("empty frame")
	}
	if len(data) > maxPayload+maxFrameOverhead {
		// quick reject before parsing: no schema produces a frame this
		// much larger than its payload
		return nil, protocolErrorf("frame of %d bytes exceeds payload limit %d", len(data), maxPayload)
	}
	f := &Frame{Op: OpCode(data[0])}
	b := data[1:]
	var err error
	switch f.Op {
	case OpConnect:
		if len(b) < 6 {
			return nil, protocolErrorf("truncated Connect frame")
		}
		f.OurPort = getU32(b)
		f.TargetPort = getU16(b[4:])
		f.TargetHost, b, err = readHost(b[6:])
		if err != nil {
			return nil, err
		}
		if len(b) != 0 {
			return nil, protocolErrorf("trailing bytes after Connect frame")
		}
	case OpAcknowledge:
		if len(b) != 12 {
			return nil, protocolErrorf("Acknowledge frame length %d != 12", len(b))
		}
		f.OurPort = getU32(b)
		f.TheirPort = getU32(b[4:])
		f.Credit = getU32(b[8:])
	case OpReset, OpFinish:
		if len(b) != 8 {
			return nil, protocolErrorf("%s frame length %d != 8", f.Op, len(b))
		}
		f.OurPort = getU32(b)
		f.TheirPort = getU32(b[4:])
	case OpPush:
		if len(b) < 8 {
			return nil, protocolErrorf("truncated Push frame")
		}
		f.OurPort = getU32(b)
		f.TheirPort = getU32(b[4:])
		if len(b)-8 > maxPayload {
			return nil, protocolErrorf("Push payload %d exceeds limit %d", len(b)-8, maxPayload)
		}
		f.Payload = b[8:]
	case OpBind:
		if len(b) < 6 {
			return nil, protocolErrorf("truncated Bind frame")
		}
		f.FlowID = getU32(b)
		f.TargetPort = getU16(b[4:])
		f.TargetHost, b, err = readHost(b[6:])
		if err != nil {
			return nil, err
		}
		if len(b) != 0 {
			return nil, protocolErrorf("trailing bytes after Bind frame")
		}
	case OpDatagram:
		if len(b) < 6 {
			return nil, protocolErrorf("truncated Datagram frame")
		}
		f.FlowID = getU32(b)
		f.TargetPort = getU16(b[4:])
		f.TargetHost, b, err = readHost(b[6:])
		if err != nil {
			return nil, err
		}
		if len(b) < 2 {
			return nil, protocolErrorf("truncated Datagram length")
		}
		n := int(getU16(b))
		b = b[2:]
		if len(b) != n {
			return nil, protocolErrorf("Datagram payload length %d != declared %d", len(b), n)
		}
		if n > maxPayload {
			return nil, protocolErrorf("Datagram payload %d exceeds limit %d", n, maxPayload)
		}
		f.Payload = b
	case OpPing, OpPong:
		if len(b) != 4 {
			return nil, protocolErrorf("%s frame length %d != 4", f.Op, len(b))
		}
		f.Token = getU32(b)
	default:
		return nil, protocolErrorf("unknown opcode 0x%02x", byte(f.Op))
	}
	return f, nil
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func getU32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func getU16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}
