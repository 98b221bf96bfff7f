package tunem

//
// IPv4/UDP/TCP/ICMP codec
//
// The hot path uses direct offset arithmetic rather than a packet
// library: every synthesised reply is a small fixed-layout header in
// front of a payload we already own. The gopacket-based decoder in
// dissect.go covers captures and tests.
//

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IP protocol numbers.
const (
	protoICMP = uint8(1)
	protoTCP  = uint8(6)
	protoUDP  = uint8(17)
)

// TCP flag bits.
const (
	tcpFlagFIN = uint8(0x01)
	tcpFlagSYN = uint8(0x02)
	tcpFlagRST = uint8(0x04)
	tcpFlagPSH = uint8(0x08)
	tcpFlagACK = uint8(0x10)
	tcpFlagURG = uint8(0x20)
)

// Header sizes of the frames we synthesise. We always emit a bare
// 20-byte IPv4 header (no options) and a bare 20-byte TCP header.
const (
	ipHeaderLen  = 20
	tcpHeaderLen = 20
	udpHeaderLen = 8
)

// synthTTL is the TTL of every synthesised frame.
const synthTTL = 64

// IPv4Packet is a decoded view over a raw IPv4 frame. The view
// aliases the frame's storage; it is only valid while the frame is.
type IPv4Packet struct {
	// Src is the source address in host byte order.
	Src uint32

	// Dst is the destination address in host byte order.
	Dst uint32

	// Protocol is the L4 protocol number.
	Protocol uint8

	// L4 is the transport header plus payload.
	L4 []byte
}

// ParseIPv4 decodes the fixed part of an IPv4 header, accepting and
// skipping options. It returns [ErrParseShortPacket] for truncated
// input and [ErrParseVersion] for anything that is not IPv4.
func ParseIPv4(frame []byte) (*IPv4Packet, error) {
	if len(frame) < ipHeaderLen {
		return nil, ErrParseShortPacket
	}
	if frame[0]>>4 != 4 {
		return nil, ErrParseVersion
	}
	headerLen := int(frame[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(frame[2:4]))
	if headerLen < ipHeaderLen || totalLen < headerLen || totalLen > len(frame) {
		return nil, ErrParseShortPacket
	}
	pkt := &IPv4Packet{
		Src:      binary.BigEndian.Uint32(frame[12:16]),
		Dst:      binary.BigEndian.Uint32(frame[16:20]),
		Protocol: frame[9],
		L4:       frame[headerLen:totalLen],
	}
	return pkt, nil
}

// UDPDatagram is a decoded view over a UDP header and payload.
type UDPDatagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// UDP decodes the packet's UDP header.
func (pkt *IPv4Packet) UDP() (*UDPDatagram, error) {
	if pkt.Protocol != protoUDP {
		return nil, ErrParseTransport
	}
	if len(pkt.L4) < udpHeaderLen {
		return nil, ErrParseShortPacket
	}
	dgram := &UDPDatagram{
		SrcPort: binary.BigEndian.Uint16(pkt.L4[0:2]),
		DstPort: binary.BigEndian.Uint16(pkt.L4[2:4]),
		Payload: pkt.L4[udpHeaderLen:],
	}
	return dgram, nil
}

// TCPSegment is a decoded view over a TCP header and payload.
type TCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

// TCP decodes the packet's TCP header, honouring the data offset so
// that options are skipped.
func (pkt *IPv4Packet) TCP() (*TCPSegment, error) {
	if pkt.Protocol != protoTCP {
		return nil, ErrParseTransport
	}
	if len(pkt.L4) < tcpHeaderLen {
		return nil, ErrParseShortPacket
	}
	dataOffset := int(pkt.L4[12]>>4) * 4
	if dataOffset < tcpHeaderLen || dataOffset > len(pkt.L4) {
		return nil, ErrParseShortPacket
	}
	seg := &TCPSegment{
		SrcPort: binary.BigEndian.Uint16(pkt.L4[0:2]),
		DstPort: binary.BigEndian.Uint16(pkt.L4[2:4]),
		Seq:     binary.BigEndian.Uint32(pkt.L4[4:8]),
		Ack:     binary.BigEndian.Uint32(pkt.L4[8:12]),
		Flags:   pkt.L4[13] & 0x3f,
		Window:  binary.BigEndian.Uint16(pkt.L4[14:16]),
		Payload: pkt.L4[dataOffset:],
	}
	return seg, nil
}

// FIN returns whether the FIN flag is set.
func (seg *TCPSegment) FIN() bool { return seg.Flags&tcpFlagFIN != 0 }

// SYN returns whether the SYN flag is set.
func (seg *TCPSegment) SYN() bool { return seg.Flags&tcpFlagSYN != 0 }

// RST returns whether the RST flag is set.
func (seg *TCPSegment) RST() bool { return seg.Flags&tcpFlagRST != 0 }

// ACK returns whether the ACK flag is set.
func (seg *TCPSegment) ACK() bool { return seg.Flags&tcpFlagACK != 0 }

// ICMPMessage is a decoded view over an ICMP message.
type ICMPMessage struct {
	// Type is the ICMP type (8 = echo request, 0 = echo reply).
	Type uint8

	// Code is the ICMP code.
	Code uint8

	// Body is everything after the 4-byte type/code/checksum prefix.
	Body []byte
}

// ICMP decodes the packet's ICMP message.
func (pkt *IPv4Packet) ICMP() (*ICMPMessage, error) {
	if pkt.Protocol != protoICMP {
		return nil, ErrParseTransport
	}
	if len(pkt.L4) < 4 {
		return nil, ErrParseShortPacket
	}
	msg := &ICMPMessage{
		Type: pkt.L4[0],
		Code: pkt.L4[1],
		Body: pkt.L4[4:],
	}
	return msg, nil
}

// writeIPv4Header fills the first 20 bytes of buf with an IPv4 header
// for the given payload and computes its checksum. totalLen is the
// full frame length.
func writeIPv4Header(buf []byte, ipID uint16, src, dst uint32, protocol uint8, totalLen int) {
	buf[0] = 0x45
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(buf[4:6], ipID)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	buf[8] = synthTTL
	buf[9] = protocol
	buf[10], buf[11] = 0, 0
	binary.BigEndian.PutUint32(buf[12:16], src)
	binary.BigEndian.PutUint32(buf[16:20], dst)
	checksum := ipHeaderChecksum(buf[:ipHeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], checksum)
}

// EncodeUDPFrame synthesises a complete IPv4+UDP frame.
func EncodeUDPFrame(ipID uint16, src, dst uint32, srcPort, dstPort uint16, payload []byte) []byte {
	totalLen := ipHeaderLen + udpHeaderLen + len(payload)
	frame := make([]byte, totalLen)
	udp := frame[ipHeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderLen+len(payload)))
	copy(udp[udpHeaderLen:], payload)
	checksum := l4Checksum(udp, src, dst, protoUDP)
	binary.BigEndian.PutUint16(udp[6:8], checksum)
	writeIPv4Header(frame, ipID, src, dst, protoUDP, totalLen)
	return frame
}

// EncodeTCPFrame synthesises a complete IPv4+TCP frame with a bare
// 20-byte TCP header, the given flags, and a fixed 64 KiB window.
func EncodeTCPFrame(ipID uint16, src, dst uint32, srcPort, dstPort uint16,
	seq, ack uint32, flags uint8, payload []byte) []byte {
	totalLen := ipHeaderLen + tcpHeaderLen + len(payload)
	frame := make([]byte, totalLen)
	tcp := frame[ipHeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = (tcpHeaderLen / 4) << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 0xffff)
	copy(tcp[tcpHeaderLen:], payload)
	checksum := l4Checksum(tcp, src, dst, protoTCP)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)
	writeIPv4Header(frame, ipID, src, dst, protoTCP, totalLen)
	return frame
}

// EncodeICMPFrame synthesises a complete IPv4+ICMP frame. The body is
// everything after the 4-byte type/code/checksum prefix.
func EncodeICMPFrame(ipID uint16, src, dst uint32, icmpType, icmpCode uint8, body []byte) []byte {
	totalLen := ipHeaderLen + 4 + len(body)
	frame := make([]byte, totalLen)
	icmp := frame[ipHeaderLen:]
	icmp[0] = icmpType
	icmp[1] = icmpCode
	copy(icmp[4:], body)
	checksum := icmpChecksum(icmp)
	binary.BigEndian.PutUint16(icmp[2:4], checksum)
	writeIPv4Header(frame, ipID, src, dst, protoICMP, totalLen)
	return frame
}

// ipToString formats a host-byte-order address for dialing.
func ipToString(addr uint32) string {
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)).String()
}

// hostPort formats an address and port for dialing.
func hostPort(addr uint32, port uint16) string {
	return fmt.Sprintf("%s:%d", ipToString(addr), port)
}

// ParseIPv4Addr parses a dotted-quad IPv4 address into host byte
// order, returning false for anything that is not IPv4.
func ParseIPv4Addr(address string) (uint32, bool) {
	ip := net.ParseIP(address)
	if ip == nil {
		return 0, false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4), true
}
