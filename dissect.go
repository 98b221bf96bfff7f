package tunem

//
// Protocol dissector (gopacket-based)
//
// The forwarding hot path decodes with the offset codec in packet.go;
// this dissector is used by the tests to cross-check the hand-built
// encoders.
//

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DissectedPacket is a dissected IPv4 packet. The zero value is
// invalid; use [DissectPacket] to create one.
type DissectedPacket struct {
	// Packet is the underlying packet.
	Packet gopacket.Packet

	// IP is the IPv4 layer.
	IP *layers.IPv4

	// TCP is the POSSIBLY NIL TCP layer.
	TCP *layers.TCP

	// UDP is the POSSIBLY NIL UDP layer.
	UDP *layers.UDP

	// ICMP is the POSSIBLY NIL ICMPv4 layer.
	ICMP *layers.ICMPv4
}

// DissectPacket parses a raw frame's IPv4 and transport layers.
func DissectPacket(rawPacket []byte) (*DissectedPacket, error) {
	dp := &DissectedPacket{}
	if len(rawPacket) < 1 {
		return nil, ErrParseShortPacket
	}
	if rawPacket[0]>>4 != 4 {
		return nil, ErrParseVersion
	}
	dp.Packet = gopacket.NewPacket(rawPacket, layers.LayerTypeIPv4, gopacket.Lazy)
	ipLayer := dp.Packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, ErrParseVersion
	}
	dp.IP = ipLayer.(*layers.IPv4)
	switch dp.IP.Protocol {
	case layers.IPProtocolTCP:
		layer := dp.Packet.Layer(layers.LayerTypeTCP)
		if layer == nil {
			return nil, ErrParseShortPacket
		}
		dp.TCP = layer.(*layers.TCP)
	case layers.IPProtocolUDP:
		layer := dp.Packet.Layer(layers.LayerTypeUDP)
		if layer == nil {
			return nil, ErrParseShortPacket
		}
		dp.UDP = layer.(*layers.UDP)
	case layers.IPProtocolICMPv4:
		layer := dp.Packet.Layer(layers.LayerTypeICMPv4)
		if layer == nil {
			return nil, ErrParseShortPacket
		}
		dp.ICMP = layer.(*layers.ICMPv4)
	default:
		return nil, ErrParseTransport
	}
	return dp, nil
}

// SourceIPAddress returns the packet's source address.
func (dp *DissectedPacket) SourceIPAddress() string {
	return dp.IP.SrcIP.String()
}

// DestinationIPAddress returns the packet's destination address.
func (dp *DissectedPacket) DestinationIPAddress() string {
	return dp.IP.DstIP.String()
}
