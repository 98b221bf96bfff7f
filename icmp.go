package tunem

//
// ICMP echo handling
//

// ICMP types we understand.
const (
	icmpEchoReply   = uint8(0)
	icmpEchoRequest = uint8(8)
)

// handleICMP answers echo requests with a locally synthesised echo
// reply: addresses swapped, type zero, both checksums recomputed. No
// native packet is sent, so a ping "succeeds" whether or not the
// destination is reachable; this mirrors the system we emulate and
// only proves that the tun path works. The reply still traverses the
// inbound shaper, so configured delay and loss apply. All other ICMP
// types are dropped.
func (r *Router) handleICMP(pkt *IPv4Packet, msg *ICMPMessage) {
	if msg.Type != icmpEchoRequest || msg.Code != 0 {
		r.logger.Debugf("tunem: icmp: dropping type %d code %d", msg.Type, msg.Code)
		return
	}
	reply := EncodeICMPFrame(r.nextIPID(), pkt.Dst, pkt.Src, icmpEchoReply, 0, msg.Body)
	r.submitInbound(reply)
}
