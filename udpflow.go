package tunem

//
// UDP flow forwarding
//

import (
	"net"
	"sync"
	"sync/atomic"
)

// udpReadBuffer sizes the reply read buffer; a datagram cannot
// exceed this.
const udpReadBuffer = 65535

// UDPSession is the per-flow UDP state: a connected native datagram
// socket plus idle accounting. Unlike TCP there is no handshake to
// emulate; the session exists so that replies can be matched back to
// the originating 5-tuple.
type UDPSession struct {
	// active is the clock reading of the last activity.
	active atomic.Int64

	// closeOnce makes teardown idempotent.
	closeOnce sync.Once

	// conn is the connected native datagram socket.
	conn net.Conn

	// key identifies the flow.
	key FlowKey

	// router is the owning router.
	router *Router
}

// handleUDP forwards one outbound datagram, opening the session on
// first use. Dial errors (including a failing socket protector) drop
// the datagram; a later datagram retries from scratch.
func (r *Router) handleUDP(pkt *IPv4Packet, dgram *UDPDatagram) {
	key := FlowKey{
		Proto:   FlowUDP,
		SrcAddr: pkt.Src,
		SrcPort: dgram.SrcPort,
		DstAddr: pkt.Dst,
		DstPort: dgram.DstPort,
	}
	sess := r.sessions.lookupUDP(key)
	if sess == nil {
		// Dial outside the table lock: connect on a datagram socket
		// does not touch the network but protect() may.
		conn, err := r.dial("udp4", hostPort(key.DstAddr, key.DstPort))
		if err != nil {
			r.logger.Warnf("tunem: %s: dial: %s", key, err.Error())
			return
		}
		sess = &UDPSession{
			active:    atomic.Int64{},
			closeOnce: sync.Once{},
			conn:      conn,
			key:       key,
			router:    r,
		}
		incumbent, inserted := r.sessions.insertUDP(key, sess)
		if !inserted {
			conn.Close()
			sess = incumbent
		} else {
			r.logger.Debugf("tunem: %s: open", key)
			go sess.readLoop()
		}
	}
	sess.touch()
	n, err := sess.conn.Write(dgram.Payload)
	if err != nil {
		// Drop the session; the next outbound datagram re-opens it.
		r.logger.Warnf("tunem: %s: write: %s", key, err.Error())
		sess.close()
		return
	}
	r.stats.addSent(n)
}

// readLoop relays native replies back to the client as synthesised
// IP+UDP frames with the addresses and ports swapped.
func (s *UDPSession) readLoop() {
	r := s.router
	buf := make([]byte, udpReadBuffer)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.close()
			return
		}
		s.touch()
		r.stats.addReceived(n)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		frame := EncodeUDPFrame(r.nextIPID(), s.key.DstAddr, s.key.SrcAddr,
			s.key.DstPort, s.key.SrcPort, payload)
		r.submitInbound(frame)
	}
}

// close closes the socket (unblocking the read loop) and removes the
// session from the table.
func (s *UDPSession) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.router.sessions.removeUDP(s.key, s)
		s.router.logger.Debugf("tunem: %s: closed", s.key)
	})
}

// touch refreshes the idle timestamp.
func (s *UDPSession) touch() {
	s.active.Store(s.router.clock.Now())
}

// lastActive implements session.
func (s *UDPSession) lastActive() int64 {
	return s.active.Load()
}

// shut implements session.
func (s *UDPSession) shut() {
	s.close()
}
