package tunem

//
// TCP pseudo-state-machine
//
// The router impersonates the remote peer towards the client behind
// the tun interface while acting as an ordinary client of the real
// remote over a native socket. This is deliberately a minimum viable
// TCP: no congestion control, no window scaling, no SACK. The
// client's own stack provides retransmission; we provide SEQ/ACK
// bookkeeping, a small reassembly window, and RST/FIN synthesis.
//

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// tcpMSS is the largest chunk of upstream data we pack into a single
// synthesised segment.
const tcpMSS = 1400

// tcpReassemblyLimit caps the bytes buffered for out-of-order
// segments of one session.
const tcpReassemblyLimit = 64 * 1024

// tcpMaxSeqAhead is how far past the expected SEQ a segment may land
// before we treat it as garbage and drop it.
const tcpMaxSeqAhead = 65535

// tcpState is the session's position in the pseudo-handshake.
type tcpState int

const (
	// tcpStateSynReceived means we answered the client's SYN and are
	// waiting for its ACK (and for our upstream connect).
	tcpStateSynReceived = tcpState(iota)

	// tcpStateEstablished means the client completed the handshake.
	tcpStateEstablished

	// tcpStateClosed means the session is dead.
	tcpStateClosed
)

// seqDiff returns the signed 32-bit distance a-b in TCP sequence
// space. The unsigned subtraction wraps modulo 2^32 and the int32
// conversion reinterprets the low 32 bits as a signed value, so the
// result is correct for any pair less than 2^31 apart, including
// across the wrap point. Callers must never compare sequence numbers
// with < or > directly.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// TCPSession is the per-flow TCP state. Every mutation happens under
// mu; the session table lock is only ever held for lookup, insert,
// and remove.
type TCPSession struct {
	// active is the clock reading of the last activity.
	active atomic.Int64

	// conn is the native socket; nil until connect completes.
	conn net.Conn

	// key identifies the flow.
	key FlowKey

	// mu serialises all state mutations.
	mu sync.Mutex

	// ours is the next sequence number we will emit towards the
	// client. Every byte of sequence space we generate (SYN, FIN, or
	// payload byte) increments it, modulo 2^32.
	ours uint32

	// pending buffers client payloads that arrived before the
	// upstream connect completed, in arrival order.
	pending [][]byte

	// reassembly buffers out-of-order client segments keyed by SEQ.
	reassembly map[uint32][]byte

	// reassemblyBytes accounts the buffered bytes against
	// tcpReassemblyLimit.
	reassemblyBytes int

	// router is the owning router.
	router *Router

	// state is the pseudo-handshake state.
	state tcpState

	// theirs is the next sequence number we expect from the client;
	// any segment strictly below it is an old duplicate.
	theirs uint32
}

// handleTCP dispatches one outbound TCP segment, creating a session
// when the segment is an acceptable initial SYN.
func (r *Router) handleTCP(pkt *IPv4Packet, seg *TCPSegment) {
	key := FlowKey{
		Proto:   FlowTCP,
		SrcAddr: pkt.Src,
		SrcPort: seg.SrcPort,
		DstAddr: pkt.Dst,
		DstPort: seg.DstPort,
	}
	if sess := r.sessions.lookupTCP(key); sess != nil {
		sess.handleSegment(seg)
		return
	}
	if seg.SYN() && !seg.ACK() {
		if r.rejectPorts[seg.DstPort] {
			// Silently ignored: the client falls back (e.g. from
			// DNS-over-TLS to plain DNS).
			r.logger.Debugf("tunem: %s: rejected port, ignoring SYN", key)
			return
		}
		r.openTCPSession(key, seg)
		return
	}
	if seg.RST() {
		return
	}
	r.sendRST(key, seg)
}

// openTCPSession creates the session, answers SYN+ACK right away, and
// starts the upstream connect in the background. Client payloads that
// arrive before the connect completes wait in the pending queue.
func (r *Router) openTCPSession(key FlowKey, seg *TCPSegment) {
	sess := &TCPSession{
		active:          atomic.Int64{},
		conn:            nil,
		key:             key,
		mu:              sync.Mutex{},
		ours:            r.randomISN(),
		pending:         nil,
		reassembly:      map[uint32][]byte{},
		reassemblyBytes: 0,
		router:          r,
		state:           tcpStateSynReceived,
		theirs:          seg.Seq + 1, // the SYN consumed one sequence number
	}
	sess.touch()
	if _, inserted := r.sessions.insertTCP(key, sess); !inserted {
		// Lost a race with a duplicate SYN; the incumbent answers.
		return
	}
	r.logger.Debugf("tunem: %s: open", key)
	sess.mu.Lock()
	sess.emitLocked(tcpFlagSYN|tcpFlagACK, nil)
	sess.ours++ // our SYN consumed one sequence number
	sess.mu.Unlock()
	go sess.connect()
}

// sendRST answers a segment that matches no session, per RFC 793
// §3.4: when the offending segment carries an ACK, the reset takes
// its SEQ from that ACK and carries no ACK itself; otherwise the
// reset has SEQ zero and acknowledges everything the segment
// occupied.
func (r *Router) sendRST(key FlowKey, seg *TCPSegment) {
	var frame []byte
	if seg.ACK() {
		frame = EncodeTCPFrame(r.nextIPID(), key.DstAddr, key.SrcAddr,
			key.DstPort, key.SrcPort, seg.Ack, 0, tcpFlagRST, nil)
	} else {
		ack := seg.Seq + uint32(len(seg.Payload))
		if seg.SYN() {
			ack++
		}
		if seg.FIN() {
			ack++
		}
		frame = EncodeTCPFrame(r.nextIPID(), key.DstAddr, key.SrcAddr,
			key.DstPort, key.SrcPort, 0, ack, tcpFlagRST|tcpFlagACK, nil)
	}
	r.logger.Debugf("tunem: %s: no session, sending RST", key)
	r.submitInbound(frame)
}

// handleSegment processes one outbound segment of an existing session.
func (s *TCPSession) handleSegment(seg *TCPSegment) {
	s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == tcpStateClosed {
		return
	}
	if seg.RST() {
		s.closeLocked()
		return
	}
	if seg.SYN() {
		// Retransmitted SYN: repeat the SYN+ACK. Our SYN consumed
		// the sequence number just below the current ours.
		s.emitSegmentLocked(s.ours-1, s.theirs, tcpFlagSYN|tcpFlagACK, nil)
		return
	}
	if s.state == tcpStateSynReceived && seg.ACK() {
		s.state = tcpStateEstablished
		s.router.logger.Debugf("tunem: %s: established", s.key)
	}
	if len(seg.Payload) > 0 {
		s.handlePayloadLocked(seg)
		if s.state == tcpStateClosed {
			return
		}
	}
	if seg.FIN() {
		// Acknowledge the FIN (which occupies one sequence number
		// after any payload), answer FIN+ACK, and tear down.
		s.theirs = seg.Seq + uint32(len(seg.Payload)) + 1
		s.emitLocked(tcpFlagFIN|tcpFlagACK, nil)
		s.ours++ // our FIN consumed one sequence number
		s.closeLocked()
	}
}

// handlePayloadLocked applies the SEQ discipline to a data segment.
func (s *TCPSession) handlePayloadLocked(seg *TCPSegment) {
	diff := seqDiff(seg.Seq, s.theirs)
	switch {
	case diff < 0:
		// Old duplicate: acknowledge what we already have, do not
		// forward again.
		s.emitLocked(tcpFlagACK, nil)
	case diff > tcpMaxSeqAhead:
		// Way past the window: drop without buffering.
		s.router.logger.Warnf("tunem: %s: sequence gap too large (%d), dropping", s.key, diff)
	case diff > 0:
		s.bufferOutOfOrderLocked(seg)
		s.emitLocked(tcpFlagACK, nil)
	default:
		if !s.forwardLocked(seg.Payload) {
			return
		}
		s.theirs += uint32(len(seg.Payload))
		s.drainReassemblyLocked()
		s.emitLocked(tcpFlagACK, nil)
	}
}

// bufferOutOfOrderLocked stashes an out-of-order segment, honouring
// the per-session byte cap.
func (s *TCPSession) bufferOutOfOrderLocked(seg *TCPSegment) {
	if _, dup := s.reassembly[seg.Seq]; dup {
		return
	}
	if s.reassemblyBytes+len(seg.Payload) > tcpReassemblyLimit {
		s.router.logger.Warnf("tunem: %s: reassembly buffer full, dropping segment", s.key)
		return
	}
	s.reassembly[seg.Seq] = seg.Payload
	s.reassemblyBytes += len(seg.Payload)
}

// drainReassemblyLocked repeatedly forwards buffered segments that
// have become deliverable, trimming any bytes that overlap data we
// already committed.
func (s *TCPSession) drainReassemblyLocked() {
	for {
		var (
			found   bool
			bestSeq uint32
		)
		for seq := range s.reassembly {
			if seqDiff(seq, s.theirs) > 0 {
				continue
			}
			if !found || seqDiff(seq, bestSeq) < 0 {
				found = true
				bestSeq = seq
			}
		}
		if !found {
			return
		}
		payload := s.reassembly[bestSeq]
		delete(s.reassembly, bestSeq)
		s.reassemblyBytes -= len(payload)
		overlap := seqDiff(s.theirs, bestSeq)
		if int(overlap) >= len(payload) {
			continue // fully covered by data we already have
		}
		residual := payload[overlap:]
		if !s.forwardLocked(residual) {
			return
		}
		s.theirs += uint32(len(residual))
	}
}

// forwardLocked hands client payload to the native socket, or queues
// it when the upstream connect has not completed yet. On socket error
// the session closes; no RST goes back to the client, whose
// retransmissions will eventually time out (matching a dead link).
func (s *TCPSession) forwardLocked(payload []byte) bool {
	if s.conn == nil {
		s.pending = append(s.pending, payload)
		return true
	}
	n, err := s.conn.Write(payload)
	if err != nil {
		s.router.logger.Warnf("tunem: %s: upstream write: %s", s.key, err.Error())
		s.closeLocked()
		return false
	}
	s.router.stats.addSent(n)
	return true
}

// emitLocked synthesises a segment from the remote to the client
// carrying the current SEQ/ACK and submits it to the inbound shaper.
func (s *TCPSession) emitLocked(flags uint8, payload []byte) {
	s.emitSegmentLocked(s.ours, s.theirs, flags, payload)
}

func (s *TCPSession) emitSegmentLocked(seq, ack uint32, flags uint8, payload []byte) {
	r := s.router
	frame := EncodeTCPFrame(r.nextIPID(), s.key.DstAddr, s.key.SrcAddr,
		s.key.DstPort, s.key.SrcPort, seq, ack, flags, payload)
	r.submitInbound(frame)
}

// connect dials the real destination. It runs in its own goroutine
// so that packet handling never waits on the connect RTT.
func (s *TCPSession) connect() {
	conn, err := s.router.dial("tcp4", hostPort(s.key.DstAddr, s.key.DstPort))
	if err != nil {
		s.router.logger.Warnf("tunem: %s: connect: %s", s.key, err.Error())
		s.close()
		return
	}
	s.mu.Lock()
	if s.state == tcpStateClosed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	pending := s.pending
	s.pending = nil
	for _, payload := range pending {
		n, werr := conn.Write(payload)
		if werr != nil {
			s.router.logger.Warnf("tunem: %s: upstream write: %s", s.key, werr.Error())
			s.closeLocked()
			s.mu.Unlock()
			return
		}
		s.router.stats.addSent(n)
	}
	s.mu.Unlock()
	go s.readLoop(conn)
}

// readLoop relays upstream bytes to the client as synthesised data
// segments, one MSS at a time, and answers an orderly upstream close
// with FIN+ACK.
func (s *TCPSession) readLoop(conn net.Conn) {
	buf := make([]byte, tcpMSS)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.touch()
			s.router.stats.addReceived(n)
			payload := make([]byte, n)
			copy(payload, buf[:n])
			s.mu.Lock()
			if s.state == tcpStateClosed {
				s.mu.Unlock()
				return
			}
			s.emitLocked(tcpFlagACK|tcpFlagPSH, payload)
			s.ours += uint32(n)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if s.state != tcpStateClosed {
				if err == io.EOF {
					// Orderly upstream close: propagate as FIN.
					s.emitLocked(tcpFlagFIN|tcpFlagACK, nil)
					s.ours++
				} else {
					s.router.logger.Debugf("tunem: %s: upstream read: %s", s.key, err.Error())
				}
				s.closeLocked()
			}
			s.mu.Unlock()
			return
		}
	}
}

// close tears the session down from outside the lock.
func (s *TCPSession) close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// closeLocked marks the session closed, closes the native socket, and
// removes the session from the table.
func (s *TCPSession) closeLocked() {
	if s.state == tcpStateClosed {
		return
	}
	s.state = tcpStateClosed
	s.pending = nil
	s.reassembly = map[uint32][]byte{}
	s.reassemblyBytes = 0
	if s.conn != nil {
		s.conn.Close()
	}
	s.router.sessions.removeTCP(s.key, s)
	s.router.logger.Debugf("tunem: %s: closed", s.key)
}

// touch refreshes the idle timestamp.
func (s *TCPSession) touch() {
	s.active.Store(s.router.clock.Now())
}

// lastActive implements session.
func (s *TCPSession) lastActive() int64 {
	return s.active.Load()
}

// shut implements session: the sweeper and shutdown paths close the
// socket, which also unblocks the read loop.
func (s *TCPSession) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == tcpStateClosed {
		return
	}
	s.state = tcpStateClosed
	s.pending = nil
	if s.conn != nil {
		s.conn.Close()
	}
}
