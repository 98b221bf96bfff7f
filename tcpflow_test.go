package tunem

import (
	"bytes"
	"testing"
	"time"
)

// tcpTestConn is an established pseudo-connection: the client-side
// state plus the server end of the native pipe.
type tcpTestConn struct {
	clientSeq uint32 // next SEQ the client sends
	serverISN uint32 // ISN the router picked for its side
	serverSeq uint32 // next SEQ we expect from the router
	sport     uint16
	dport     uint16
	server    *testServerConn
}

// tcpHandshake performs SYN / SYN+ACK / ACK through the router and
// returns the established pseudo-connection.
func tcpHandshake(t *testing.T, tun *MemoryTun, dialer *testDialer, sport, dport uint16) *tcpTestConn {
	t.Helper()
	const clientISN = uint32(1000)

	syn := EncodeTCPFrame(1, testClientAddr(), testRemoteAddr(),
		sport, dport, clientISN, 0, tcpFlagSYN, nil)
	if err := tun.InjectPacket(syn); err != nil {
		t.Fatal(err)
	}

	synack := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.SYN() && seg.ACK() && seg.DstPort == sport
	})
	if synack.Ack != clientISN+1 {
		t.Fatalf("SYN+ACK acknowledges %d, expected %d", synack.Ack, clientISN+1)
	}

	conn := &tcpTestConn{
		clientSeq: clientISN + 1,
		serverISN: synack.Seq,
		serverSeq: synack.Seq + 1,
		sport:     sport,
		dport:     dport,
		server:    dialer.await(t, 5*time.Second),
	}

	ack := EncodeTCPFrame(2, testClientAddr(), testRemoteAddr(),
		sport, dport, conn.clientSeq, conn.serverSeq, tcpFlagACK, nil)
	if err := tun.InjectPacket(ack); err != nil {
		t.Fatal(err)
	}
	return conn
}

// send injects a data segment with an explicit sequence number.
func (c *tcpTestConn) send(t *testing.T, tun *MemoryTun, seq uint32, payload []byte) {
	t.Helper()
	frame := EncodeTCPFrame(99, testClientAddr(), testRemoteAddr(),
		c.sport, c.dport, seq, c.serverSeq, tcpFlagACK|tcpFlagPSH, payload)
	if err := tun.InjectPacket(frame); err != nil {
		t.Fatal(err)
	}
}

func TestTCPHandshakeAndEcho(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51000, 80)

	// client -> server
	request := []byte("GET / HTTP/1.0\r\n\r\n")
	conn.send(t, tun, conn.clientSeq, request)
	got := make([]byte, len(request))
	readFull(t, conn.server, got, 5*time.Second)
	if !bytes.Equal(got, request) {
		t.Fatalf("server received %q", got)
	}

	// the router acknowledges the request bytes
	wantAck := conn.clientSeq + uint32(len(request))
	awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.ACK() && !seg.SYN() && seg.Ack == wantAck && len(seg.Payload) == 0
	})

	// server -> client, two chunks: the synthesised SEQ numbers must
	// be contiguous across chunks
	first := []byte("HTTP/1.0 200 OK\r\n")
	second := []byte("\r\nhello")
	if _, err := conn.server.Write(first); err != nil {
		t.Fatal(err)
	}
	data1 := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return len(seg.Payload) > 0
	})
	if data1.Seq != conn.serverSeq {
		t.Fatalf("first chunk SEQ %d, expected %d", data1.Seq, conn.serverSeq)
	}
	if !bytes.Equal(data1.Payload, first) {
		t.Fatalf("first chunk payload %q", data1.Payload)
	}
	if _, err := conn.server.Write(second); err != nil {
		t.Fatal(err)
	}
	data2 := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return len(seg.Payload) > 0
	})
	if data2.Seq != conn.serverSeq+uint32(len(first)) {
		t.Fatalf("second chunk SEQ %d is not contiguous", data2.Seq)
	}
}

// A retransmitted segment is forwarded to the native socket exactly
// once, and every retransmission is re-acknowledged.
func TestTCPDuplicateSegmentForwardedOnce(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51001, 80)

	payload := bytes.Repeat([]byte("d"), 100)
	conn.send(t, tun, conn.clientSeq, payload)
	got := make([]byte, 100)
	readFull(t, conn.server, got, 5*time.Second)

	wantAck := conn.clientSeq + 100
	awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.ACK() && seg.Ack == wantAck
	})

	// duplicate: must be re-ACKed but not forwarded
	conn.send(t, tun, conn.clientSeq, payload)
	awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.ACK() && seg.Ack == wantAck
	})

	// nothing further arrived on the native socket
	conn.server.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := conn.server.Read(buf); err == nil {
		t.Fatalf("duplicate bytes reached the server: %d", n)
	}
}

// Segments arriving as A, C, B are delivered to the native socket as
// the in-order byte stream A||B||C, and the cumulative ACK jumps to
// the end of C once B fills the gap.
func TestTCPOutOfOrderReassembly(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51002, 80)

	segA := bytes.Repeat([]byte("a"), 100)
	segB := bytes.Repeat([]byte("b"), 100)
	segC := bytes.Repeat([]byte("c"), 50)

	collected := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 250)
		conn.server.SetReadDeadline(time.Now().Add(5 * time.Second))
		total := 0
		for total < 250 {
			n, err := conn.server.Read(buf[total:])
			if err != nil {
				break
			}
			total += n
		}
		collected <- buf[:total]
	}()

	conn.send(t, tun, conn.clientSeq, segA)     // in order
	conn.send(t, tun, conn.clientSeq+200, segC) // gap
	conn.send(t, tun, conn.clientSeq+100, segB) // fills the gap
	wantFinal := conn.clientSeq + 250           // end of C
	awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.ACK() && seg.Ack == wantFinal
	})

	var stream []byte
	select {
	case stream = <-collected:
	case <-time.After(10 * time.Second):
		t.Fatal("server never received the stream")
	}
	expect := append(append(append([]byte{}, segA...), segB...), segC...)
	if !bytes.Equal(stream, expect) {
		t.Fatalf("stream is not A||B||C: got %d bytes %q...", len(stream), stream[:10])
	}
}

func TestTCPSequenceGapTooLargeIsDropped(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51003, 80)

	// way beyond the 65535-byte guard
	conn.send(t, tun, conn.clientSeq+100000, []byte("garbage"))

	// no ACK is emitted and nothing reaches the server
	expectNoFrame(t, tun, 300*time.Millisecond)
	conn.server.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.server.Read(make([]byte, 1)); err == nil {
		t.Fatalf("garbage reached the server: %d bytes", n)
	}
}

func TestTCPRstForUnknownSegment(t *testing.T) {
	_, tun, _ := newTestRouter(t, nil)

	// a stray ACK: the reset mirrors its acknowledgment number
	stray := EncodeTCPFrame(1, testClientAddr(), testRemoteAddr(),
		52000, 80, 5000, 7777, tcpFlagACK, nil)
	if err := tun.InjectPacket(stray); err != nil {
		t.Fatal(err)
	}
	rst := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.RST()
	})
	if rst.Seq != 7777 || rst.ACK() {
		t.Fatalf("unexpected reset: %+v", rst)
	}

	// a stray FIN without ACK: SEQ zero, acknowledging the FIN
	strayFin := EncodeTCPFrame(2, testClientAddr(), testRemoteAddr(),
		52001, 80, 6000, 0, tcpFlagFIN, nil)
	if err := tun.InjectPacket(strayFin); err != nil {
		t.Fatal(err)
	}
	rst = awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.RST() && seg.DstPort == 52001
	})
	if rst.Seq != 0 || !rst.ACK() || rst.Ack != 6001 {
		t.Fatalf("unexpected reset: %+v", rst)
	}
}

func TestTCPRejectedPortSYNIsSilentlyIgnored(t *testing.T) {
	router, tun, dialer := newTestRouter(t, nil)

	// 853 is in the default reject list
	syn := EncodeTCPFrame(1, testClientAddr(), testRemoteAddr(),
		53000, 853, 123, 0, tcpFlagSYN, nil)
	if err := tun.InjectPacket(syn); err != nil {
		t.Fatal(err)
	}

	expectNoFrame(t, tun, 300*time.Millisecond)
	if got := dialer.dialCount(); got != 0 {
		t.Fatalf("rejected SYN was dialed (%d)", got)
	}
	_, tcp := router.sessions.counts()
	if tcp != 0 {
		t.Fatalf("rejected SYN created a session")
	}
}

func TestTCPRetransmittedSYNRepeatsSYNACK(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51004, 80)

	// retransmit the original SYN: same SYN+ACK again
	syn := EncodeTCPFrame(3, testClientAddr(), testRemoteAddr(),
		conn.sport, conn.dport, conn.clientSeq-1, 0, tcpFlagSYN, nil)
	if err := tun.InjectPacket(syn); err != nil {
		t.Fatal(err)
	}
	synack := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.SYN() && seg.ACK()
	})
	if synack.Seq != conn.serverISN || synack.Ack != conn.clientSeq {
		t.Fatalf("retransmitted SYN+ACK has SEQ %d ACK %d, expected %d %d",
			synack.Seq, synack.Ack, conn.serverISN, conn.clientSeq)
	}
}

func TestTCPClientFinTearsDown(t *testing.T) {
	router, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51005, 80)

	fin := EncodeTCPFrame(4, testClientAddr(), testRemoteAddr(),
		conn.sport, conn.dport, conn.clientSeq, conn.serverSeq,
		tcpFlagFIN|tcpFlagACK, nil)
	if err := tun.InjectPacket(fin); err != nil {
		t.Fatal(err)
	}

	finack := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.FIN() && seg.ACK()
	})
	if finack.Ack != conn.clientSeq+1 {
		t.Fatalf("FIN+ACK acknowledges %d, expected %d", finack.Ack, conn.clientSeq+1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, tcp := router.sessions.counts(); tcp == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not removed after FIN")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTCPUpstreamCloseEmitsFin(t *testing.T) {
	_, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51006, 80)

	// orderly close of the native socket propagates as FIN+ACK
	conn.server.Close()
	finack := awaitTCP(t, tun, 5*time.Second, func(seg *TCPSegment) bool {
		return seg.FIN() && seg.ACK()
	})
	if finack.Seq != conn.serverSeq {
		t.Fatalf("FIN has SEQ %d, expected %d", finack.Seq, conn.serverSeq)
	}
}

func TestTCPClientRstClosesSession(t *testing.T) {
	router, tun, dialer := newTestRouter(t, nil)
	conn := tcpHandshake(t, tun, dialer, 51007, 80)

	rst := EncodeTCPFrame(5, testClientAddr(), testRemoteAddr(),
		conn.sport, conn.dport, conn.clientSeq, 0, tcpFlagRST, nil)
	if err := tun.InjectPacket(rst); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, tcp := router.sessions.counts(); tcp == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session survived the client RST")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSeqDiff(t *testing.T) {
	type testcase struct {
		name   string
		a      uint32
		b      uint32
		expect int32
	}
	testcases := []testcase{{
		name:   "equal",
		a:      100,
		b:      100,
		expect: 0,
	}, {
		name:   "simple ahead",
		a:      200,
		b:      100,
		expect: 100,
	}, {
		name:   "simple behind",
		a:      100,
		b:      200,
		expect: -100,
	}, {
		name:   "ahead across the wrap point",
		a:      10,
		b:      0xfffffff0,
		expect: 26,
	}, {
		name:   "behind across the wrap point",
		a:      0xfffffff0,
		b:      10,
		expect: -26,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if got := seqDiff(tc.a, tc.b); got != tc.expect {
				t.Fatalf("seqDiff(%d, %d) = %d, expected %d", tc.a, tc.b, got, tc.expect)
			}
		})
	}
}
