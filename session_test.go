package tunem

import (
	"fmt"
	"testing"
	"time"
)

func TestFlowKeyString(t *testing.T) {
	key := FlowKey{
		Proto:   FlowUDP,
		SrcAddr: testClientAddr(),
		SrcPort: 40000,
		DstAddr: testRemoteAddr(),
		DstPort: 53,
	}
	expect := "udp 10.0.0.2:40000 -> 93.184.216.34:53"
	if got := key.String(); got != expect {
		t.Fatalf("got %q, expected %q", got, expect)
	}
}

func TestSessionTableInsertIsFirstWriterWins(t *testing.T) {
	table := NewSessionTable()
	key := FlowKey{Proto: FlowUDP, SrcPort: 1, DstPort: 2}

	first := &UDPSession{conn: newFakeConn(), key: key}
	second := &UDPSession{conn: newFakeConn(), key: key}

	if _, inserted := table.insertUDP(key, first); !inserted {
		t.Fatal("first insert failed")
	}
	incumbent, inserted := table.insertUDP(key, second)
	if inserted || incumbent != first {
		t.Fatal("second insert displaced the incumbent")
	}
	if got := table.lookupUDP(key); got != first {
		t.Fatal("lookup returned the wrong session")
	}

	// removing checks identity: a stale remove must not delete the
	// incumbent
	table.removeUDP(key, second)
	if got := table.lookupUDP(key); got != first {
		t.Fatal("stale remove deleted the incumbent")
	}
	table.removeUDP(key, first)
	if got := table.lookupUDP(key); got != nil {
		t.Fatal("remove did not delete the session")
	}
}

// A router left idle past the timeout loses all its sessions at the
// next sweep, and their native sockets are freed.
func TestSweeperEvictsIdleSessions(t *testing.T) {
	clock := &fakeClock{}
	tun := NewMemoryTun(4096)
	router, err := NewRouter(&RouterConfig{
		Clock:   clock,
		Dial:    fakeConnDial,
		Logger:  &NullLogger{},
		Tun:     tun,
		TunAddr: testClientAddrString,
	})
	if err != nil {
		t.Fatal(err)
	}

	// open 100 TCP sessions and a few UDP ones by dispatching
	// directly, without starting the router loops
	for idx := 0; idx < 100; idx++ {
		syn := EncodeTCPFrame(uint16(idx), testClientAddr(), testRemoteAddr(),
			uint16(50000+idx), 443, 1000, 0, tcpFlagSYN, nil)
		router.dispatch(syn)
	}
	for idx := 0; idx < 5; idx++ {
		dgram := EncodeUDPFrame(uint16(idx), testClientAddr(), testRemoteAddr(),
			uint16(60000+idx), 53, []byte("x"))
		router.dispatch(dgram)
	}

	// give the connect goroutines a moment to settle
	deadline := time.Now().Add(5 * time.Second)
	for {
		udp, tcp := router.sessions.counts()
		if udp == 5 && tcp == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sessions not established: %d udp, %d tcp", udp, tcp)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 310 simulated seconds of silence pass; the next sweep is past
	// the 300s idle horizon
	clock.Advance(310_000)
	evicted := router.sessions.sweepIdle(clock.Now(), router.idleTimeout)
	if evicted != 105 {
		t.Fatalf("evicted %d sessions, expected 105", evicted)
	}
	udp, tcp := router.sessions.counts()
	if udp != 0 || tcp != 0 {
		t.Fatalf("sessions survived the sweep: %d udp, %d tcp", udp, tcp)
	}
}

// Fresh activity protects a session from the sweeper.
func TestSweeperKeepsActiveSessions(t *testing.T) {
	clock := &fakeClock{}
	tun := NewMemoryTun(64)
	router, err := NewRouter(&RouterConfig{
		Clock:   clock,
		Dial:    fakeConnDial,
		Logger:  &NullLogger{},
		Tun:     tun,
		TunAddr: testClientAddrString,
	})
	if err != nil {
		t.Fatal(err)
	}

	stale := EncodeUDPFrame(1, testClientAddr(), testRemoteAddr(), 61000, 53, []byte("a"))
	router.dispatch(stale)
	clock.Advance(200_000)
	fresh := EncodeUDPFrame(2, testClientAddr(), testRemoteAddr(), 61001, 53, []byte("b"))
	router.dispatch(fresh)
	clock.Advance(150_000)

	// the first session is 350s idle, the second only 150s
	if evicted := router.sessions.sweepIdle(clock.Now(), router.idleTimeout); evicted != 1 {
		t.Fatalf("evicted %d sessions, expected 1", evicted)
	}
	udp, _ := router.sessions.counts()
	if udp != 1 {
		t.Fatalf("expected 1 surviving session, got %d", udp)
	}
}

func TestSessionTableCloseAll(t *testing.T) {
	table := NewSessionTable()
	conns := []*fakeConn{}
	for idx := 0; idx < 10; idx++ {
		conn := newFakeConn()
		conns = append(conns, conn)
		key := FlowKey{Proto: FlowUDP, SrcPort: uint16(idx)}
		table.insertUDP(key, &UDPSession{
			conn:   conn,
			key:    key,
			router: &Router{logger: &NullLogger{}, sessions: table},
		})
	}

	table.closeAll()

	udp, tcp := table.counts()
	if udp != 0 || tcp != 0 {
		t.Fatalf("closeAll left %d udp, %d tcp", udp, tcp)
	}
	for idx, conn := range conns {
		select {
		case <-conn.closed:
		default:
			t.Fatalf("socket %d was not closed", idx)
		}
	}
}

func TestSessionTableCountsByProtocol(t *testing.T) {
	table := NewSessionTable()
	for idx := 0; idx < 3; idx++ {
		key := FlowKey{Proto: FlowUDP, SrcPort: uint16(idx)}
		table.insertUDP(key, &UDPSession{conn: newFakeConn(), key: key})
	}
	key := FlowKey{Proto: FlowTCP, SrcPort: 9}
	table.insertTCP(key, &TCPSession{key: key})

	udp, tcp := table.counts()
	if udp != 3 || tcp != 1 {
		t.Fatalf("got %d udp, %d tcp", udp, tcp)
	}

	if got := fmt.Sprintf("%s", FlowTCP); got != "tcp" {
		t.Fatalf("unexpected proto string %q", got)
	}
}
