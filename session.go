package tunem

//
// Flow session table
//

import (
	"fmt"
	"sync"
	"time"
)

// FlowProto is the transport protocol of a [FlowKey].
type FlowProto uint8

// FlowUDP identifies UDP flows.
const FlowUDP = FlowProto(protoUDP)

// FlowTCP identifies TCP flows.
const FlowTCP = FlowProto(protoTCP)

// String implements fmt.Stringer.
func (p FlowProto) String() string {
	if p == FlowTCP {
		return "tcp"
	}
	return "udp"
}

// FlowKey is the 5-tuple identifying a UDP or TCP flow. ICMP keeps no
// key: replies are synthesised immediately.
type FlowKey struct {
	Proto   FlowProto
	SrcAddr uint32
	SrcPort uint16
	DstAddr uint32
	DstPort uint16
}

// String implements fmt.Stringer.
func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s -> %s", k.Proto,
		hostPort(k.SrcAddr, k.SrcPort), hostPort(k.DstAddr, k.DstPort))
}

// DefaultIdleTimeout is how long a session may stay idle before the
// sweeper evicts it.
const DefaultIdleTimeout = 5 * time.Minute

// sweepInterval is how often the sweeper runs.
const sweepInterval = 30 * time.Second

// session is the behaviour the table needs from both flow kinds.
type session interface {
	// lastActive returns the clock reading of the last activity.
	lastActive() int64

	// shut closes the session's native socket and stops its reader.
	shut()
}

// SessionTable holds the keyed UDP and TCP flow maps. The table lock
// covers lookup, insert, and remove only; per-session state has its
// own lock and socket I/O never happens under the table lock.
type SessionTable struct {
	// mu protects the two maps.
	mu sync.Mutex

	// tcp maps keys to TCP sessions.
	tcp map[FlowKey]*TCPSession

	// udp maps keys to UDP sessions.
	udp map[FlowKey]*UDPSession
}

// NewSessionTable creates an empty [SessionTable].
func NewSessionTable() *SessionTable {
	return &SessionTable{
		mu:  sync.Mutex{},
		tcp: map[FlowKey]*TCPSession{},
		udp: map[FlowKey]*UDPSession{},
	}
}

// lookupUDP returns the session for key, or nil.
func (st *SessionTable) lookupUDP(key FlowKey) *UDPSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.udp[key]
}

// insertUDP inserts sess unless key is already present, in which case
// it returns the incumbent and false.
func (st *SessionTable) insertUDP(key FlowKey, sess *UDPSession) (*UDPSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing := st.udp[key]; existing != nil {
		return existing, false
	}
	st.udp[key] = sess
	return sess, true
}

// removeUDP removes key if it still maps to sess.
func (st *SessionTable) removeUDP(key FlowKey, sess *UDPSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.udp[key] == sess {
		delete(st.udp, key)
	}
}

// lookupTCP returns the session for key, or nil.
func (st *SessionTable) lookupTCP(key FlowKey) *TCPSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tcp[key]
}

// insertTCP inserts sess unless key is already present, in which case
// it returns the incumbent and false.
func (st *SessionTable) insertTCP(key FlowKey, sess *TCPSession) (*TCPSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing := st.tcp[key]; existing != nil {
		return existing, false
	}
	st.tcp[key] = sess
	return sess, true
}

// removeTCP removes key if it still maps to sess.
func (st *SessionTable) removeTCP(key FlowKey, sess *TCPSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.tcp[key] == sess {
		delete(st.tcp, key)
	}
}

// sweepIdle closes and removes every session whose last activity is
// older than timeout, returning how many were evicted. Sessions are
// collected under the table lock but shut outside it.
func (st *SessionTable) sweepIdle(now int64, timeout time.Duration) int {
	horizon := now - timeout.Milliseconds()
	stale := []session{}
	st.mu.Lock()
	for key, sess := range st.udp {
		if sess.lastActive() < horizon {
			delete(st.udp, key)
			stale = append(stale, sess)
		}
	}
	for key, sess := range st.tcp {
		if sess.lastActive() < horizon {
			delete(st.tcp, key)
			stale = append(stale, sess)
		}
	}
	st.mu.Unlock()
	for _, sess := range stale {
		sess.shut()
	}
	return len(stale)
}

// closeAll shuts every session and empties the table.
func (st *SessionTable) closeAll() {
	all := []session{}
	st.mu.Lock()
	for key, sess := range st.udp {
		delete(st.udp, key)
		all = append(all, sess)
	}
	for key, sess := range st.tcp {
		delete(st.tcp, key)
		all = append(all, sess)
	}
	st.mu.Unlock()
	for _, sess := range all {
		sess.shut()
	}
}

// counts returns the number of live UDP and TCP sessions.
func (st *SessionTable) counts() (udp int, tcp int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.udp), len(st.tcp)
}
