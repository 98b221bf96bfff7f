package tunem

//
// Packet router
//

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// RouterConfig contains config for creating a [Router]. Make sure you
// initialize the fields marked as MANDATORY.
type RouterConfig struct {
	// Clock is the OPTIONAL packet clock; nil selects [SystemClock].
	Clock PacketClock

	// Dial is the OPTIONAL dial function for native sockets; nil
	// selects a protected dialer built from Protect.
	Dial DialFunc

	// IdleTimeout is the OPTIONAL session idle timeout; zero selects
	// [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Logger is the MANDATORY logger.
	Logger Logger

	// Profile is the OPTIONAL initial network profile; nil means no
	// impairment until [Router.SetProfile] is called.
	Profile *NetworkProfile

	// Protect is the OPTIONAL socket protector applied to every
	// native socket before it connects.
	Protect SocketProtector

	// QueueHighWater is the OPTIONAL per-direction delay queue
	// capacity; zero selects the default.
	QueueHighWater int

	// RejectTCPPorts is the OPTIONAL list of destination ports whose
	// SYNs are silently ignored; nil selects {853} so that clients
	// fall back from DNS-over-TLS.
	RejectTCPPorts []uint16

	// Tun is the MANDATORY tun device.
	Tun TunDevice

	// TunAddr is the MANDATORY IPv4 address assigned to the tun
	// interface, e.g. "10.0.0.2". Outbound frames with any other
	// source address are dropped.
	TunAddr string
}

// RouterEventKind classifies a [RouterEvent].
type RouterEventKind int

const (
	// RouterEventStarted reports that all router loops are running.
	RouterEventStarted = RouterEventKind(iota)

	// RouterEventTunClosed reports that the tun device failed or was
	// closed underneath us; the router is shutting down.
	RouterEventTunClosed

	// RouterEventStopped reports that shutdown completed.
	RouterEventStopped
)

// RouterEvent is a lifecycle notification delivered on the bounded
// [Router.Events] channel. Fatal events terminate the router;
// everything else is informational.
type RouterEvent struct {
	// Kind classifies the event.
	Kind RouterEventKind

	// Err is the POSSIBLY NIL triggering error.
	Err error

	// Fatal indicates the router stopped because of this event.
	Fatal bool
}

// Router is the top level of the local-forwarding mode: it reads
// IPv4 frames from the tun device, maintains per-flow sessions that
// forward traffic on behalf of the applications behind the tun, and
// synthesises impaired replies back onto it. The zero value is
// invalid; use [NewRouter] to construct, then call [Router.Start].
type Router struct {
	// clock is the scheduling time source.
	clock PacketClock

	// ctrl receives control messages for the supervisor loop.
	ctrl chan any

	// dial opens native sockets.
	dial DialFunc

	// events is the bounded lifecycle notification channel.
	events chan RouterEvent

	// idleTimeout is the session idle timeout.
	idleTimeout time.Duration

	// inbound shapes network->client traffic before the tun write.
	inbound *Shaper

	// ipID is the wrapping 16-bit IP identification counter shared
	// by every synthesised frame.
	ipID atomic.Uint32

	// isnMu guards isnRNG.
	isnMu sync.Mutex

	// isnRNG draws initial sequence numbers.
	isnRNG *rand.Rand

	// logger is the logger to use.
	logger Logger

	// outbound shapes client->network traffic before dispatch to the
	// flow handlers, so the uplink impairment happens before any
	// native socket write.
	outbound *Shaper

	// rejectPorts are the TCP destination ports whose SYNs we ignore.
	rejectPorts map[uint16]bool

	// sessions is the flow session table.
	sessions *SessionTable

	// stats is the native-side byte/packet accounting.
	stats statsCounters

	// stopOnce gives Stop "once" semantics.
	stopOnce sync.Once

	// stopped is closed when shutdown begins.
	stopped chan struct{}

	// tun is the tun device.
	tun TunDevice

	// tunAddr is the tun interface address in host byte order.
	tunAddr uint32

	// wg joins the router loops on shutdown.
	wg sync.WaitGroup
}

// drainWait bounds each blocking drain so the loops can observe
// shutdown reasonably often even when the queues are idle.
const drainWait = 250 * time.Millisecond

// lossLogInterval is how often the supervisor summarises target
// versus observed loss.
const lossLogInterval = 10 * time.Second

// NewRouter validates the config and creates a [Router].
func NewRouter(config *RouterConfig) (*Router, error) {
	if config.Logger == nil {
		return nil, errors.New("tunem: router: nil logger")
	}
	if config.Tun == nil {
		return nil, errors.New("tunem: router: nil tun device")
	}
	tunAddr, ok := ParseIPv4Addr(config.TunAddr)
	if !ok {
		return nil, errors.New("tunem: router: invalid tun address")
	}
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	dial := config.Dial
	if dial == nil {
		dial = NewProtectedDial(config.Protect)
	}
	idleTimeout := config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	rejectPorts := map[uint16]bool{853: true}
	if config.RejectTCPPorts != nil {
		rejectPorts = map[uint16]bool{}
		for _, port := range config.RejectTCPPorts {
			rejectPorts[port] = true
		}
	}
	r := &Router{
		clock:       clock,
		ctrl:        make(chan any, 16),
		dial:        dial,
		events:      make(chan RouterEvent, 16),
		idleTimeout: idleTimeout,
		inbound:     NewShaper(config.Logger, clock, DirectionInbound, config.QueueHighWater),
		ipID:        atomic.Uint32{},
		isnMu:       sync.Mutex{},
		isnRNG:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      config.Logger,
		outbound:    NewShaper(config.Logger, clock, DirectionOutbound, config.QueueHighWater),
		rejectPorts: rejectPorts,
		sessions:    NewSessionTable(),
		stats:       statsCounters{},
		stopOnce:    sync.Once{},
		stopped:     make(chan struct{}),
		tun:         config.Tun,
		tunAddr:     tunAddr,
		wg:          sync.WaitGroup{},
	}
	if config.Profile != nil {
		if err := r.applyProfile(config.Profile); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Start launches the router loops: the tun reader, the two drainers,
// and the supervisor (sweeper, loss summary, control messages).
func (r *Router) Start() {
	r.wg.Add(4)
	go r.readLoop()
	go r.outboundDrainLoop()
	go r.inboundDrainLoop()
	go r.superviseLoop()
	r.logger.Infof("tunem: router %s up", ipToString(r.tunAddr))
	r.notify(RouterEvent{Kind: RouterEventStarted})
}

// Stop shuts the router down: it breaks every blocking wait, closes
// all native sockets, closes the tun device last, and joins the
// loops. It is safe to call more than once.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.outbound.Close()
		r.inbound.Close()
		r.sessions.closeAll()
		r.tun.Close()
	})
	r.wg.Wait()
	r.notify(RouterEvent{Kind: RouterEventStopped})
	r.logger.Infof("tunem: router %s down", ipToString(r.tunAddr))
}

// Events returns the bounded lifecycle notification channel. Events
// overflowing the channel are discarded.
func (r *Router) Events() <-chan RouterEvent {
	return r.events
}

// SetProfile atomically replaces the network profile of both
// directions. The supervisor applies the change between packet
// events; packet processing never blocks on it.
func (r *Router) SetProfile(profile *NetworkProfile) error {
	reply := make(chan error, 1)
	select {
	case r.ctrl <- &setProfileRequest{profile: profile, reply: reply}:
		return <-reply
	case <-r.stopped:
		return ErrRouterClosed
	}
}

// Stats returns a statistics snapshot.
func (r *Router) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case r.ctrl <- &statsRequest{reply: reply}:
		return <-reply
	case <-r.stopped:
		// The counters are atomics: after shutdown we can assemble
		// the snapshot directly.
		return r.snapshot()
	}
}

// setProfileRequest asks the supervisor to swap profiles.
type setProfileRequest struct {
	profile *NetworkProfile
	reply   chan error
}

// statsRequest asks the supervisor for a snapshot.
type statsRequest struct {
	reply chan Stats
}

// applyProfile normalizes once and installs the result into both
// shapers.
func (r *Router) applyProfile(profile *NetworkProfile) error {
	shape, err := profile.normalize()
	if err != nil {
		return err
	}
	r.outbound.setShape(shape)
	r.inbound.setShape(shape)
	r.logger.Info("tunem: profile replaced")
	return nil
}

// snapshot assembles a [Stats] from the live counters.
func (r *Router) snapshot() Stats {
	outTotal, outDropped := r.outbound.Stats()
	inTotal, inDropped := r.inbound.Stats()
	return Stats{
		SentBytes:         r.stats.sentBytes.Load(),
		SentPackets:       r.stats.sentPackets.Load(),
		ReceivedBytes:     r.stats.recvBytes.Load(),
		ReceivedPackets:   r.stats.recvPackets.Load(),
		OutboundQueueSize: r.outbound.QueueLen(),
		InboundQueueSize:  r.inbound.QueueLen(),
		OutboundTotal:     outTotal,
		OutboundDropped:   outDropped,
		InboundTotal:      inTotal,
		InboundDropped:    inDropped,
		TotalDropped:      outDropped + inDropped,
	}
}

// readLoop reads frames from the tun device and submits acceptable
// ones to the outbound shaper. Shaping raw frames before dispatch
// means uplink loss happens before we emulate the remote peer, so a
// lost TCP segment is never ACKed and the client retransmits, like on
// a real lossy uplink.
func (r *Router) readLoop() {
	defer r.wg.Done()
	buf := make([]byte, TunMTU)
	for {
		n, err := r.tun.ReadPacket(buf)
		if err != nil {
			select {
			case <-r.stopped:
			default:
				r.logger.Warnf("tunem: tun read: %s", err.Error())
				r.notify(RouterEvent{Kind: RouterEventTunClosed, Err: err, Fatal: true})
				go r.Stop()
			}
			return
		}
		if n < ipHeaderLen {
			r.logger.Debugf("tunem: dropping short frame (%d bytes)", n)
			continue
		}
		if buf[0]>>4 != 4 {
			// IPv6 and anything else is unsupported.
			r.logger.Debugf("tunem: dropping non-IPv4 frame")
			continue
		}
		if src := beUint32(buf[12:16]); src != r.tunAddr {
			r.logger.Warnf("tunem: %s: dropping spoofed frame from %s",
				ErrSpoofedSource.Error(), ipToString(src))
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		r.outbound.Submit(frame)
	}
}

// outboundDrainLoop pops released outbound frames and dispatches them
// to the flow handlers, which perform the native socket writes.
func (r *Router) outboundDrainLoop() {
	defer r.wg.Done()
	for {
		frame := r.outbound.Drain(drainWait)
		if frame == nil {
			select {
			case <-r.stopped:
				return
			default:
				continue
			}
		}
		r.dispatch(frame)
	}
}

// inboundDrainLoop pops released inbound frames and writes them to
// the tun device.
func (r *Router) inboundDrainLoop() {
	defer r.wg.Done()
	for {
		frame := r.inbound.Drain(drainWait)
		if frame == nil {
			select {
			case <-r.stopped:
				return
			default:
				continue
			}
		}
		if err := r.tun.WritePacket(frame); err != nil {
			select {
			case <-r.stopped:
				return
			default:
				r.logger.Warnf("tunem: tun write: %s", err.Error())
			}
		}
	}
}

// superviseLoop owns the sweeper, the loss summary, and the control
// messages, so that profile swaps and statistics never contend with
// packet processing.
func (r *Router) superviseLoop() {
	defer r.wg.Done()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	lossLog := time.NewTicker(lossLogInterval)
	defer lossLog.Stop()
	for {
		select {
		case <-r.stopped:
			return
		case msg := <-r.ctrl:
			switch req := msg.(type) {
			case *setProfileRequest:
				req.reply <- r.applyProfile(req.profile)
			case *statsRequest:
				req.reply <- r.snapshot()
			}
		case <-sweep.C:
			if evicted := r.sessions.sweepIdle(r.clock.Now(), r.idleTimeout); evicted > 0 {
				r.logger.Infof("tunem: sweeper: evicted %d idle sessions", evicted)
			}
		case <-lossLog.C:
			r.logLossSummary()
		}
	}
}

// logLossSummary emits the periodic target-versus-observed loss line.
func (r *Router) logLossSummary() {
	for _, s := range []*Shaper{r.outbound, r.inbound} {
		total, dropped := s.Stats()
		observed := 0.0
		if total > 0 {
			observed = float64(dropped) / float64(total)
		}
		r.logger.Infof("tunem: loss %s: target %.2f%% observed %.2f%% (%d/%d)",
			s.direction, s.TargetLossRate()*100, observed*100, dropped, total)
	}
}

// dispatch parses one released outbound frame and hands it to the
// protocol handler. Per-packet errors stop here: they are logged and
// absorbed, never propagated.
func (r *Router) dispatch(frame []byte) {
	pkt, err := ParseIPv4(frame)
	if err != nil {
		r.logger.Debugf("tunem: dispatch: %s", err.Error())
		return
	}
	switch pkt.Protocol {
	case protoTCP:
		seg, err := pkt.TCP()
		if err != nil {
			r.logger.Debugf("tunem: dispatch: %s", err.Error())
			return
		}
		r.handleTCP(pkt, seg)
	case protoUDP:
		dgram, err := pkt.UDP()
		if err != nil {
			r.logger.Debugf("tunem: dispatch: %s", err.Error())
			return
		}
		r.handleUDP(pkt, dgram)
	case protoICMP:
		msg, err := pkt.ICMP()
		if err != nil {
			r.logger.Debugf("tunem: dispatch: %s", err.Error())
			return
		}
		r.handleICMP(pkt, msg)
	default:
		r.logger.Debugf("tunem: dispatch: unsupported protocol %d", pkt.Protocol)
	}
}

// submitInbound feeds one synthesised frame to the inbound shaper on
// its way to the tun device.
func (r *Router) submitInbound(frame []byte) {
	r.inbound.Submit(frame)
}

// nextIPID returns the next wrapping 16-bit IP identification.
func (r *Router) nextIPID() uint16 {
	return uint16(r.ipID.Add(1))
}

// randomISN draws an initial sequence number.
func (r *Router) randomISN() uint32 {
	r.isnMu.Lock()
	defer r.isnMu.Unlock()
	return r.isnRNG.Uint32()
}

// notify delivers a lifecycle event without ever blocking.
func (r *Router) notify(event RouterEvent) {
	select {
	case r.events <- event:
	default:
	}
}

// beUint32 reads a big-endian uint32 (a tiny helper for the hot
// source-address check, which runs before full parsing).
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
