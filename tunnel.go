package tunem

//
// Encrypted-tunnel variant client
//
// In this mode we never interpret the traffic: whole IPv4 frames read
// from the tun device are forwarded opaquely to a remote tunnel
// server over a datagram socket, and frames received from the server
// go back onto the tun. The same two shapers impair both directions;
// there is no protocol layer and no session table.
//
// Wire format: control frames start with a 0x00 byte; the keepalive
// is a single 0x00; disconnect is 0x00 0xFF, sent best-effort before
// closing. The handshake consists of the shared secret sent
// NUL-terminated by the client and a space-separated parameter string
// "(m,mtu) (a,addr,prefix) (r,net,prefix) (d,dns) (s,domain)"
// returned by the server. Non-control frames carry raw IPv4 as-is
// (an IPv4 frame always starts with 0x45..0x4f, so the 0x00 tag never
// collides).
//

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// tunnelControlTag is the first byte of every control frame.
const tunnelControlTag = byte(0x00)

// tunnelDisconnect is the disconnect control frame.
var tunnelDisconnect = []byte{0x00, 0xff}

// DefaultKeepaliveInterval is how long the uplink may stay silent
// before we emit a keepalive.
const DefaultKeepaliveInterval = 25 * time.Second

// tunnelHandshakeTimeout bounds the wait for the server's parameter
// string.
const tunnelHandshakeTimeout = 10 * time.Second

// TunnelRoute is one route pushed by the tunnel server.
type TunnelRoute struct {
	// Net is the route's network address.
	Net string

	// Prefix is the route's prefix length.
	Prefix int
}

// TunnelParameters is the configuration the tunnel server returns
// during the handshake.
type TunnelParameters struct {
	// MTU is the tunnel MTU.
	MTU int

	// Address is the address to assign to the tun interface.
	Address string

	// AddressPrefix is the prefix length of Address.
	AddressPrefix int

	// Routes are the routes to install.
	Routes []TunnelRoute

	// DNS are the DNS servers to use.
	DNS []string

	// SearchDomain is the POSSIBLY EMPTY search domain.
	SearchDomain string
}

// parseTunnelParameters parses the server's space-separated parameter
// string.
func parseTunnelParameters(s string) (*TunnelParameters, error) {
	params := &TunnelParameters{}
	for _, token := range strings.Fields(s) {
		if len(token) < 2 || token[0] != '(' || token[len(token)-1] != ')' {
			return nil, fmt.Errorf("%w: bad token %q", ErrTunnelHandshake, token)
		}
		fields := strings.Split(token[1:len(token)-1], ",")
		var err error
		switch fields[0] {
		case "m":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: bad mtu %q", ErrTunnelHandshake, token)
			}
			params.MTU, err = strconv.Atoi(fields[1])
		case "a":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: bad address %q", ErrTunnelHandshake, token)
			}
			params.Address = fields[1]
			params.AddressPrefix, err = strconv.Atoi(fields[2])
		case "r":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%w: bad route %q", ErrTunnelHandshake, token)
			}
			route := TunnelRoute{Net: fields[1]}
			route.Prefix, err = strconv.Atoi(fields[2])
			params.Routes = append(params.Routes, route)
		case "d":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: bad dns %q", ErrTunnelHandshake, token)
			}
			params.DNS = append(params.DNS, fields[1])
		case "s":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: bad domain %q", ErrTunnelHandshake, token)
			}
			params.SearchDomain = fields[1]
		default:
			// Unknown keys are skipped so older clients survive
			// newer servers.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: bad token %q", ErrTunnelHandshake, token)
		}
	}
	return params, nil
}

// TunnelConfig contains config for creating a [TunnelClient]. Make
// sure you initialize the fields marked as MANDATORY.
type TunnelConfig struct {
	// Clock is the OPTIONAL packet clock; nil selects [SystemClock].
	Clock PacketClock

	// Dial is the OPTIONAL dial function; nil selects a protected
	// dialer built from Protect.
	Dial DialFunc

	// KeepaliveInterval is the OPTIONAL keepalive interval; zero
	// selects [DefaultKeepaliveInterval].
	KeepaliveInterval time.Duration

	// Logger is the MANDATORY logger.
	Logger Logger

	// Profile is the OPTIONAL initial network profile.
	Profile *NetworkProfile

	// Protect is the OPTIONAL socket protector.
	Protect SocketProtector

	// QueueHighWater is the OPTIONAL delay queue capacity.
	QueueHighWater int

	// Secret is the MANDATORY shared secret.
	Secret string

	// ServerAddr is the MANDATORY server address ("host:port").
	ServerAddr string

	// Tun is the MANDATORY tun device.
	Tun TunDevice
}

// TunnelClient forwards opaque frames between a tun device and a
// remote tunnel server, shaping both directions. Construct with
// [NewTunnelClient], then call [TunnelClient.Start].
type TunnelClient struct {
	// clock is the scheduling time source.
	clock PacketClock

	// conn is the datagram socket to the server; nil until Start.
	conn net.Conn

	// dial opens the server socket.
	dial DialFunc

	// inbound shapes server->tun traffic.
	inbound *Shaper

	// keepalive is the keepalive interval.
	keepalive time.Duration

	// lastTX is the clock reading of the last uplink transmission.
	lastTX atomic.Int64

	// logger is the logger to use.
	logger Logger

	// params holds the handshake result after Start.
	params *TunnelParameters

	// outbound shapes tun->server traffic.
	outbound *Shaper

	// secret is the shared secret.
	secret string

	// serverAddr is the server address.
	serverAddr string

	// stopOnce gives Stop "once" semantics.
	stopOnce sync.Once

	// stopped is closed when shutdown begins.
	stopped chan struct{}

	// tun is the tun device.
	tun TunDevice

	// wg joins the loops on shutdown.
	wg sync.WaitGroup
}

// NewTunnelClient validates the config and creates a [TunnelClient].
func NewTunnelClient(config *TunnelConfig) (*TunnelClient, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("tunem: tunnel: nil logger")
	}
	if config.Tun == nil {
		return nil, fmt.Errorf("tunem: tunnel: nil tun device")
	}
	if config.Secret == "" {
		return nil, fmt.Errorf("tunem: tunnel: empty secret")
	}
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("tunem: tunnel: empty server address")
	}
	clock := config.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	dial := config.Dial
	if dial == nil {
		dial = NewProtectedDial(config.Protect)
	}
	keepalive := config.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = DefaultKeepaliveInterval
	}
	tc := &TunnelClient{
		clock:      clock,
		conn:       nil,
		dial:       dial,
		inbound:    NewShaper(config.Logger, clock, DirectionInbound, config.QueueHighWater),
		keepalive:  keepalive,
		lastTX:     atomic.Int64{},
		logger:     config.Logger,
		params:     nil,
		outbound:   NewShaper(config.Logger, clock, DirectionOutbound, config.QueueHighWater),
		secret:     config.Secret,
		serverAddr: config.ServerAddr,
		stopOnce:   sync.Once{},
		stopped:    make(chan struct{}),
		tun:        config.Tun,
		wg:         sync.WaitGroup{},
	}
	if config.Profile != nil {
		if err := tc.SetProfile(config.Profile); err != nil {
			return nil, err
		}
	}
	return tc, nil
}

// Start connects to the server, performs the handshake, and launches
// the forwarding loops.
func (tc *TunnelClient) Start() error {
	conn, err := tc.dial("udp4", tc.serverAddr)
	if err != nil {
		return err
	}
	params, err := tc.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}
	tc.conn = conn
	tc.params = params
	tc.lastTX.Store(tc.clock.Now())
	tc.wg.Add(5)
	go tc.tunReadLoop()
	go tc.serverReadLoop()
	go tc.outboundDrainLoop()
	go tc.inboundDrainLoop()
	go tc.keepaliveLoop()
	tc.logger.Infof("tunem: tunnel to %s up (mtu %d)", tc.serverAddr, params.MTU)
	return nil
}

// handshake sends the NUL-terminated secret and parses the server's
// parameter string.
func (tc *TunnelClient) handshake(conn net.Conn) (*TunnelParameters, error) {
	hello := append([]byte(tc.secret), 0x00)
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTunnelHandshake, err.Error())
	}
	conn.SetReadDeadline(time.Now().Add(tunnelHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, TunMTU)
	count, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTunnelHandshake, err.Error())
	}
	return parseTunnelParameters(string(buf[:count]))
}

// Parameters returns the handshake result, nil before Start.
func (tc *TunnelClient) Parameters() *TunnelParameters {
	return tc.params
}

// SetProfile atomically replaces the profile of both directions.
func (tc *TunnelClient) SetProfile(profile *NetworkProfile) error {
	shape, err := profile.normalize()
	if err != nil {
		return err
	}
	tc.outbound.setShape(shape)
	tc.inbound.setShape(shape)
	return nil
}

// Stop sends the disconnect frame best-effort, breaks every blocking
// wait, and closes the tun device last.
func (tc *TunnelClient) Stop() {
	tc.stopOnce.Do(func() {
		close(tc.stopped)
		if tc.conn != nil {
			_, _ = tc.conn.Write(tunnelDisconnect)
			tc.conn.Close()
		}
		tc.outbound.Close()
		tc.inbound.Close()
		tc.tun.Close()
	})
	tc.wg.Wait()
	tc.logger.Infof("tunem: tunnel to %s down", tc.serverAddr)
}

// tunReadLoop submits tun frames to the outbound shaper.
func (tc *TunnelClient) tunReadLoop() {
	defer tc.wg.Done()
	buf := make([]byte, TunMTU)
	for {
		count, err := tc.tun.ReadPacket(buf)
		if err != nil {
			select {
			case <-tc.stopped:
			default:
				tc.logger.Warnf("tunem: tunnel: tun read: %s", err.Error())
				go tc.Stop()
			}
			return
		}
		frame := make([]byte, count)
		copy(frame, buf[:count])
		tc.outbound.Submit(frame)
	}
}

// serverReadLoop submits server frames to the inbound shaper,
// filtering control frames.
func (tc *TunnelClient) serverReadLoop() {
	defer tc.wg.Done()
	buf := make([]byte, TunMTU)
	for {
		count, err := tc.conn.Read(buf)
		if err != nil {
			select {
			case <-tc.stopped:
			default:
				tc.logger.Warnf("tunem: tunnel: server read: %s", err.Error())
				go tc.Stop()
			}
			return
		}
		if count < 1 {
			continue
		}
		if buf[0] == tunnelControlTag {
			tc.logger.Debugf("tunem: tunnel: control frame (%d bytes)", count)
			continue
		}
		frame := make([]byte, count)
		copy(frame, buf[:count])
		tc.inbound.Submit(frame)
	}
}

// outboundDrainLoop writes released frames to the server socket.
func (tc *TunnelClient) outboundDrainLoop() {
	defer tc.wg.Done()
	for {
		frame := tc.outbound.Drain(drainWait)
		if frame == nil {
			select {
			case <-tc.stopped:
				return
			default:
				continue
			}
		}
		if _, err := tc.conn.Write(frame); err != nil {
			select {
			case <-tc.stopped:
				return
			default:
				tc.logger.Warnf("tunem: tunnel: server write: %s", err.Error())
				continue
			}
		}
		tc.lastTX.Store(tc.clock.Now())
	}
}

// inboundDrainLoop writes released frames to the tun device.
func (tc *TunnelClient) inboundDrainLoop() {
	defer tc.wg.Done()
	for {
		frame := tc.inbound.Drain(drainWait)
		if frame == nil {
			select {
			case <-tc.stopped:
				return
			default:
				continue
			}
		}
		if err := tc.tun.WritePacket(frame); err != nil {
			select {
			case <-tc.stopped:
				return
			default:
				tc.logger.Warnf("tunem: tunnel: tun write: %s", err.Error())
			}
		}
	}
}

// keepaliveLoop emits a keepalive whenever the uplink has been silent
// for a full interval.
func (tc *TunnelClient) keepaliveLoop() {
	defer tc.wg.Done()
	ticker := time.NewTicker(tc.keepalive / 4)
	defer ticker.Stop()
	for {
		select {
		case <-tc.stopped:
			return
		case <-ticker.C:
			idle := tc.clock.Now() - tc.lastTX.Load()
			if idle < tc.keepalive.Milliseconds() {
				continue
			}
			if _, err := tc.conn.Write([]byte{tunnelControlTag}); err != nil {
				tc.logger.Debugf("tunem: tunnel: keepalive: %s", err.Error())
				continue
			}
			tc.lastTX.Store(tc.clock.Now())
		}
	}
}
