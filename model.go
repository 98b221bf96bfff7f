package tunem

//
// Data model
//

import (
	"errors"
	"net"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// TunDevice is a layer-3 interface yielding full IPv4 frames with no
// link-layer header. Reads block until a frame is available or the
// device is closed; writes enqueue a synthesised frame for the
// applications behind the device.
type TunDevice interface {
	// ReadPacket reads the next IPv4 frame into buf and returns its
	// length. Frames up to [TunMTU] bytes must fit.
	ReadPacket(buf []byte) (int, error)

	// WritePacket writes one full IPv4 frame to the device.
	WritePacket(frame []byte) error

	// Close closes the device, unblocking pending reads.
	Close() error
}

// SocketProtector marks a native socket so that the host OS routes its
// traffic out of the physical NIC rather than back into the tun
// device. The exact mechanism is host-OS dependent; on Android this is
// VpnService.protect. A nil protector means no protection is needed.
type SocketProtector func(fd int) error

// DialFunc opens a native socket of the given network ("tcp4" or
// "udp4") to address. The [Router] uses it for all upstream
// connections, so tests can substitute in-memory pipes.
type DialFunc func(network, address string) (net.Conn, error)

// TunMTU is the maximum frame size we accept from the tun device.
const TunMTU = 16384

// ErrShaperClosed indicates that the shaper (or its delay queue) has
// been closed and no further packets will be released.
var ErrShaperClosed = errors.New("tunem: shaper closed")

// ErrQueueFull indicates that the delay queue reached its high-water
// mark and the packet was tail-dropped.
var ErrQueueFull = errors.New("tunem: delay queue full")

// ErrPacketDropped indicates that a packet was dropped.
var ErrPacketDropped = errors.New("tunem: packet was dropped")

// ErrParseShortPacket indicates the packet is too short to parse.
var ErrParseShortPacket = errors.New("tunem: parse: packet too short")

// ErrParseVersion indicates that the packet is not IPv4.
var ErrParseVersion = errors.New("tunem: parse: not an IPv4 packet")

// ErrParseTransport indicates that we do not support the packet's
// transport protocol.
var ErrParseTransport = errors.New("tunem: parse: unsupported transport protocol")

// ErrSpoofedSource indicates that an outbound frame did not carry the
// tun interface's assigned source address.
var ErrSpoofedSource = errors.New("tunem: source is not the tun address")

// ErrProtectFailed indicates that the socket protector rejected a
// nascent session's socket.
var ErrProtectFailed = errors.New("tunem: could not protect socket")

// ErrProfileSchema indicates that a [NetworkProfile] is malformed.
var ErrProfileSchema = errors.New("tunem: malformed network profile")

// ErrTunnelHandshake indicates that the tunnel server rejected or
// garbled the handshake.
var ErrTunnelHandshake = errors.New("tunem: tunnel handshake failed")

// ErrRouterClosed indicates that the router has been stopped.
var ErrRouterClosed = errors.New("tunem: router closed")

// NullLogger is a [Logger] that does not emit logs.
type NullLogger struct{}

// Debug implements Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

var _ Logger = &NullLogger{}
