// Package tunem is a userspace network emulator that sits on a
// tun-style layer-3 interface and makes ordinary applications
// experience satellite-grade (DTC) link conditions.
//
// The [Router] is the entry point for the local-forwarding mode. It
// reads raw IPv4 frames from a [TunDevice], keeps per-flow state for
// UDP and TCP so that it can forward traffic to the real network on
// behalf of each flow through ordinary (protected) sockets, and
// synthesises valid reply frames back onto the tun interface. Every
// packet, in both directions, passes through a [Shaper], which applies
// the packet loss, delay distribution, and bandwidth pacing described
// by a [NetworkProfile].
//
// A [Shaper] samples a per-packet delay either from a fixed value or
// from a percentile table using linear interpolation, decides whether
// to drop the packet, and enqueues survivors into a [DelayQueue],
// which releases them in release-time order. Because the sampled
// delays are random, packets may be reordered in flight: this is part
// of the emulated impairment, not a bug.
//
// The [TunnelClient] implements the alternate mode where frames are
// not interpreted at all: it forwards opaque IPv4 frames to a remote
// server over a datagram socket, reusing the same two [Shaper]
// instances but without any protocol layer.
//
// Profiles can be constructed directly, or loaded from YAML using
// [LoadProfile]. Profile updates are pushed atomically into a running
// [Router] with [Router.SetProfile]; no in-flight packet ever observes
// a partially-updated profile.
//
// All scheduling uses the [PacketClock] monotonic millisecond clock,
// which is injectable so that tests can advance time without sleeping.
package tunem
