package tunem

//
// Delay/loss/bandwidth shaper
//

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Shaper applies one direction's impairment: it decides packet loss,
// samples a per-packet delay, paces for bandwidth, and schedules
// surviving frames into a [DelayQueue]. Construct with [NewShaper].
//
// Each Shaper owns its PRNG so outbound randomness never contends
// with inbound randomness.
type Shaper struct {
	// clock is the scheduling time source.
	clock PacketClock

	// direction is the direction this shaper impairs.
	direction Direction

	// dropped counts frames dropped by loss or tail drop.
	dropped atomic.Int64

	// logger is the logger to use.
	logger Logger

	// mu guards rng and nextFree.
	mu sync.Mutex

	// nextFree is the pacing horizon: the earliest release time, in
	// fractional milliseconds, at which the emulated link is free to
	// begin serializing the next frame.
	nextFree float64

	// queue holds frames until their release time.
	queue *DelayQueue

	// rng draws loss and delay samples.
	rng *rand.Rand

	// shape is the current normalized profile snapshot.
	shape atomic.Pointer[linkShape]

	// total counts all submitted frames.
	total atomic.Int64
}

// NewShaper creates a [Shaper] for the given direction with no
// impairment configured. A highWater of zero selects the default
// queue capacity.
func NewShaper(logger Logger, clock PacketClock, direction Direction, highWater int) *Shaper {
	s := &Shaper{
		clock:     clock,
		direction: direction,
		dropped:   atomic.Int64{},
		logger:    logger,
		mu:        sync.Mutex{},
		nextFree:  0,
		queue:     NewDelayQueue(clock, highWater),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		shape:     atomic.Pointer[linkShape]{},
		total:     atomic.Int64{},
	}
	s.shape.Store(noShape)
	return s
}

// seedRNG reseeds the shaper's PRNG (tests want determinism).
func (s *Shaper) seedRNG(seed int64) {
	s.mu.Lock()
	s.rng = rand.New(rand.NewSource(seed))
	s.mu.Unlock()
}

// Submit feeds one packet through the shaper. The packet is either
// dropped (loss draw or tail drop, both counted) or scheduled into
// the delay queue with a release time of now plus the sampled delay
// plus any serialization pacing. The shaper owns payload until it is
// released. Errors never propagate: the caller observes outcomes
// through [Shaper.Stats].
func (s *Shaper) Submit(payload []byte) {
	s.total.Add(1)
	shape := s.shape.Load()
	now := s.clock.Now()

	s.mu.Lock()
	if s.rng.Float64() < shape.lossRate[s.direction] {
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	delayMs := shape.fixedDelay[s.direction]
	if len(shape.percentiles) > 0 {
		// Independent draw: the loss draw must not skew the delay
		// distribution.
		delayMs = shape.sampleDelay(s.direction, s.rng.Float64()*100)
	}
	release := float64(now) + float64(int64(delayMs))
	if kbps := shape.kbps[s.direction]; kbps > 0 {
		// A packet cannot start serializing before the link finished
		// with its predecessor.
		if release < s.nextFree {
			release = s.nextFree
		}
		s.nextFree = release + float64(len(payload)*8)/kbps
	}
	s.mu.Unlock()

	if err := s.queue.Push(payload, int64(release)); err != nil {
		// Tail drop counts toward the loss statistics.
		s.dropped.Add(1)
		s.logger.Debugf("tunem: shaper %s: %s", s.direction, err.Error())
	}
}

// Drain pops the next ready packet, waiting at most maxWait. It
// returns nil when nothing became ready in time or the shaper closed.
func (s *Shaper) Drain(maxWait time.Duration) []byte {
	return s.queue.PopReadyBlocking(maxWait)
}

// SetProfile atomically replaces the profile snapshot and resets the
// loss statistics. Frames already queued keep the release times they
// were assigned: a profile change never retro-delays in-flight data.
func (s *Shaper) SetProfile(profile *NetworkProfile) error {
	shape, err := profile.normalize()
	if err != nil {
		return err
	}
	s.setShape(shape)
	return nil
}

// setShape installs an already-normalized shape (the [Router]
// normalizes once for both directions).
func (s *Shaper) setShape(shape *linkShape) {
	s.shape.Store(shape)
	s.total.Store(0)
	s.dropped.Store(0)
	s.mu.Lock()
	s.nextFree = 0
	s.mu.Unlock()
}

// Stats returns the (total, dropped) counters since the last profile
// change.
func (s *Shaper) Stats() (total int64, dropped int64) {
	return s.total.Load(), s.dropped.Load()
}

// TargetLossRate returns the configured drop probability, for
// target-versus-observed reporting.
func (s *Shaper) TargetLossRate() float64 {
	return s.shape.Load().lossRate[s.direction]
}

// QueueLen returns the number of frames waiting for release.
func (s *Shaper) QueueLen() int {
	return s.queue.Len()
}

// Close closes the underlying delay queue, unblocking drainers.
func (s *Shaper) Close() {
	s.queue.Close()
}

// sampleDelay maps a uniform draw u ∈ [0, 100) through the percentile
// table via linear interpolation: below the first configured
// percentile the delay ramps linearly from zero to the first value;
// between two percentiles it interpolates; beyond the last percentile
// it extrapolates along the slope of the last two rows (flat when the
// table has a single row).
func (shape *linkShape) sampleDelay(direction Direction, u float64) float64 {
	rows := shape.percentiles
	first := rows[0]
	if u < first.pct {
		return first.val[direction] * u / first.pct
	}
	for i := 1; i < len(rows); i++ {
		lo, hi := rows[i-1], rows[i]
		if u <= hi.pct {
			return lo.val[direction] +
				(u-lo.pct)/(hi.pct-lo.pct)*(hi.val[direction]-lo.val[direction])
		}
	}
	last := rows[len(rows)-1]
	if len(rows) < 2 {
		return last.val[direction]
	}
	prev := rows[len(rows)-2]
	slope := (last.val[direction] - prev.val[direction]) / (last.pct - prev.pct)
	return last.val[direction] + (u-last.pct)*slope
}
