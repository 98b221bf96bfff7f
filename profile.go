package tunem

//
// Network profile modeling
//

import (
	"fmt"
	"sort"
)

// Direction identifies one of the two shaping directions.
type Direction int

// DirectionOutbound is the client->network ("up") direction.
const DirectionOutbound = Direction(0)

// DirectionInbound is the network->client ("down") direction.
const DirectionInbound = Direction(1)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// NetworkProfile describes the link impairment to emulate. All three
// sub-configs are optional; a nil sub-config means "no impairment" for
// that dimension. Profiles are immutable once handed to a [Shaper] or
// [Router]: to change conditions, build a new profile and push it as a
// whole.
type NetworkProfile struct {
	// Delay is the OPTIONAL delay configuration.
	Delay *DelayConfig `yaml:"delay"`

	// Loss is the OPTIONAL packet loss configuration.
	Loss *LossConfig `yaml:"loss"`

	// Bandwidth is the OPTIONAL bandwidth configuration.
	Bandwidth *BandwidthConfig `yaml:"bandwidth"`
}

// DelayConfig selects exactly one of three forms: a single fixed
// Value in milliseconds (split 60% up / 40% down, a rule preserved
// from the system this emulator is compatible with), explicit Up and
// Down milliseconds, or a Percentiles table sampled per packet.
type DelayConfig struct {
	// Value is a single one-way delay in milliseconds.
	Value *float64 `yaml:"value"`

	// Up is the explicit client->network delay in milliseconds.
	Up *float64 `yaml:"up"`

	// Down is the explicit network->client delay in milliseconds.
	Down *float64 `yaml:"down"`

	// Percentiles is the percentile table.
	Percentiles *DelayPercentiles `yaml:"percentiles"`
}

// DelayPercentiles is the percentile table from which per-packet
// delays are sampled via linear interpolation. Unset entries are
// simply absent from the table; at least one entry must be set.
type DelayPercentiles struct {
	P25 *PercentileValue `yaml:"p25"`
	P50 *PercentileValue `yaml:"p50"`
	P90 *PercentileValue `yaml:"p90"`
	P95 *PercentileValue `yaml:"p95"`
}

// PercentileValue is one entry of the percentile table: either a
// single Value applied to both directions, or independent Up and Down
// milliseconds. In YAML an entry may be a bare scalar or a mapping.
type PercentileValue struct {
	// Value applies to both directions.
	Value *float64 `yaml:"value"`

	// Up applies to the client->network direction.
	Up *float64 `yaml:"up"`

	// Down applies to the network->client direction.
	Down *float64 `yaml:"down"`
}

// LossConfig selects one of two forms: a single symmetric Percent,
// which normalization splits in half per direction so that end-to-end
// observed loss stays close to the configured figure rather than
// doubling, or explicit Up and Down percentages used verbatim.
type LossConfig struct {
	// Percent is the symmetric loss percentage in [0, 100].
	Percent *float64 `yaml:"percent"`

	// Up is the explicit client->network loss percentage.
	Up *float64 `yaml:"up"`

	// Down is the explicit network->client loss percentage.
	Down *float64 `yaml:"down"`
}

// BandwidthConfig selects one of two forms: a single symmetric Kbps
// applied to each direction, or explicit Up and Down rates.
type BandwidthConfig struct {
	// Kbps is the symmetric link rate in kilobits per second.
	Kbps *float64 `yaml:"kbps"`

	// Up is the explicit client->network rate in kbps.
	Up *float64 `yaml:"up"`

	// Down is the explicit network->client rate in kbps.
	Down *float64 `yaml:"down"`
}

// percentileRow is one normalized row of the percentile table.
type percentileRow struct {
	// pct is the percentile in (0, 100].
	pct float64

	// val holds the per-direction delay in milliseconds, indexed
	// by [Direction].
	val [2]float64
}

// linkShape is the normalized form of a [NetworkProfile]: everything
// is per-direction and the [Shaper] never re-derives a split. The
// zero value means "no impairment".
type linkShape struct {
	// fixedDelay is the per-direction fixed delay in milliseconds,
	// used when percentiles is empty.
	fixedDelay [2]float64

	// percentiles is the sorted percentile table; empty selects
	// fixedDelay.
	percentiles []percentileRow

	// lossRate is the per-direction drop probability in [0, 1].
	lossRate [2]float64

	// kbps is the per-direction link rate; zero means unlimited.
	kbps [2]float64
}

// noShape is the shape of a nil profile.
var noShape = &linkShape{}

// normalize validates the profile and produces its [linkShape]. It is
// the single place where defaulting rules live: a single delay value
// splits 60/40 up/down; a single loss percentage splits in half per
// direction (the doubling guard); a single bandwidth figure applies
// to each direction verbatim. Explicit up/down maps pass through
// untouched.
func (p *NetworkProfile) normalize() (*linkShape, error) {
	if p == nil {
		return noShape, nil
	}
	shape := &linkShape{}
	if err := p.normalizeDelay(shape); err != nil {
		return nil, err
	}
	if err := p.normalizeLoss(shape); err != nil {
		return nil, err
	}
	if err := p.normalizeBandwidth(shape); err != nil {
		return nil, err
	}
	return shape, nil
}

func (p *NetworkProfile) normalizeDelay(shape *linkShape) error {
	d := p.Delay
	if d == nil {
		return nil
	}
	switch {
	case d.Percentiles != nil:
		if d.Value != nil || d.Up != nil || d.Down != nil {
			return fmt.Errorf("%w: delay: percentiles exclude value/up/down", ErrProfileSchema)
		}
		rows, err := d.Percentiles.rows()
		if err != nil {
			return err
		}
		shape.percentiles = rows
	case d.Value != nil:
		if d.Up != nil || d.Down != nil {
			return fmt.Errorf("%w: delay: value excludes up/down", ErrProfileSchema)
		}
		if *d.Value < 0 {
			return fmt.Errorf("%w: delay: negative value", ErrProfileSchema)
		}
		shape.fixedDelay[DirectionOutbound] = *d.Value * 0.6
		shape.fixedDelay[DirectionInbound] = *d.Value * 0.4
	default:
		up, down, err := pairOrZero("delay", d.Up, d.Down)
		if err != nil {
			return err
		}
		shape.fixedDelay[DirectionOutbound] = up
		shape.fixedDelay[DirectionInbound] = down
	}
	return nil
}

func (p *NetworkProfile) normalizeLoss(shape *linkShape) error {
	l := p.Loss
	if l == nil {
		return nil
	}
	switch {
	case l.Percent != nil:
		if l.Up != nil || l.Down != nil {
			return fmt.Errorf("%w: loss: percent excludes up/down", ErrProfileSchema)
		}
		if *l.Percent < 0 || *l.Percent > 100 {
			return fmt.Errorf("%w: loss: percent outside [0, 100]", ErrProfileSchema)
		}
		// Half per direction: both legs together then observe
		// approximately the configured end-to-end rate.
		shape.lossRate[DirectionOutbound] = *l.Percent / 2 / 100
		shape.lossRate[DirectionInbound] = *l.Percent / 2 / 100
	default:
		up, down, err := pairOrZero("loss", l.Up, l.Down)
		if err != nil {
			return err
		}
		if up > 100 || down > 100 {
			return fmt.Errorf("%w: loss: percentage outside [0, 100]", ErrProfileSchema)
		}
		shape.lossRate[DirectionOutbound] = up / 100
		shape.lossRate[DirectionInbound] = down / 100
	}
	return nil
}

func (p *NetworkProfile) normalizeBandwidth(shape *linkShape) error {
	b := p.Bandwidth
	if b == nil {
		return nil
	}
	switch {
	case b.Kbps != nil:
		if b.Up != nil || b.Down != nil {
			return fmt.Errorf("%w: bandwidth: kbps excludes up/down", ErrProfileSchema)
		}
		if *b.Kbps < 0 {
			return fmt.Errorf("%w: bandwidth: negative rate", ErrProfileSchema)
		}
		shape.kbps[DirectionOutbound] = *b.Kbps
		shape.kbps[DirectionInbound] = *b.Kbps
	default:
		up, down, err := pairOrZero("bandwidth", b.Up, b.Down)
		if err != nil {
			return err
		}
		shape.kbps[DirectionOutbound] = up
		shape.kbps[DirectionInbound] = down
	}
	return nil
}

// rows flattens the table into sorted normalized rows.
func (dp *DelayPercentiles) rows() ([]percentileRow, error) {
	entries := []struct {
		pct float64
		pv  *PercentileValue
	}{
		{25, dp.P25},
		{50, dp.P50},
		{90, dp.P90},
		{95, dp.P95},
	}
	rows := []percentileRow{}
	for _, e := range entries {
		if e.pv == nil {
			continue
		}
		up, down, err := e.pv.resolve()
		if err != nil {
			return nil, fmt.Errorf("%w: delay: p%v: %s", ErrProfileSchema, e.pct, err.Error())
		}
		rows = append(rows, percentileRow{pct: e.pct, val: [2]float64{up, down}})
	}
	if len(rows) <= 0 {
		return nil, fmt.Errorf("%w: delay: empty percentile table", ErrProfileSchema)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].pct < rows[j].pct
	})
	return rows, nil
}

// resolve returns the per-direction milliseconds of one entry.
func (pv *PercentileValue) resolve() (up float64, down float64, err error) {
	switch {
	case pv.Value != nil:
		if pv.Up != nil || pv.Down != nil {
			return 0, 0, fmt.Errorf("value excludes up/down")
		}
		if *pv.Value < 0 {
			return 0, 0, fmt.Errorf("negative value")
		}
		return *pv.Value, *pv.Value, nil
	case pv.Up != nil || pv.Down != nil:
		up, down, perr := pairOrZero("", pv.Up, pv.Down)
		if perr != nil {
			return 0, 0, fmt.Errorf("negative value")
		}
		return up, down, nil
	default:
		return 0, 0, fmt.Errorf("empty entry")
	}
}

// pairOrZero resolves an up/down pair where an unset side means zero.
func pairOrZero(section string, up, down *float64) (float64, float64, error) {
	u, d := 0.0, 0.0
	if up != nil {
		u = *up
	}
	if down != nil {
		d = *down
	}
	if u < 0 || d < 0 {
		return 0, 0, fmt.Errorf("%w: %s: negative value", ErrProfileSchema, section)
	}
	return u, d, nil
}
