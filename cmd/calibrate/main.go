// Command calibrate helps calibrating the [tunem.Shaper]: it pushes
// synthetic packets through a shaper built from a profile and reports
// the empirical delay percentiles and the observed loss.
package main

import (
	"encoding/binary"
	"flag"
	"time"

	"github.com/apex/log"
	"github.com/dtclab/tunem"
	"github.com/montanaflynn/stats"
)

func main() {
	// parse command line flags
	profilePath := flag.String("profile", "", "YAML profile to load")
	delay := flag.Float64("delay", 0, "fixed one-way delay in ms (ignored with -profile)")
	plr := flag.Float64("plr", 0, "loss percentage (ignored with -profile)")
	samples := flag.Int("samples", 10000, "number of packets to push")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	// build the profile
	var profile *tunem.NetworkProfile
	if *profilePath != "" {
		profile = tunem.Must1(tunem.LoadProfile(*profilePath))
	} else {
		profile = &tunem.NetworkProfile{
			Delay: &tunem.DelayConfig{Up: delay, Down: delay},
			Loss:  &tunem.LossConfig{Up: plr, Down: plr},
		}
	}

	// create the outbound shaper: calibration is per direction and
	// both directions sample the same machinery
	clock := tunem.SystemClock{}
	shaper := tunem.NewShaper(log.Log, clock, tunem.DirectionOutbound, *samples+1)
	defer shaper.Close()
	tunem.Must0(shaper.SetProfile(profile))

	// submit all packets, stamping each with its submit time
	submitted := map[uint64]int64{}
	for idx := 0; idx < *samples; idx++ {
		payload := make([]byte, 64)
		binary.BigEndian.PutUint64(payload, uint64(idx))
		submitted[uint64(idx)] = clock.Now()
		shaper.Submit(payload)
	}

	// drain and measure
	delays := []float64{}
	deadline := time.Now().Add(2 * time.Minute)
	for {
		total, dropped := shaper.Stats()
		if int64(len(delays)) >= total-dropped {
			break
		}
		if time.Now().After(deadline) {
			log.Warn("calibrate: timed out waiting for packets")
			break
		}
		payload := shaper.Drain(time.Second)
		if payload == nil {
			continue
		}
		idx := binary.BigEndian.Uint64(payload)
		delays = append(delays, float64(clock.Now()-submitted[idx]))
	}

	// report
	total, dropped := shaper.Stats()
	log.Infof("calibrate: %d submitted, %d dropped (target loss %.2f%%)",
		total, dropped, shaper.TargetLossRate()*100)
	if len(delays) > 0 {
		for _, pct := range []float64{25, 50, 90, 95} {
			value := tunem.Must1(stats.Percentile(delays, pct))
			log.Infof("calibrate: p%.0f = %.1f ms", pct, value)
		}
		log.Infof("calibrate: min = %.1f ms max = %.1f ms",
			tunem.Must1(stats.Min(delays)), tunem.Must1(stats.Max(delays)))
	}
}
