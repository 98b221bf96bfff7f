// Command dnsping measures the RTT through the impaired path using
// DNS round trips: it injects real DNS queries into a
// [tunem.MemoryTun]-backed router and waits for the replies that the
// router forwards back from the real resolver.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/dtclab/tunem"
	"github.com/miekg/dns"
)

func main() {
	// parse command line flags
	server := flag.String("server", "8.8.8.8", "DNS server to query")
	domain := flag.String("domain", "dns.google", "domain to resolve")
	count := flag.Int("count", 10, "number of queries")
	profilePath := flag.String("profile", "", "YAML profile to load")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var profile *tunem.NetworkProfile
	if *profilePath != "" {
		profile = tunem.Must1(tunem.LoadProfile(*profilePath))
	}

	// create the in-memory tun and the router forwarding to the
	// real network
	const tunAddr = "10.0.0.2"
	tun := tunem.NewMemoryTun(128)
	router := tunem.Must1(tunem.NewRouter(&tunem.RouterConfig{
		Logger:  log.Log,
		Profile: profile,
		Tun:     tun,
		TunAddr: tunAddr,
	}))
	router.Start()
	defer router.Stop()

	src, _ := tunem.ParseIPv4Addr(tunAddr)
	dst, ok := tunem.ParseIPv4Addr(*server)
	if !ok {
		log.Fatalf("dnsping: invalid server address %s", *server)
	}

	// send DNS pings and measure RTT
	for idx := 0; idx < *count; idx++ {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(*domain), dns.TypeA)
		payload := tunem.Must1(query.Pack())
		srcPort := uint16(40000 + idx)
		frame := tunem.EncodeUDPFrame(uint16(idx+1), src, dst, srcPort, 53, payload)

		fmt.Printf("> A? %s @%s\n", *domain, *server)
		t0 := time.Now()
		tunem.Must0(tun.InjectPacket(frame))

		response, err := awaitReply(tun, srcPort, 5*time.Second)
		delta := time.Since(t0)
		if err != nil {
			fmt.Printf("< [rtt=%s] %s\n", delta, err.Error())
			time.Sleep(time.Second)
			continue
		}
		fmt.Printf("< [rtt=%s] Rcode=%d Answers=%d\n", delta, response.Rcode, len(response.Answer))
		time.Sleep(time.Second)
	}
}

// awaitReply waits for the UDP reply frame addressed to srcPort and
// parses it as DNS.
func awaitReply(tun *tunem.MemoryTun, srcPort uint16, timeout time.Duration) (*dns.Msg, error) {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout")
		case frame := <-tun.Replies():
			pkt, err := tunem.ParseIPv4(frame)
			if err != nil {
				continue
			}
			dgram, err := pkt.UDP()
			if err != nil || dgram.DstPort != srcPort {
				continue
			}
			response := new(dns.Msg)
			if err := response.Unpack(dgram.Payload); err != nil {
				return nil, err
			}
			return response, nil
		}
	}
}
