package tunem

//
// PCAP capture
//

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPTun wraps a [TunDevice] and tees every frame crossing it into
// a PCAP file, for offline inspection of the impaired traffic. The
// zero value is invalid; use [NewPCAPTun] to construct. Writing
// happens on a background goroutine; a full capture channel drops
// from the capture, never from the traffic.
type PCAPTun struct {
	// cancel stops the background writer.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// joined is closed when the background writer has terminated.
	joined chan struct{}

	// logger is the logger to use.
	logger Logger

	// pic is the channel where we post packets to capture.
	pic chan *pcapPacketInfo

	// tun is the wrapped device.
	tun TunDevice
}

var _ TunDevice = &PCAPTun{}

// pcapPacketInfo contains info about one captured packet.
type pcapPacketInfo struct {
	originalLength int
	snapshot       []byte
}

// pcapSnapLen bounds how much of each packet we keep.
const pcapSnapLen = 256

// NewPCAPTun wraps tun and captures into filename.
func NewPCAPTun(logger Logger, tun TunDevice, filename string) *PCAPTun {
	const manyPackets = 4096
	ctx, cancel := context.WithCancel(context.Background())
	pt := &PCAPTun{
		cancel:    cancel,
		closeOnce: sync.Once{},
		joined:    make(chan struct{}),
		logger:    logger,
		pic:       make(chan *pcapPacketInfo, manyPackets),
		tun:       tun,
	}
	go pt.loop(ctx, filename)
	return pt
}

// ReadPacket implements TunDevice.
func (pt *PCAPTun) ReadPacket(buf []byte) (int, error) {
	count, err := pt.tun.ReadPacket(buf)
	if err != nil {
		return 0, err
	}
	pt.deliverPacketInfo(buf[:count])
	return count, nil
}

// WritePacket implements TunDevice.
func (pt *PCAPTun) WritePacket(frame []byte) error {
	pt.deliverPacketInfo(frame)
	return pt.tun.WritePacket(frame)
}

// Close implements TunDevice.
func (pt *PCAPTun) Close() error {
	pt.closeOnce.Do(func() {
		pt.tun.Close()
		pt.cancel()
		<-pt.joined
	})
	return nil
}

// deliverPacketInfo posts one packet to the background writer.
func (pt *PCAPTun) deliverPacketInfo(packet []byte) {
	captureLength := pcapSnapLen
	if len(packet) < captureLength {
		captureLength = len(packet)
	}
	pinfo := &pcapPacketInfo{
		originalLength: len(packet),
		snapshot:       append([]byte{}, packet[:captureLength]...), // duplicate
	}
	select {
	case pt.pic <- pinfo:
	default:
		// just drop from the capture
	}
}

// loop writes the capture file.
func (pt *PCAPTun) loop(ctx context.Context, filename string) {
	defer close(pt.joined)

	filep, err := os.Create(filename)
	if err != nil {
		pt.logger.Warnf("tunem: pcap: os.Create: %s", err.Error())
		return
	}
	defer func() {
		if err := filep.Close(); err != nil {
			pt.logger.Warnf("tunem: pcap: close: %s", err.Error())
			// fallthrough
		}
	}()

	w := pcapgo.NewWriter(filep)
	const largeSnapLen = 262144
	if err := w.WriteFileHeader(largeSnapLen, layers.LinkTypeIPv4); err != nil {
		pt.logger.Warnf("tunem: pcap: WriteFileHeader: %s", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case pinfo := <-pt.pic:
			ci := gopacket.CaptureInfo{
				Timestamp:      time.Now(),
				CaptureLength:  len(pinfo.snapshot),
				Length:         pinfo.originalLength,
				InterfaceIndex: 0,
				AncillaryData:  []interface{}{},
			}
			if err := w.WritePacket(ci, pinfo.snapshot); err != nil {
				pt.logger.Warnf("tunem: pcap: WritePacket: %s", err.Error())
				// fallthrough
			}
		}
	}
}
