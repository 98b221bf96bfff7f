package tunem

//
// Tun devices
//

import (
	"os"
	"sync"
)

// FileTun is a [TunDevice] over an already-open tun file descriptor,
// as handed over by the host OS VPN machinery. Reads yield one full
// IPv4 frame each; closing the file unblocks a pending read.
type FileTun struct {
	// file wraps the tun file descriptor.
	file *os.File
}

// NewFileTun wraps the given tun file descriptor. The [FileTun]
// TAKES OWNERSHIP of the descriptor and closes it on Close.
func NewFileTun(fd int, name string) *FileTun {
	return &FileTun{file: os.NewFile(uintptr(fd), name)}
}

var _ TunDevice = &FileTun{}

// ReadPacket implements TunDevice.
func (t *FileTun) ReadPacket(buf []byte) (int, error) {
	return t.file.Read(buf)
}

// WritePacket implements TunDevice.
func (t *FileTun) WritePacket(frame []byte) error {
	_, err := t.file.Write(frame)
	return err
}

// Close implements TunDevice.
func (t *FileTun) Close() error {
	return t.file.Close()
}

// MemoryTun is an in-memory [TunDevice] for tests and tooling: the
// "application" side injects frames with [MemoryTun.InjectPacket] and
// collects synthesised replies from [MemoryTun.Replies]. The zero
// value is invalid; use [NewMemoryTun] to construct.
type MemoryTun struct {
	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// closed is closed when the device closes.
	closed chan struct{}

	// incoming queues injected frames towards ReadPacket.
	incoming chan []byte

	// replies queues frames written by the router.
	replies chan []byte
}

// NewMemoryTun creates a [MemoryTun] with the given queue depth.
func NewMemoryTun(depth int) *MemoryTun {
	return &MemoryTun{
		closeOnce: sync.Once{},
		closed:    make(chan struct{}),
		incoming:  make(chan []byte, depth),
		replies:   make(chan []byte, depth),
	}
}

var _ TunDevice = &MemoryTun{}

// InjectPacket makes frame available to the next ReadPacket, as if an
// application behind the tun had emitted it.
func (t *MemoryTun) InjectPacket(frame []byte) error {
	select {
	case t.incoming <- frame:
		return nil
	case <-t.closed:
		return ErrRouterClosed
	}
}

// Replies returns the channel of frames the router wrote back.
func (t *MemoryTun) Replies() <-chan []byte {
	return t.replies
}

// ReadPacket implements TunDevice.
func (t *MemoryTun) ReadPacket(buf []byte) (int, error) {
	select {
	case frame := <-t.incoming:
		return copy(buf, frame), nil
	case <-t.closed:
		return 0, os.ErrClosed
	}
}

// WritePacket implements TunDevice.
func (t *MemoryTun) WritePacket(frame []byte) error {
	// Own the bytes: the router may reuse its buffer.
	dup := make([]byte, len(frame))
	copy(dup, frame)
	select {
	case t.replies <- dup:
		return nil
	case <-t.closed:
		return os.ErrClosed
	default:
		return ErrPacketDropped
	}
}

// Close implements TunDevice.
func (t *MemoryTun) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
