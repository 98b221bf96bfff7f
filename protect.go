package tunem

//
// Protected native sockets
//

import (
	"fmt"
	"net"
	"syscall"
)

// NewProtectedDial builds the default [DialFunc]: a [net.Dialer]
// whose sockets are handed to protect before connecting, so the host
// OS routes their traffic out of the physical NIC instead of looping
// it back into the tun device. A nil protect yields a plain dialer.
func NewProtectedDial(protect SocketProtector) DialFunc {
	dialer := &net.Dialer{
		Control: protectControl(protect),
	}
	return func(network, address string) (net.Conn, error) {
		return dialer.Dial(network, address)
	}
}

// protectControl adapts a [SocketProtector] to the [net.Dialer]
// Control hook, which runs after socket creation and before connect —
// exactly the window in which protection must happen.
func protectControl(protect SocketProtector) func(network, address string, c syscall.RawConn) error {
	if protect == nil {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var protectErr error
		err := c.Control(func(fd uintptr) {
			protectErr = protect(int(fd))
		})
		if err != nil {
			return fmt.Errorf("tunem: raw control: %w", err)
		}
		if protectErr != nil {
			return fmt.Errorf("%w: %s", ErrProtectFailed, protectErr.Error())
		}
		return nil
	}
}
