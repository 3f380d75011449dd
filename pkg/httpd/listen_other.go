//go:build !aix && !darwin && !dragonfly && !freebsd && !linux && !netbsd && !openbsd && !solaris
// +build !aix,!darwin,!dragonfly,!freebsd,!linux,!netbsd,!openbsd,!solaris

package httpd

import (
	"fmt"
	"net"
)

// Listen opens a TCP listener on 0.0.0.0:port.
// The queue depth is the platform default here, not Backlog.
func Listen(port int) (net.Listener, error) {
	return net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
}
