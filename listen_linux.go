package qtrigger

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listen opens a TCP listener and applies backlog. Linux accepts a second
// listen call on a listening socket and updates its queue length.
func listen(ctx context.Context, addr string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok || backlog <= 0 {
		return ln, nil
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		ln.Close()
		return nil, err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		serr = unix.Listen(int(fd), backlog)
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("set listen backlog: %w", err)
	}
	return ln, nil
}
