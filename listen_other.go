//go:build !linux

package qtrigger

import (
	"context"
	"net"
)

// listen opens a TCP listener. The backlog is left to the runtime default.
func listen(ctx context.Context, addr string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
