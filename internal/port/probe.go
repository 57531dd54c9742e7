// pattern: Imperative Shell

package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// maxProbeAttempts bounds the scan for an alternate port.
const maxProbeAttempts = 100

// ErrNoFreePort is returned when no port in the scanned range is free.
var ErrNoFreePort = errors.New("no free port found")

// NetProber checks ports by binding them on Host.
type NetProber struct {
	Host string
}

// Detect binds port, then successive ports, until one succeeds. Port 0
// asks the OS for an ephemeral port.
func (p NetProber) Detect(ctx context.Context, port int) (int, error) {
	if port == 0 {
		return p.bind(ctx, 0)
	}
	for candidate := port; candidate < port+maxProbeAttempts && candidate <= 65535; candidate++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if got, err := p.bind(ctx, candidate); err == nil {
			return got, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, port, port+maxProbeAttempts-1)
}

func (p NetProber) bind(ctx context.Context, port int) (int, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
