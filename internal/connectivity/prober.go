package connectivity

import (
	"context"
	"fmt"
	"net"
)

// DialProber checks reachability with plain TCP dials against the
// configured health endpoints. Richer transports (HTTP health routes,
// WebSocket pings) can replace it by implementing Prober.
type DialProber struct {
	CloudAddr       string
	RelayAddr       string
	PeripheralAddrs []string
}

func (p *DialProber) ProbeCloud(ctx context.Context) error {
	return dial(ctx, p.CloudAddr)
}

func (p *DialProber) ProbeRelay(ctx context.Context) error {
	return dial(ctx, p.RelayAddr)
}

// ProbePeripherals succeeds when at least one local agent answers:
// a single reachable printer or payment agent is enough for local-only
// operation.
func (p *DialProber) ProbePeripherals(ctx context.Context) error {
	if len(p.PeripheralAddrs) == 0 {
		return fmt.Errorf("no peripheral addresses configured")
	}
	var lastErr error
	for _, addr := range p.PeripheralAddrs {
		if err := dial(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func dial(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
