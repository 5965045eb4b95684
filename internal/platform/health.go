package platform

import (
	"context"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// GatewayPinger checks whether a gateway host is reachable at the network
// layer. Adapters use it when their socket drops to tell "service down,
// host up" (reconnect with backoff, ErrUnavailable) apart from "host gone"
// (ErrSessionLost, needs external bootstrap).
type GatewayPinger struct {
	timeout time.Duration
	count   int
	logger  *zap.Logger
}

// NewGatewayPinger creates a pinger with the given per-check timeout.
func NewGatewayPinger(timeout time.Duration, logger *zap.Logger) *GatewayPinger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GatewayPinger{
		timeout: timeout,
		count:   2,
		logger:  logger,
	}
}

// Check pings the host and reports reachability and average RTT.
func (g *GatewayPinger) Check(ctx context.Context, host string) (alive bool, rtt time.Duration) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		g.logger.Debug("failed to create pinger", zap.String("host", host), zap.Error(err))
		return false, 0
	}

	pinger.Count = g.count
	pinger.Timeout = g.timeout
	// Raw ICMP sockets require privileged mode on Windows.
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			g.logger.Debug("gateway ping failed", zap.String("host", host), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		return false, 0
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return true, stats.AvgRtt
	}
	return false, 0
}
