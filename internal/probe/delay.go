package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultDelayTimeout bounds a single latency check.
const DefaultDelayTimeout = 3 * time.Second

// Delay measures how long a TCP connect to addr takes. A zero timeout means
// DefaultDelayTimeout.
func Delay(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultDelayTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}
