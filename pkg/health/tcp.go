package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker performs TCP connect checks
type TCPChecker struct {
	// Address is the host:port to dial
	Address string
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:  false,
			Message:  fmt.Sprintf("dial failed: %v", err),
			Duration: time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:  true,
		Message:  "connection accepted",
		Duration: time.Since(start),
	}
}
