// Package forward sends odometry from one bus topic to a UDP peer, one
// datagram per message.
package forward

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vio-bridge/internal/bus"
	"github.com/banshee-data/vio-bridge/internal/monitoring"
	"github.com/banshee-data/vio-bridge/internal/msgs"
	"github.com/banshee-data/vio-bridge/internal/timeutil"
)

var logf = monitoring.Component("Forward")

// Forwarder writes odometry datagrams to a UDP address. Send errors are
// counted and reported at most once per log interval.
type Forwarder struct {
	conn        *net.UDPConn
	address     string
	logInterval time.Duration
	clock       timeutil.Clock

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New resolves address and opens the UDP socket.
func New(address string, logInterval time.Duration) (*Forwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Forwarder{
		conn:        conn,
		address:     address,
		logInterval: logInterval,
		clock:       timeutil.RealClock{},
	}, nil
}

// Run forwards every message published on the odometry topic until ctx is
// done or the topic shuts down.
func (f *Forwarder) Run(ctx context.Context, b *bus.Bus, topic string) error {
	t, ok := bus.Lookup[msgs.Odometry](b, topic)
	if !ok {
		return fmt.Errorf("no odometry topic %s", topic)
	}
	id, ch := t.Subscribe()
	defer t.Unsubscribe(id)

	logf("forwarding %s to %s", topic, f.address)

	ticker := f.clock.NewTicker(f.logInterval)
	defer ticker.Stop()

	var (
		buf        []byte
		droppedNow int
		lastErr    error
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			buf = AppendOdometry(buf[:0], &m)
			if _, err := f.conn.Write(buf); err != nil {
				f.dropped.Add(1)
				droppedNow++
				lastErr = err
				continue
			}
			f.sent.Add(1)
		case <-ticker.C():
			// Only log if we have dropped datagrams in this interval
			if droppedNow > 0 {
				logf("dropped %d forwarded datagrams (latest: %v)", droppedNow, lastErr)
				droppedNow = 0
				lastErr = nil
			}
		}
	}
}

// Stats returns datagrams sent and dropped.
func (f *Forwarder) Stats() (sent, dropped uint64) {
	return f.sent.Load(), f.dropped.Load()
}

// Close closes the UDP socket.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}
