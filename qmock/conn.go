package qmock

import (
	"net"
	"sync"
)

// LossyPacketConn wraps a net.PacketConn and can silently drop every packet
// in both directions, simulating an unreachable peer.
type LossyPacketConn struct {
	net.PacketConn

	mu      sync.RWMutex
	drop    bool
	dropped int
}

func NewLossyPacketConn(conn net.PacketConn) *LossyPacketConn {
	return &LossyPacketConn{PacketConn: conn}
}

// Drop starts or stops dropping packets.
func (c *LossyPacketConn) Drop(drop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop = drop
}

// Dropped returns the number of packets dropped so far.
func (c *LossyPacketConn) Dropped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

func (c *LossyPacketConn) dropping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drop {
		c.dropped++
	}
	return c.drop
}

func (c *LossyPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil || !c.dropping() {
			return n, addr, err
		}
	}
}

func (c *LossyPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.dropping() {
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}
