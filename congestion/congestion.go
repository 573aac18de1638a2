// Package congestion holds the per-session send credit. The credit is
// a packet budget separate from the reliability engine's buffer
// capacity: acks grow it additively, loss halves it. The reliability
// engine consults the credit before admitting new sends.
package congestion

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInitialWindow = 4
	DefaultMaxWindow     = 64
	// The credit never drops below one in-flight packet, otherwise a
	// session could starve itself permanently.
	MinWindow = 1
)

type Controller struct {
	mu       sync.Mutex
	window   int
	maxWin   int
	inFlight int
}

func NewController(initial, max int) *Controller {
	if max < MinWindow {
		max = DefaultMaxWindow
	}
	if initial < MinWindow {
		initial = MinWindow
	}
	if initial > max {
		initial = max
	}
	return &Controller{window: initial, maxWin: max}
}

// CanSend reports whether the credit admits one more in-flight packet.
func (c *Controller) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight < c.window
}

// TrySend reserves one unit of credit. Check and increment are a
// single step, so concurrent senders cannot each take the last unit.
func (c *Controller) TrySend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= c.window {
		return false
	}
	c.inFlight++
	return true
}

func (c *Controller) PacketSent() {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

// AckReceived removes newlyAcked packets from flight and grows the
// window additively while no loss is observed.
func (c *Controller) AckReceived(newlyAcked int) {
	if newlyAcked <= 0 {
		return
	}
	c.mu.Lock()
	c.inFlight -= newlyAcked
	if c.inFlight < 0 {
		c.inFlight = 0
	}
	if c.window < c.maxWin {
		c.window++
	}
	c.mu.Unlock()
}

// LossDetected halves the window. Called on retransmission timer
// expiry and on selective-ack gaps.
func (c *Controller) LossDetected() {
	c.mu.Lock()
	c.window /= 2
	if c.window < MinWindow {
		c.window = MinWindow
	}
	logrus.Trace("[Congestion] Loss, window now ", c.window)
	c.mu.Unlock()
}

// PacketForgotten removes a packet from flight without ack feedback,
// e.g. when a session aborts with pending retransmissions.
func (c *Controller) PacketForgotten() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
