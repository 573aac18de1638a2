package congestion

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

func Test_Controller(t *testing.T) {
	t.Run("Additive growth up to max", func(t *testing.T) {
		c := NewController(2, 8)
		for i := 0; i < 20; i++ {
			c.PacketSent()
			c.AckReceived(1)
		}
		if c.Window() != 8 {
			t.Errorf("expected window capped at 8, got %d", c.Window())
		}
	})

	t.Run("Loss halves window down to min", func(t *testing.T) {
		c := NewController(8, 8)
		c.LossDetected()
		if c.Window() != 4 {
			t.Errorf("expected 4 after halving, got %d", c.Window())
		}
		for i := 0; i < 10; i++ {
			c.LossDetected()
		}
		if c.Window() != MinWindow {
			t.Errorf("expected window floor %d, got %d", MinWindow, c.Window())
		}
	})

	t.Run("CanSend tracks in-flight against credit", func(t *testing.T) {
		c := NewController(1, 4)
		if !c.CanSend() {
			t.Fatal("fresh controller must admit a send")
		}
		c.PacketSent()
		if c.CanSend() {
			t.Error("window 1 with one in flight must not admit")
		}
		c.AckReceived(1)
		if !c.CanSend() {
			t.Error("ack must release credit")
		}
	})

	t.Run("TrySend hands out exactly the available credit", func(t *testing.T) {
		c := NewController(8, 8)
		var granted int64
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.TrySend() {
					atomic.AddInt64(&granted, 1)
				}
			}()
		}
		wg.Wait()
		if granted != 8 {
			t.Errorf("expected 8 grants for window 8, got %d", granted)
		}
		if c.InFlight() != 8 {
			t.Errorf("expected 8 in flight, got %d", c.InFlight())
		}
	})

	t.Run("Window stays within bounds under arbitrary pattern", func(t *testing.T) {
		c := NewController(4, 32)
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 10000; i++ {
			switch rng.Intn(3) {
			case 0:
				c.PacketSent()
			case 1:
				c.AckReceived(rng.Intn(3))
			case 2:
				c.LossDetected()
			}
			if w := c.Window(); w < MinWindow || w > 32 {
				t.Fatalf("window %d out of bounds at step %d", w, i)
			}
			if c.InFlight() < 0 {
				t.Fatalf("negative in-flight at step %d", i)
			}
		}
	})
}
