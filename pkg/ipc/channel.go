package ipc

import (
	"github.com/pendulm/lxtrace/pkg/event"
)

// Channel is the in-process unbounded channel the relay re-publishes onto
// (spec §4.5). It is unbounded because the relay must never block on a
// slow application consumer while still draining the socket pair promptly;
// internally it runs a goroutine pumping between an input channel and a
// growable queue, the standard Go idiom for an unbounded channel.
type Channel struct {
	in  chan event.Event
	out chan event.Event
}

// NewChannel starts a Channel's pump goroutine and returns it.
func NewChannel() *Channel {
	c := &Channel{
		in:  make(chan event.Event),
		out: make(chan event.Event),
	}
	go c.pump()
	return c
}

func (c *Channel) pump() {
	defer close(c.out)

	var queue []event.Event
	for {
		if len(queue) == 0 {
			ev, ok := <-c.in
			if !ok {
				return
			}
			queue = append(queue, ev)
			continue
		}

		select {
		case ev, ok := <-c.in:
			if !ok {
				// Drain whatever remains before closing out.
				for _, q := range queue {
					c.out <- q
				}
				return
			}
			queue = append(queue, ev)
		case c.out <- queue[0]:
			queue = queue[1:]
		}
	}
}

// Send enqueues ev. It never blocks on the consumer.
func (c *Channel) Send(ev event.Event) {
	c.in <- ev
}

// Close signals no more events will be sent. The consumer's range over C()
// ends once the queue has fully drained.
func (c *Channel) Close() {
	close(c.in)
}

// C returns the consumer-facing receive channel.
func (c *Channel) C() <-chan event.Event {
	return c.out
}

// Relay reads framed events from r and forwards each onto ch until Eos or
// a read error, then closes ch. It is meant to run on its own goroutine
// inside the relay process (spec §4.5/§5: "the relay blocks on IPC
// receive"). The returned error channel receives at most one value: the
// terminal read error, or nil if the stream ended with a clean Eos.
func Relay(r *Receiver, ch *Channel) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer ch.Close()
		for {
			ev, err := r.Recv()
			if err != nil {
				done <- err
				return
			}
			ch.Send(ev)
			if ev.Payload.Kind == event.PayloadEOS {
				done <- nil
				return
			}
		}
	}()
	return done
}
