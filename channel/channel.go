// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the relay.Channel interface.
package channel

import (
	"net"
	"sync"

	"github.com/creachadair/relay"
)

// Direct constructs a connected pair of in-memory channels that pass
// messages directly. Messages sent to A are received by B and vice versa.
// Closing either channel closes both.
func Direct() (A, B relay.Channel) {
	a2b := make(chan string)
	b2a := make(chan string)
	p := &pipe{done: make(chan struct{})}
	A = direct{out: a2b, in: b2a, p: p}
	B = direct{out: b2a, in: a2b, p: p}
	return
}

// pipe is the shared close state of a direct pair.
type pipe struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	out chan<- string
	in  <-chan string
	p   *pipe
}

// Send implements a method of the [relay.Channel] interface.
func (d direct) Send(msg string) error {
	select {
	case <-d.p.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- msg:
		return nil
	case <-d.p.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [relay.Channel] interface.
func (d direct) Recv() (string, error) {
	select {
	case msg := <-d.in:
		return msg, nil
	case <-d.p.done:
		return "", net.ErrClosed
	}
}

// Close implements a method of the [relay.Channel] interface.
func (d direct) Close() error {
	err := net.ErrClosed
	d.p.once.Do(func() { close(d.p.done); err = nil })
	return err
}
