// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for running and testing a relay hub
// with many connected clients.
package peers

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/relay"
	"github.com/creachadair/relay/channel"
	"github.com/creachadair/taskgroup"
)

// An Accepted is a channel accepted from a client, with the identity the
// client presented during its handshake.
type Accepted struct {
	ID      string
	Channel relay.Channel
}

// An Accepter accepts client connections from a transport.
type Accepter interface {
	Accept(context.Context) (Accepted, error)
}

// Loop accepts connections from acc and runs a connection task on hub for
// each one in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, hub *relay.Hub) error {
	g := taskgroup.New(nil)
	for {
		a, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		c := hub.Attach(a.ID, a.Channel)
		g.Go(func() error {
			hub.Serve(ctx, c)
			return nil
		})
	}
}

// Local is a hub with in-memory connected clients, suitable for testing.
type Local struct {
	Hub *relay.Hub

	tasks *taskgroup.Group
	ctx   context.Context
	stop  context.CancelFunc

	μ   sync.Mutex
	err error // the first error reported by a connection task
}

// NewLocal creates and starts a hub with the given options, with no clients
// connected.
func NewLocal(opts *relay.Options) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		Hub:   relay.NewHub(opts).Start(),
		tasks: taskgroup.New(nil),
		ctx:   ctx,
		stop:  cancel,
	}
}

// Connect attaches a new in-memory client with the given identity to the hub,
// and returns the client end of its channel. The connection is registered
// with the hub before Connect returns.
func (p *Local) Connect(id string) relay.Channel {
	hubEnd, clientEnd := channel.Direct()
	c := p.Hub.Attach(id, hubEnd)
	p.tasks.Go(func() error {
		if err := p.Hub.Serve(p.ctx, c); err != nil {
			p.μ.Lock()
			defer p.μ.Unlock()
			if p.err == nil {
				p.err = err
			}
		}
		return nil
	})
	return clientEnd
}

// Stop shuts down the hub and blocks until all connection tasks have exited.
// It reports the first error reported by a connection task, if any.
func (p *Local) Stop() error {
	herr := p.Hub.Stop()
	p.stop()
	p.tasks.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.err != nil {
		return p.err
	}
	return herr
}

// A Queue is an Accepter that delivers connections pushed to it by a
// transport, such as an HTTP handler that performs a websocket upgrade.
// A Queue must be created with NewQueue.
type Queue struct {
	ch     chan Accepted
	closed chan struct{}
	once   sync.Once
}

// NewQueue constructs a new open Queue.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Accepted), closed: make(chan struct{})}
}

// Push offers a connection to the accepter, blocking until it is accepted,
// ctx ends, or q closes. If the connection is not accepted, Push closes its
// channel and reports an error.
func (q *Queue) Push(ctx context.Context, a Accepted) error {
	select {
	case q.ch <- a:
		return nil
	case <-q.closed:
		a.Channel.Close()
		return net.ErrClosed
	case <-ctx.Done():
		a.Channel.Close()
		return ctx.Err()
	}
}

// Accept implements the Accepter interface. It reports net.ErrClosed after q
// is closed.
func (q *Queue) Accept(ctx context.Context) (Accepted, error) {
	select {
	case a := <-q.ch:
		return a, nil
	case <-q.closed:
		return Accepted{}, net.ErrClosed
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	}
}

// Close closes q, causing pending and future Push and Accept calls to fail.
func (q *Queue) Close() error {
	err := net.ErrClosed
	q.once.Do(func() { close(q.closed); err = nil })
	return err
}
