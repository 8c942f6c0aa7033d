// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
)

// A Conn is the live connection to one client. It serializes writes to the
// underlying channel, which must therefore be used by at most one reader
// besides the Conn.
type Conn struct {
	id  string
	ch  Channel
	out sync.Mutex // held while sending

	closed atomic.Bool
}

// NewConn constructs a connection for the client with the given identity
// over ch.
func NewConn(id string, ch Channel) *Conn { return &Conn{id: id, ch: ch} }

// ID returns the client identity of c.
func (c *Conn) ID() string { return c.id }

// Send sends a text message to the client. Send is safe for concurrent use.
// Once c is closed, Send reports an error wrapping net.ErrClosed.
func (c *Conn) Send(text string) error {
	c.out.Lock()
	defer c.out.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("connection %q: %w", c.id, net.ErrClosed)
	}
	return c.ch.Send(text)
}

// Close closes the channel of c. It does not wait for a pending Send, and
// only the first call closes the channel; later calls report nil.
func (c *Conn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.ch.Close()
	}
	return nil
}

// IsClosed reports whether c has been closed.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// A Registry maps client identities to their live connections. A zero
// Registry is ready for use. It is safe for concurrent use.
type Registry struct {
	μ     sync.Mutex
	conns map[string]*Conn
}

// Register installs c as the live connection for id. If another connection
// was registered for id it is returned, but it is not closed.
func (r *Registry) Register(id string, c *Conn) (old *Conn) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.conns == nil {
		r.conns = make(map[string]*Conn)
	}
	old = r.conns[id]
	r.conns[id] = c
	return old
}

// Lookup returns the live connection for id, if one exists.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove removes the connection for id if and only if it is c, and reports
// whether a removal occurred. This prevents the cleanup of a stale connection
// from evicting a newer one registered under the same identity.
func (r *Registry) Remove(id string, c *Conn) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if cur, ok := r.conns[id]; ok && cur == c {
		delete(r.conns, id)
		return true
	}
	return false
}

// Snapshot returns the connections currently registered, in order of the
// identities they are registered under.
func (r *Registry) Snapshot() []*Conn {
	r.μ.Lock()
	defer r.μ.Unlock()
	ids := slices.Sorted(maps.Keys(r.conns))
	out := make([]*Conn, len(ids))
	for i, id := range ids {
		out[i] = r.conns[id]
	}
	return out
}

// Identities returns the identities currently registered, in sorted order.
func (r *Registry) Identities() []string {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := slices.AppendSeq(make([]string, 0, len(r.conns)), maps.Keys(r.conns))
	slices.Sort(out)
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.conns)
}
