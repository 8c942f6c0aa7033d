// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of text messages shared by the hub
// and one client.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. An implementation should bound the time a Send
// may block on an unresponsive client.
type Channel interface {
	// Send the message to the client.
	Send(string) error

	// Receive the next available message from the client.
	Recv() (string, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Hub relays calls from callers to connected clients. Use NewHub to
// construct a hub, and Start to start its liveness prober.
//
// All the methods of a Hub are safe for concurrent use by multiple
// goroutines.
type Hub struct {
	opts  *Options
	log   *slog.Logger
	mlog  MessageLogger
	reg   Registry
	table *Table
	m     *hubMetrics

	// μ makes a change to the registry and the matching change to the table
	// atomic with respect to other such pairs.
	μ       sync.Mutex
	stopped bool
	stop    context.CancelFunc
	tasks   *taskgroup.Group
}

// NewHub constructs a new unstarted hub with the given options.
// A nil *Options provides default values.
func NewHub(opts *Options) *Hub {
	return &Hub{
		opts:  opts,
		log:   opts.logger(),
		mlog:  opts.logMessages(),
		table: NewTable(opts.discipline()),
		m:     newHubMetrics(),
	}
}

// Start starts the liveness prober for h, if enabled, and returns h. Start
// does not block. It will panic if h has already been started or stopped.
func (h *Hub) Start() *Hub {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.stopped {
		panic("hub is stopped")
	} else if h.tasks != nil {
		panic("hub is already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.tasks = taskgroup.New(nil)
	if iv := h.opts.probeInterval(); iv > 0 {
		h.tasks.Go(func() error { h.probeLoop(ctx, iv); return nil })
	}
	h.log.Info("hub started", "discipline", h.table.Discipline().String(), "probe_interval", h.opts.probeInterval())
	return h
}

// Stop stops the prober, if it is running, and closes the connections of all
// connected clients, failing any calls in flight with ErrDisconnected. After
// Stop, the hub rejects new connections.
func (h *Hub) Stop() error {
	h.μ.Lock()
	h.stopped = true
	stop, tasks := h.stop, h.tasks
	h.stop = nil
	h.μ.Unlock()

	var err error
	if stop != nil {
		stop()
		err = tasks.Wait()
	}
	for _, c := range h.reg.Snapshot() {
		h.detach(c)
	}
	h.log.Info("hub stopped")
	return err
}

// Metrics returns the metrics map for h. It is safe for the caller to add
// additional metrics to the map while the hub is active.
func (h *Hub) Metrics() *expvar.Map { return h.m.emap }

// Discipline reports the correlation discipline used by h.
func (h *Hub) Discipline() Discipline { return h.table.Discipline() }

// Clients returns the identities of the connected clients, in sorted order.
func (h *Hub) Clients() []string { return h.reg.Identities() }

// Attach registers ch as the live connection for the client with the given
// identity, and returns the connection. The caller must then call Serve to
// receive messages from the client.
//
// If another connection was live for id, it is closed, and calls in flight
// on it fail with ErrDisconnected. If h is stopped, the new connection is
// closed immediately.
func (h *Hub) Attach(id string, ch Channel) *Conn {
	c := NewConn(id, ch)

	h.μ.Lock()
	if h.stopped {
		h.μ.Unlock()
		c.Close()
		h.log.Warn("rejected client, hub is stopped", "client", id)
		return c
	}
	old := h.reg.Register(id, c)
	var nf int
	if old != nil {
		nf = h.table.Drop(id, ErrDisconnected)
	} else {
		h.m.clientActive.Add(1)
	}
	h.μ.Unlock()

	if old != nil {
		old.Close()
		h.log.Info("client reconnected, replaced old connection", "client", id, "calls_failed", nf)
	} else {
		h.log.Info("client connected", "client", id)
	}
	return c
}

// Serve receives and routes messages from the client on c until the channel
// closes, ctx ends, or the connection is evicted. When Serve returns, c has
// been removed from the hub and closed, and any calls in flight on it have
// failed with ErrDisconnected.
//
// Serve reports nil if the channel closed normally; otherwise it reports the
// error that terminated the connection. A panic during routing is recovered
// and reported as an error.
func (h *Hub) Serve(ctx context.Context, c *Conn) (err error) {
	defer func() {
		h.detach(c)
		if err != nil {
			h.log.Warn("client connection failed", "client", c.ID(), "error", err)
		} else {
			h.log.Info("client disconnected", "client", c.ID())
		}
	}()
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("connection %q panicked (recovered): %v", c.ID(), x)
		}
	}()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		text, err := c.ch.Recv()
		if err != nil {
			if treatErrorAsSuccess(err) || c.IsClosed() {
				return nil
			}
			return err
		}
		h.m.msgRecv.Add(1)
		h.route(c.ID(), text)
	}
}

// Disconnect closes the connection for id, failing any calls in flight on it
// with ErrDisconnected. It reports ErrNotConnected if id has no connection.
func (h *Hub) Disconnect(id string) error {
	c, ok := h.reg.Lookup(id)
	if !ok || !h.detach(c) {
		return ErrNotConnected
	}
	return nil
}

// Call sends payload, encoded as JSON, to the client with the given identity
// and blocks until the client replies, timeout elapses, ctx ends, or the
// client disconnects. If timeout <= 0, the default call timeout is used.
//
// The deadline covers sending the request as well as waiting for the reply.
// If the call ends while its request is still being sent, the client is not
// reading, and its connection is evicted.
//
// The reply must be valid JSON. An error reported by Call has concrete type
// *CallError.
func (h *Hub) Call(ctx context.Context, id string, payload any, timeout time.Duration) (_ json.RawMessage, err error) {
	h.m.callOut.Add(1)
	defer func() {
		if err != nil {
			h.m.callOutErr.Add(1)
			h.log.Debug("call failed", "client", id, "error", err)
		}
	}()

	req, err := json.Marshal(payload)
	if err != nil {
		return nil, callError(id, ErrSendFailed, err)
	}
	if timeout <= 0 {
		timeout = h.opts.callTimeout()
	}

	// Phase 1: Find the connection and register the wait. These must be done
	// together so that a concurrent disconnect either precedes both, or fails
	// the wait.
	h.μ.Lock()
	c, ok := h.reg.Lookup(id)
	if !ok {
		h.μ.Unlock()
		return nil, callError(id, ErrNotConnected, nil)
	}
	w, err := h.table.Begin(id)
	h.μ.Unlock()
	if err != nil {
		return nil, callError(id, err, nil)
	}
	defer h.table.Release(id, w)

	h.m.callPending.Add(1)
	defer h.m.callPending.Add(-1)

	expired := time.NewTimer(timeout)
	defer expired.Stop()

	// Phase 2: Send the request. We MUST NOT hold the hub lock while doing
	// this, since a send may block until the client reads.
	sent := make(chan error, 1)
	go func() { sent <- h.send(c, string(req)) }()
	select {
	case err := <-sent:
		if err != nil {
			return nil, h.sendFailed(c, w, err)
		}
	case <-expired.C:
		return nil, h.abandonSend(c, w, sent, TimedOut, ErrTimeout, nil)
	case <-ctx.Done():
		st, kind, cause := contextOutcome(ctx.Err())
		return nil, h.abandonSend(c, w, sent, st, kind, cause)
	}

	// Phase 3: Wait for an outcome.
	if _, err := w.await(ctx, expired.C); err != nil {
		return nil, callError(id, w.kind, w.cause)
	}
	if !json.Valid([]byte(w.text)) {
		return nil, callError(id, ErrInvalidResponse, fmt.Errorf("reply is not JSON: %q", truncate(w.text, 64)))
	}
	return json.RawMessage(w.text), nil
}

// sendFailed reports the outcome of a call on c whose request could not be
// sent. If w was already failed, for example by a disconnect, that failure is
// reported. A reply claimed by w was not meant for this request, so it is
// returned to the table.
func (h *Hub) sendFailed(c *Conn, w *Waiter, err error) error {
	if !w.finish(Failed, "", ErrSendFailed, err) {
		<-w.done
		if w.State() != Resolved {
			return callError(c.ID(), w.kind, w.cause)
		}
		h.table.Requeue(c.ID(), w.text)
	}
	return callError(c.ID(), ErrSendFailed, err)
}

// abandonSend ends a call on c whose request is still being sent, with the
// given outcome. The connection is evicted, which unblocks the send.
func (h *Hub) abandonSend(c *Conn, w *Waiter, sent <-chan error, st State, kind, cause error) error {
	w.finish(st, "", kind, cause)
	if h.detach(c) {
		h.log.Warn("send stalled, evicted client", "client", c.ID(), "error", kind)
	}
	<-sent
	<-w.done
	if w.State() == Resolved {
		// The wait claimed a reply before the send began; it does not answer
		// this request, and the eviction has discarded it.
		return callError(c.ID(), kind, cause)
	}
	return callError(c.ID(), w.kind, w.cause)
}

// Probe sends a liveness probe to each connected client, and evicts each
// client whose connection does not accept it within the probe timeout.
// Clients are probed concurrently. Probe reports the number of clients
// evicted. Probe failures are not reported to any caller.
func (h *Hub) Probe() int {
	var nev atomic.Int32
	g := taskgroup.New(nil)
	for _, c := range h.reg.Snapshot() {
		g.Go(func() error {
			h.m.probeSent.Add(1)
			if err := h.sendWithin(c, ProbeMessage, h.opts.probeTimeout()); err != nil {
				h.m.probeFailed.Add(1)
				if h.detach(c) {
					nev.Add(1)
					h.log.Warn("probe failed, evicted client", "client", c.ID(), "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
	return int(nev.Load())
}

// sendWithin sends text on c, and reports an error if the send does not
// complete within d. A stalled send is unblocked by closing c.
func (h *Hub) sendWithin(c *Conn, text string, d time.Duration) error {
	sent := make(chan error, 1)
	go func() { sent <- h.send(c, text) }()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case err := <-sent:
		return err
	case <-t.C:
		c.Close()
		<-sent
		return fmt.Errorf("send stalled for %v", d)
	}
}

func (h *Hub) probeLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := h.Probe(); n > 0 {
				h.log.Info("liveness probe complete", "evicted", n, "clients", h.reg.Len())
			}
		}
	}
}

// route delivers an inbound message from id to the correlation table.
// Probe messages and acknowledgements are consumed here.
func (h *Hub) route(id, text string) {
	if h.mlog != nil {
		h.mlog(MessageInfo{Client: id, Text: text, Sent: false})
	}
	if IsProbe(text) {
		return
	}
	if !h.table.Resolve(id, text) {
		h.m.msgDropped.Add(1)
		h.log.Debug("discarded reply with no call waiting", "client", id)
	}
}

func (h *Hub) send(c *Conn, text string) error {
	if h.mlog != nil {
		h.mlog(MessageInfo{Client: c.ID(), Text: text, Sent: true})
	}
	if err := c.Send(text); err != nil {
		return err
	}
	h.m.msgSent.Add(1)
	return nil
}

// detach removes c from the hub if it is still the live connection for its
// client, fails the calls in flight for that client, and closes c. This is
// the only path by which a connection leaves the registry. It reports whether
// c was removed.
func (h *Hub) detach(c *Conn) bool {
	h.μ.Lock()
	ok := h.reg.Remove(c.ID(), c)
	var nf int
	if ok {
		nf = h.table.Drop(c.ID(), ErrDisconnected)
		h.m.clientActive.Add(-1)
	}
	h.μ.Unlock()

	c.Close()
	if nf > 0 {
		h.log.Info("failed calls for disconnected client", "client", c.ID(), "calls_failed", nf)
	}
	return ok
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
