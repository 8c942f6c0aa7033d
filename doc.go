// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package relay implements a call relay between external callers and
// remote clients holding persistent duplex connections to a central hub.
//
// Each client is connected to the hub by a [Channel] that carries opaque
// text messages, and is named by an identity string. A caller issues a call
// against a named client with [Hub.Call]; the hub sends the request over the
// client's channel and blocks the caller until the client replies, the call
// times out, or the client disconnects.
//
// # Hubs
//
// The core type defined by this package is the [Hub]. To create and start a
// hub:
//
//	h := relay.NewHub(&relay.Options{
//	   Discipline: relay.SingleSlot,
//	   Logger:     slog.Default(),
//	}).Start()
//	defer h.Stop()
//
// Starting a hub starts its liveness prober, which periodically sends a probe
// message to every connected client and evicts clients whose channels no
// longer accept writes. Clients are probed concurrently, and a client whose
// probe is not sent within [Options.ProbeTimeout] is evicted.
//
// # Connections
//
// Connections are accepted by a transport outside this package (see the
// server and peers packages). For each accepted channel, attach it to the
// hub and run its connection task:
//
//	c := h.Attach("dev1", ch)
//	go h.Serve(ctx, c)
//
// At most one connection per identity is live at a time. Attaching a new
// channel under an existing identity closes the old connection, and any call
// in flight on it fails with [ErrDisconnected].
//
// # Calls
//
// To issue a call to a connected client:
//
//	rsp, err := h.Call(ctx, "dev1", map[string]any{
//	   "method":   "GET",
//	   "endpoint": "/status",
//	}, 5*time.Second)
//
// The payload is encoded as JSON and the reply must be valid JSON. Errors
// reported by Call have concrete type [*CallError], and can be matched with
// [errors.Is] against [ErrNotConnected], [ErrAlreadyPending], [ErrTimeout],
// [ErrDisconnected], [ErrSendFailed], and [ErrInvalidResponse].
//
// The call timeout covers sending the request as well as waiting for the
// reply. A call that ends while its request is still being sent evicts the
// client, since a client that does not read its requests cannot answer them.
//
// # Correlation
//
// Clients do not tag their replies, so the hub matches each inbound message
// to a call by the identity of the connection it arrived on. The hub supports
// two disciplines for this, chosen by [Options.Discipline]:
//
//   - [SingleSlot] allows at most one call in flight per client. A second
//     concurrent call fails with [ErrAlreadyPending]. A message arriving when
//     no call is waiting is discarded.
//
//   - [Queued] allows any number of concurrent calls per client, and matches
//     replies to calls in arrival order. This is correct only if the client
//     replies to requests in the order they were sent. A message arriving
//     when no call is waiting is held until the next call claims it.
//
// Probe messages and their acknowledgements, JSON objects whose "action"
// field is "ping" or "pong", are never delivered to a call.
//
// # Metrics
//
// Each hub maintains a collection of metrics while running. Use the
// [Hub.Metrics] method to obtain an [expvar.Map] containing them:
//
//   - calls_out: counter of calls issued
//   - calls_out_failed: counter of calls resulting in errors
//   - calls_pending: gauge of calls currently awaiting a reply
//   - clients_active: gauge of connected clients
//   - messages_received: counter of messages received from clients
//   - messages_sent: counter of messages sent to clients
//   - messages_dropped: counter of replies discarded with no call waiting
//   - probes_sent: counter of liveness probes sent
//   - probes_failed: counter of liveness probes that could not be sent
package relay
