// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler implements the client side of a relay connection: it
// receives requests sent by the hub, dispatches them to handler functions,
// and sends back their results.
//
// A request is a JSON object with "method", "endpoint", and "body" fields.
// The reply to a request is the JSON encoding of the handler result, or for
// a failed request, an object with "code" and "error" fields:
//
//	{"code": 404, "error": "no handler for GET /nonesuch"}
//
// Handler functions with typed parameters and results can be adapted to the
// [Func] type using [ParamResultError], [ParamResult], and [ResultError].
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/creachadair/relay"
)

// A Request is a command sent by the hub to a client.
type Request struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// An Error is the reply to a request that failed. A Func may return a value
// of type *Error to control the code reported to the caller; any other error
// is reported with code 500.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

// Error satisfies the error interface.
func (e *Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// Errorf constructs an *Error with the given code and formatted message.
func Errorf(code int, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// A Func handles a request from the hub. Its result is encoded as JSON and
// sent as the reply.
type Func func(context.Context, *Request) (any, error)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the request passed to the handler, or nil if ctx has
// no associated request.
func ContextRequest(ctx context.Context) *Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*Request)
	}
	return nil
}

// Serve receives requests from ch and replies to each using h, until ch
// closes or ctx ends. Requests are handled one at a time, so replies are sent
// in the order the requests arrived. Liveness probes are acknowledged and do
// not reach h.
//
// Serve reports nil if the channel closed or ctx ended; otherwise it reports
// the error that stopped it.
func Serve(ctx context.Context, ch relay.Channel, h Func) error {
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	for {
		msg, err := ch.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if action, ok := relay.ParseProbe(msg); ok {
			if action == "ping" {
				if err := ch.Send(relay.ProbeAck); err != nil {
					return fmt.Errorf("sending probe ack: %w", err)
				}
			}
			continue
		}
		if err := ch.Send(dispatch(ctx, h, msg)); err != nil {
			return fmt.Errorf("sending reply: %w", err)
		}
	}
}

// dispatch decodes a request, invokes h, and returns the encoded reply.
func dispatch(ctx context.Context, h Func, msg string) string {
	var req Request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		return encodeError(Errorf(http.StatusBadRequest, "invalid request: %v", err))
	}

	hctx := context.WithValue(ctx, reqContextKey{}, &req)
	v, err := func() (_ any, err error) {
		// Ensure a panic out of the handler is turned into a graceful reply.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return h(hctx, &req)
	}()
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Code: http.StatusInternalServerError, Message: err.Error()}
		}
		return encodeError(e)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return encodeError(Errorf(http.StatusInternalServerError, "encoding result: %v", err))
	}
	return string(data)
}

func encodeError(e *Error) string {
	data, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("encoding error reply: %v", err)) // cannot fail
	}
	return string(data)
}

// A Mux routes requests to handlers by method and endpoint. A zero Mux is
// ready for use, but must not be copied after first use. It is safe for
// concurrent use.
type Mux struct {
	μ      sync.RWMutex
	routes map[route]Func
}

type route struct{ method, endpoint string }

// Handle registers f for requests with the given method and endpoint, and
// returns m to permit chaining. Methods are matched without regard to case.
// Passing a nil Func removes any handler for the route.
func (m *Mux) Handle(method, endpoint string, f Func) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	r := route{strings.ToUpper(method), endpoint}
	if f == nil {
		delete(m.routes, r)
		return m
	}
	if m.routes == nil {
		m.routes = make(map[route]Func)
	}
	m.routes[r] = f
	return m
}

// Dispatch is a Func that invokes the handler registered for req, or reports
// an *Error with code 404 if there is none.
func (m *Mux) Dispatch(ctx context.Context, req *Request) (any, error) {
	m.μ.RLock()
	f, ok := m.routes[route{strings.ToUpper(req.Method), req.Endpoint}]
	m.μ.RUnlock()
	if !ok {
		return nil, Errorf(http.StatusNotFound, "no handler for %s %s", req.Method, req.Endpoint)
	}
	return f(ctx, req)
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a Func. The request body is
// decoded as JSON into P; an empty body leaves P as its zero value.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) Func {
	return func(ctx context.Context, req *Request) (any, error) {
		var p P
		if err := unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		return f(ctx, p)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a Func.
func ParamResult[P, R any](f func(context.Context, P) R) Func {
	return func(ctx context.Context, req *Request) (any, error) {
		var p P
		if err := unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		return f(ctx, p), nil
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a Func.
func ResultError[R any](f func(context.Context) (R, error)) Func {
	return func(ctx context.Context, _ *Request) (any, error) { return f(ctx) }
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Errorf(http.StatusBadRequest, "invalid body: %v", err)
	}
	return nil
}
