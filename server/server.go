// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package server implements an HTTP front end for a relay hub.
//
// The server exposes the following routes:
//
//	GET    /ws/{id}       upgrade to a websocket connection for client id
//	POST   /call/{id}     call client id with the JSON request body
//	GET    /clients       list the identities of connected clients
//	DELETE /clients/{id}  disconnect client id
//
// A successful call replies with status 200 and a JSON object:
//
//	{"client_id": "dev1", "result": {"code": 200}}
//
// A failed call replies with a JSON object {"error": "..."} and a status
// reflecting the kind of failure (see [StatusForError]).
//
// Websocket connections accepted by the server are delivered by its Accept
// method, so that a [peers.Loop] can run their connection tasks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/creachadair/relay"
	"github.com/creachadair/relay/channel"
	"github.com/creachadair/relay/peers"
	"github.com/gorilla/websocket"
)

// maxCallBody is the largest request body accepted by the call endpoint.
const maxCallBody = 1 << 20

// Options control the behaviour of a Server. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// If set, the server writes structured logs here. If nil, logs are
	// discarded.
	Logger *slog.Logger

	// If set, this function is consulted during the websocket handshake to
	// check the origin of the request. If nil, all origins are accepted.
	CheckOrigin func(*http.Request) bool
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

func (o *Options) checkOrigin() func(*http.Request) bool {
	if o == nil || o.CheckOrigin == nil {
		return func(*http.Request) bool { return true }
	}
	return o.CheckOrigin
}

// Server is an HTTP handler for a relay hub. It implements the
// [peers.Accepter] interface for the websocket connections it upgrades.
type Server struct {
	hub      *relay.Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
	accepted *peers.Queue
	mux      *http.ServeMux
}

// New constructs a new Server for hub.
func New(hub *relay.Hub, opts *Options) *Server {
	s := &Server{
		hub: hub,
		log: opts.logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.checkOrigin(),
		},
		accepted: peers.NewQueue(),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /ws/{id}", s.handleConnect)
	s.mux.HandleFunc("POST /call/{id}", s.handleCall)
	s.mux.HandleFunc("GET /clients", s.handleList)
	s.mux.HandleFunc("DELETE /clients/{id}", s.handleDisconnect)
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Accept implements the [peers.Accepter] interface. It reports net.ErrClosed
// after s is closed.
func (s *Server) Accept(ctx context.Context) (peers.Accepted, error) { return s.accepted.Accept(ctx) }

// Close stops s from accepting further websocket connections. Connections
// already accepted are not affected.
func (s *Server) Close() error { return s.accepted.Close() }

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client.
		s.log.Warn("websocket upgrade failed", "client", id, "error", err)
		return
	}
	s.log.Debug("websocket accepted", "client", id, "remote", r.RemoteAddr)
	if err := s.accepted.Push(r.Context(), peers.Accepted{
		ID:      id,
		Channel: channel.WebSocket(conn),
	}); err != nil {
		s.log.Warn("connection not accepted", "client", id, "error", err)
	}
}

// A CallResult is the reply body of a successful call.
type CallResult struct {
	ClientID string          `json:"client_id"`
	Result   json.RawMessage `json:"result"`
}

// An ErrorResult is the reply body of a failed request.
type ErrorResult struct {
	Error string `json:"error"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResult{Error: fmt.Sprintf("invalid timeout %q", v)})
			return
		}
		timeout = d
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResult{Error: fmt.Sprintf("reading request: %v", err)})
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResult{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	rsp, err := s.hub.Call(r.Context(), id, json.RawMessage(body), timeout)
	if err != nil {
		s.log.Info("call failed", "client", id, "error", err)
		writeJSON(w, StatusForError(err), ErrorResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CallResult{ClientID: id, Result: rsp})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Clients())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.Disconnect(id); err != nil {
		writeJSON(w, StatusForError(err), ErrorResult{Error: fmt.Sprintf("client %q: %v", id, err)})
		return
	}
	s.log.Info("client disconnected by request", "client", id)
	w.WriteHeader(http.StatusNoContent)
}

// StatusForError returns the HTTP status code that reports err from a call.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotConnected):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrAlreadyPending):
		return http.StatusConflict
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, relay.ErrDisconnected),
		errors.Is(err, relay.ErrSendFailed),
		errors.Is(err, relay.ErrInvalidResponse):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(data, '\n'))
}
