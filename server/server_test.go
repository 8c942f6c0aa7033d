// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/relay"
	"github.com/creachadair/relay/channel"
	"github.com/creachadair/relay/handler"
	"github.com/creachadair/relay/peers"
	"github.com/creachadair/relay/server"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type testServer struct {
	hub  *relay.Hub
	srv  *server.Server
	http *httptest.Server
	ctx  context.Context
}

func newTestServer(t *testing.T, opts *relay.Options) *testServer {
	t.Helper()
	hub := relay.NewHub(opts).Start()
	srv := server.New(hub, nil)
	hs := httptest.NewServer(srv)
	ctx, cancel := context.WithCancel(context.Background())
	loop := taskgroup.Go(func() error { return peers.Loop(ctx, srv, hub) })
	t.Cleanup(func() {
		cancel()
		srv.Close()
		if err := loop.Wait(); err != nil {
			t.Errorf("Loop: %v", err)
		}
		hub.Stop()
		hs.Close()
	})
	return &testServer{hub: hub, srv: srv, http: hs, ctx: ctx}
}

// connect dials a websocket client with the given identity and serves h on
// it until the test ends. It returns after the hub has registered the client.
func (s *testServer) connect(t *testing.T, id string, h handler.Func) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws/" + id
	ch, err := channel.Dial(s.ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %q: %v", id, err)
	}
	go handler.Serve(s.ctx, ch, h)
	for !isConnected(s.hub, id) {
		time.Sleep(time.Millisecond)
	}
}

func isConnected(hub *relay.Hub, id string) bool {
	for _, c := range hub.Clients() {
		if c == id {
			return true
		}
	}
	return false
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	rsp, err := s.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer rsp.Body.Close()
	data, err := io.ReadAll(rsp.Body)
	if err != nil {
		t.Fatalf("Read response: %v", err)
	}
	return rsp.StatusCode, strings.TrimSpace(string(data))
}

func testMux() *handler.Mux {
	return new(handler.Mux).
		Handle("GET", "/status", handler.ResultError(func(context.Context) (map[string]int, error) {
			return map[string]int{"code": 200}, nil
		})).
		Handle("GET", "/slow", handler.ResultError(func(context.Context) (string, error) {
			time.Sleep(time.Second)
			return "done", nil
		}))
}

func TestServer(t *testing.T) {
	// Cleanups run last-in first-out, so the leak check follows the server's.
	t.Cleanup(leaktest.Check(t))

	s := newTestServer(t, &relay.Options{ProbeInterval: -1})
	s.connect(t, "dev1", testMux().Dispatch)
	s.connect(t, "dev2", func(context.Context, *handler.Request) (any, error) {
		return nil, handler.Errorf(503, "busy")
	})

	t.Run("List", func(t *testing.T) {
		code, body := s.do(t, "GET", "/clients", "")
		if code != http.StatusOK {
			t.Fatalf("List: got status %d, want 200", code)
		}
		var got []string
		if err := json.Unmarshal([]byte(body), &got); err != nil {
			t.Fatalf("Decode %q: %v", body, err)
		}
		if diff := cmp.Diff([]string{"dev1", "dev2"}, got); diff != "" {
			t.Errorf("Clients (-want, +got):\n%s", diff)
		}
	})

	tests := []struct {
		name, path, body string
		code             int
		want             string
	}{
		{"OK", "/call/dev1", `{"method":"GET","endpoint":"/status"}`,
			http.StatusOK, `{"client_id":"dev1","result":{"code":200}}`},
		{"ClientError", "/call/dev2", `{"method":"GET","endpoint":"/status"}`,
			http.StatusOK, `{"client_id":"dev2","result":{"code":503,"error":"busy"}}`},
		{"NotConnected", "/call/ghost", `{"method":"GET","endpoint":"/status"}`,
			http.StatusNotFound, `{"error":"call \"ghost\": not connected"}`},
		{"Timeout", "/call/dev1?timeout=100ms", `{"method":"GET","endpoint":"/slow"}`,
			http.StatusGatewayTimeout, `{"error":"call \"dev1\": timed out waiting for reply"}`},
		{"BadTimeout", "/call/dev1?timeout=soon", `{}`,
			http.StatusBadRequest, `{"error":"invalid timeout \"soon\""}`},
		{"NotObject", "/call/dev1", `[1,2,3]`,
			http.StatusBadRequest, `{"error":"invalid request: json: cannot unmarshal array into Go value of type map[string]interface {}"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := s.do(t, "POST", tc.path, tc.body)
			if code != tc.code {
				t.Errorf("Status: got %d, want %d", code, tc.code)
			}
			if body != tc.want {
				t.Errorf("Body: got %s, want %s", body, tc.want)
			}
		})
	}

	// The slow call above is still running on dev1, so wait for it to finish
	// and its late reply to be discarded before disconnecting.
	time.Sleep(1500 * time.Millisecond)

	t.Run("Disconnect", func(t *testing.T) {
		if code, body := s.do(t, "DELETE", "/clients/dev2", ""); code != http.StatusNoContent {
			t.Errorf("Delete dev2: got %d %s, want 204", code, body)
		}
		if code, body := s.do(t, "DELETE", "/clients/dev2", ""); code != http.StatusNotFound {
			t.Errorf("Delete dev2 again: got %d %s, want 404", code, body)
		}
		if diff := cmp.Diff([]string{"dev1"}, s.hub.Clients()); diff != "" {
			t.Errorf("Clients (-want, +got):\n%s", diff)
		}
	})
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&relay.CallError{Client: "x", Err: relay.ErrNotConnected}, http.StatusNotFound},
		{&relay.CallError{Client: "x", Err: relay.ErrAlreadyPending}, http.StatusConflict},
		{&relay.CallError{Client: "x", Err: relay.ErrTimeout, Cause: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&relay.CallError{Client: "x", Err: relay.ErrDisconnected}, http.StatusBadGateway},
		{&relay.CallError{Client: "x", Err: relay.ErrSendFailed, Cause: io.ErrClosedPipe}, http.StatusBadGateway},
		{&relay.CallError{Client: "x", Err: relay.ErrInvalidResponse}, http.StatusBadGateway},
		{&relay.CallError{Client: "x", Err: context.Canceled}, 499},
		{errors.New("other"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", relay.ErrNotConnected), http.StatusNotFound},
	}
	for _, tc := range tests {
		if got := server.StatusForError(tc.err); got != tc.want {
			t.Errorf("StatusForError(%v): got %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestConnectReject(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	s := newTestServer(t, &relay.Options{ProbeInterval: -1})

	// A plain HTTP request to the websocket endpoint is not upgraded.
	code, _ := s.do(t, "GET", "/ws/dev1", "")
	if code != http.StatusBadRequest {
		t.Errorf("GET /ws/dev1: got status %d, want 400", code)
	}
	if got := s.hub.Clients(); len(got) != 0 {
		t.Errorf("Clients: got %q, want none", got)
	}
}
