// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay_test

import (
	"context"
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
)

func BenchmarkCall(b *testing.B) {
	status := req("GET", "/status", "")
	echo := req("POST", "/echo", `"fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?"`)

	b.Run("Direct-status", func(b *testing.B) {
		runBench(b, directHub(b), status)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		runBench(b, directHub(b), echo)
	})

	b.Run("WebSocket-status", func(b *testing.B) {
		runBench(b, websocketHub(b), status)
	})
	b.Run("WebSocket-echo", func(b *testing.B) {
		runBench(b, websocketHub(b), echo)
	})
}

func runBench(b *testing.B, hub *relay.Hub, r handler.Request) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		if _, err := hub.Call(ctx, "bench", r, 5*time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

func directHub(tb testing.TB) *relay.Hub {
	loc := peers.NewLocal(noProbes)
	tb.Cleanup(func() {
		if err := loc.Stop(); err != nil {
			tb.Errorf("Stop: %v", err)
		}
	})
	serveClient(loc.Connect("bench"), testMux().Dispatch)
	return loc.Hub
}

func websocketHub(tb testing.TB) *relay.Hub {
	hub := relay.NewHub(noProbes).Start()
	srv := server.New(hub, nil)
	hs := httptest.NewServer(srv)
	ctx, cancel := context.WithCancel(context.Background())
	loop := taskgroup.Go(func() error { return peers.Loop(ctx, srv, hub) })

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/bench"
	ch, err := channel.Dial(ctx, url, nil)
	if err != nil {
		tb.Fatalf("Dial: %v", err)
	}
	client := taskgroup.Go(func() error { return handler.Serve(ctx, ch, testMux().Dispatch) })

	// Wait for the hub to register the client.
	for len(hub.Clients()) == 0 {
		time.Sleep(time.Millisecond)
	}
	tb.Cleanup(func() {
		cancel()
		client.Wait()
		srv.Close()
		hub.Stop()
		loop.Wait()
		hs.Close()
	})
	return hub
}
