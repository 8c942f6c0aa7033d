// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay_test

import (
	"errors"
	"net"
	"testing"

	"github.com/creachadair/relay"
	"github.com/creachadair/relay/channel"
	"github.com/google/go-cmp/cmp"
)

func TestRegistry(t *testing.T) {
	var r relay.Registry
	a, _ := channel.Direct()
	b, _ := channel.Direct()
	c1 := relay.NewConn("dev1", a)
	c2 := relay.NewConn("dev1", b)

	if got := r.Identities(); got == nil || len(got) != 0 {
		t.Errorf("Identities on empty registry: got %#v, want empty", got)
	}
	if c, ok := r.Lookup("dev1"); ok {
		t.Errorf("Lookup on empty registry: got %v, want none", c)
	}

	if old := r.Register("dev1", c1); old != nil {
		t.Errorf("Register: got old %v, want nil", old)
	}
	if c, ok := r.Lookup("dev1"); !ok || c != c1 {
		t.Errorf("Lookup: got (%v, %v), want (%v, true)", c, ok, c1)
	}

	// Replacing returns the old connection, but does not close it.
	if old := r.Register("dev1", c2); old != c1 {
		t.Errorf("Register: got old %v, want %v", old, c1)
	}
	if c1.IsClosed() {
		t.Error("Register closed the replaced connection")
	}

	// A stale removal does not evict the newer connection.
	if r.Remove("dev1", c1) {
		t.Error("Remove stale connection: reported true")
	}
	if c, ok := r.Lookup("dev1"); !ok || c != c2 {
		t.Errorf("Lookup after stale remove: got (%v, %v), want (%v, true)", c, ok, c2)
	}

	r.Register("dev2", c1)
	if diff := cmp.Diff([]string{"dev1", "dev2"}, r.Identities()); diff != "" {
		t.Errorf("Identities (-want, +got):\n%s", diff)
	}

	// Snapshot order follows the registered identity, not the identity of
	// the connection, and is the same every time.
	for range 50 {
		if got := r.Snapshot(); len(got) != 2 || got[0] != c2 || got[1] != c1 {
			t.Fatalf("Snapshot: got %v, want [%v %v]", got, c2, c1)
		}
	}

	if !r.Remove("dev1", c2) {
		t.Error("Remove current connection: reported false")
	}
	if r.Remove("dev1", c2) {
		t.Error("Remove twice: reported true")
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len: got %d, want 1", got)
	}
}

func TestConnClose(t *testing.T) {
	a, b := channel.Direct()
	c := relay.NewConn("dev1", a)
	if got := c.ID(); got != "dev1" {
		t.Errorf("ID: got %q, want dev1", got)
	}

	go func() { b.Recv() }()
	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close again: unexpected error: %v", err)
	}
	if err := c.Send("hello"); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if _, err := b.Recv(); err == nil {
		t.Error("Recv on peer after close: got nil error")
	}
}
