// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/queue"
)

// A Discipline selects how a Table matches inbound messages to calls.
type Discipline int

const (
	// SingleSlot permits at most one outstanding call per client.  A message
	// that arrives with no call waiting is discarded.
	SingleSlot Discipline = iota

	// Queued permits multiple outstanding calls per client, matched to
	// messages in arrival order. A message that arrives with no call waiting
	// is held for the next call.
	Queued
)

var disciplineNames = [...]string{SingleSlot: "single", Queued: "queued"}

func (d Discipline) String() string {
	if d >= 0 && int(d) < len(disciplineNames) {
		return disciplineNames[d]
	}
	return fmt.Sprintf("Discipline(%d)", int(d))
}

// ParseDiscipline parses the name of a discipline ("single" or "queued").
func ParseDiscipline(s string) (Discipline, error) {
	for i, name := range disciplineNames {
		if strings.EqualFold(s, name) {
			return Discipline(i), nil
		}
	}
	return 0, fmt.Errorf("unknown discipline %q", s)
}

// State is the state of a Waiter.
type State int32

const (
	Waiting  State = iota // no outcome yet
	Resolved              // a reply was delivered
	TimedOut              // the deadline elapsed first
	Failed                // the wait was abandoned with an error
)

var stateNames = [...]string{"waiting", "resolved", "timed out", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Waiter holds the outcome of one pending call. Its state moves from
// Waiting to exactly one terminal state, exactly once; later attempts to
// change it have no effect.
type Waiter struct {
	state atomic.Int32
	done  chan struct{} // closed when state leaves Waiting

	// These fields are written once, by the goroutine that moves the state
	// out of Waiting, before done is closed.
	text  string
	kind  error
	cause error
}

func newWaiter() *Waiter { return &Waiter{done: make(chan struct{})} }

// finish moves w to the terminal state st, and reports whether this call
// made the transition.
func (w *Waiter) finish(st State, text string, kind, cause error) bool {
	if !w.state.CompareAndSwap(int32(Waiting), int32(st)) {
		return false
	}
	w.text, w.kind, w.cause = text, kind, cause
	close(w.done)
	return true
}

func (w *Waiter) isDone() bool { return w.State() != Waiting }

// State reports the current state of w.
func (w *Waiter) State() State { return State(w.state.Load()) }

// Done returns a channel that is closed when w reaches a terminal state.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Fail moves w to the Failed state with the given error, and reports whether
// it did so. If w already has an outcome, Fail does nothing.
func (w *Waiter) Fail(err error) bool { return w.finish(Failed, "", err, nil) }

// Wait blocks until w has an outcome, timeout elapses, or ctx ends, and
// reports the outcome. If timeout <= 0, only ctx bounds the wait.
//
// On timeout, or when ctx reaches its deadline, the error is ErrTimeout.
// When ctx is cancelled, the error is context.Canceled. If another outcome
// was reached first, that outcome wins.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	return w.await(ctx, expired)
}

// await is Wait with a deadline channel supplied by the caller. A nil expired
// channel never fires.
func (w *Waiter) await(ctx context.Context, expired <-chan time.Time) (string, error) {
	select {
	case <-w.done:
	case <-expired:
		w.finish(TimedOut, "", ErrTimeout, nil)
	case <-ctx.Done():
		st, kind, cause := contextOutcome(ctx.Err())
		w.finish(st, "", kind, cause)
	}
	<-w.done // whoever won the transition has closed, or is about to close, done
	return w.result()
}

// contextOutcome returns the terminal state, kind, and cause recorded for a
// wait abandoned because its context ended with err.
func contextOutcome(err error) (st State, kind, cause error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut, ErrTimeout, err
	}
	return Failed, err, nil
}

func (w *Waiter) result() (string, error) {
	if w.kind == nil {
		return w.text, nil
	} else if w.cause == nil {
		return "", w.kind
	}
	return "", fmt.Errorf("%w: %w", w.kind, w.cause)
}

// A Table tracks the pending calls for each client and matches inbound
// messages to them. A Table is safe for concurrent use.
type Table struct {
	mode Discipline

	μ   sync.Mutex
	ids map[string]*entry
}

// entry is the correlation state for one client.
type entry struct {
	waiters []*Waiter            // in registration order
	replies *queue.Queue[string] // unclaimed replies (Queued only)
}

func (e *entry) isEmpty() bool {
	return len(e.waiters) == 0 && (e.replies == nil || e.replies.IsEmpty())
}

// NewTable constructs an empty table using the specified discipline.
func NewTable(d Discipline) *Table {
	return &Table{mode: d, ids: make(map[string]*entry)}
}

// Discipline reports the discipline of t.
func (t *Table) Discipline() Discipline { return t.mode }

// Begin registers a new wait for a reply from id.
//
// Under the SingleSlot discipline, Begin reports ErrAlreadyPending if another
// wait is outstanding for id. Under the Queued discipline, if a reply for id
// is already held, Begin claims it and returns a resolved Waiter.
//
// The caller must call Release when the wait is finished.
func (t *Table) Begin(id string) (*Waiter, error) {
	t.μ.Lock()
	defer t.μ.Unlock()

	w := newWaiter()
	e := t.ids[id]
	if e != nil {
		// Discard any waits that finished but were not yet released.
		e.waiters = slices.DeleteFunc(e.waiters, (*Waiter).isDone)

		switch t.mode {
		case Queued:
			if e.replies != nil {
				if text, ok := e.replies.Pop(); ok {
					w.finish(Resolved, text, nil, nil)
					t.cleanupLocked(id, e)
					return w, nil
				}
			}
		default:
			if len(e.waiters) != 0 {
				return nil, ErrAlreadyPending
			}
		}
	} else {
		e = new(entry)
		t.ids[id] = e
	}
	e.waiters = append(e.waiters, w)
	return w, nil
}

// Resolve delivers a reply from id to the oldest outstanding wait, and
// reports whether the reply was accepted. A wait that already has an outcome
// is skipped.
//
// If no wait is outstanding, the SingleSlot discipline discards the reply and
// reports false, while the Queued discipline holds it for a later Begin.
func (t *Table) Resolve(id, text string) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.deliverLocked(id, text, false)
}

// Requeue returns a reply from id that was claimed by a call but not
// consumed. It is delivered to the oldest outstanding wait, if any. Otherwise
// the Queued discipline holds it ahead of any other held replies, and the
// SingleSlot discipline discards it and reports false.
func (t *Table) Requeue(id, text string) bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.deliverLocked(id, text, true)
}

func (t *Table) deliverLocked(id, text string, front bool) bool {
	e := t.ids[id]
	if e != nil {
		for len(e.waiters) != 0 {
			w := e.waiters[0]
			e.waiters = slices.Delete(e.waiters, 0, 1)
			if w.finish(Resolved, text, nil, nil) {
				t.cleanupLocked(id, e)
				return true
			}
		}
	}
	if t.mode != Queued {
		if e != nil {
			t.cleanupLocked(id, e)
		}
		return false
	}
	if e == nil {
		e = new(entry)
		t.ids[id] = e
	}
	switch {
	case e.replies == nil:
		e.replies = queue.New[string]()
		e.replies.Add(text)
	case front:
		// The queue cannot push at the head, so rebuild it with text first.
		held := e.replies
		e.replies = queue.New[string]()
		e.replies.Add(text)
		for v, ok := held.Pop(); ok; v, ok = held.Pop() {
			e.replies.Add(v)
		}
	default:
		e.replies.Add(text)
	}
	return true
}

// Release discards the registration of w for id, if it is still present. It
// does not change the state of w.
func (t *Table) Release(id string, w *Waiter) {
	t.μ.Lock()
	defer t.μ.Unlock()
	e := t.ids[id]
	if e == nil {
		return
	}
	e.waiters = slices.DeleteFunc(e.waiters, func(v *Waiter) bool { return v == w })
	t.cleanupLocked(id, e)
}

// Drop discards all state for id. Each outstanding wait for id fails with
// err, and held replies are discarded. Drop reports the number of waits it
// failed.
func (t *Table) Drop(id string, err error) int {
	t.μ.Lock()
	defer t.μ.Unlock()
	e := t.ids[id]
	if e == nil {
		return 0
	}
	delete(t.ids, id)

	var nf int
	for _, w := range e.waiters {
		if w.finish(Failed, "", err, nil) {
			nf++
		}
	}
	return nf
}

// Take waits up to timeout for a reply from id and returns it. It is
// equivalent to Begin followed by Wait and Release.
func (t *Table) Take(ctx context.Context, id string, timeout time.Duration) (string, error) {
	w, err := t.Begin(id)
	if err != nil {
		return "", err
	}
	defer t.Release(id, w)
	return w.Wait(ctx, timeout)
}

// Len reports the number of clients for which t holds any state.
func (t *Table) Len() int {
	t.μ.Lock()
	defer t.μ.Unlock()
	return len(t.ids)
}

func (t *Table) cleanupLocked(id string, e *entry) {
	if e.isEmpty() {
		delete(t.ids, id)
	}
}
