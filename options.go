// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"fmt"
	"log/slog"
	"time"
)

// Default values for Options fields.
const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Options control the behaviour of a Hub. A nil *Options is ready for use
// and provides default values.
type Options struct {
	// The discipline used to match replies to calls (default SingleSlot).
	Discipline Discipline

	// The timeout for a call that does not specify one. If zero, use
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// The interval between liveness probes. If zero, use
	// DefaultProbeInterval. If negative, the hub does not send probes.
	ProbeInterval time.Duration

	// The longest a probe may wait to be sent to one client. A client whose
	// probe cannot be sent in this time is evicted. If zero, use
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// If set, the hub writes structured logs here. If nil, logs are
	// discarded.
	Logger *slog.Logger

	// If set, this function is called for each message exchanged with a
	// client, including probes and discarded replies.
	LogMessages MessageLogger
}

func (o *Options) discipline() Discipline {
	if o == nil {
		return SingleSlot
	}
	return o.Discipline
}

func (o *Options) callTimeout() time.Duration {
	if o == nil || o.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return o.CallTimeout
}

func (o *Options) probeInterval() time.Duration {
	if o == nil || o.ProbeInterval == 0 {
		return DefaultProbeInterval
	}
	return o.ProbeInterval
}

func (o *Options) probeTimeout() time.Duration {
	if o == nil || o.ProbeTimeout <= 0 {
		return DefaultProbeTimeout
	}
	return o.ProbeTimeout
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

func (o *Options) logMessages() MessageLogger {
	if o == nil {
		return nil
	}
	return o.LogMessages
}

// A MessageLogger logs a message exchanged with a client.
type MessageLogger func(MessageInfo)

// A MessageInfo describes a message exchanged with a client.
type MessageInfo struct {
	Client string // the identity of the client
	Text   string // the message text
	Sent   bool   // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

// maxLogText is the longest message text rendered by MessageInfo.String.
const maxLogText = 512

func (m MessageInfo) String() string {
	text := truncate(m.Text, maxLogText)
	if len(text) < len(m.Text) {
		text += "…"
	}
	return fmt.Sprintf("%v %q %s", m.dir(), m.Client, text)
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes, that does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up over continuation bytes (0b10xxxxxx).
	for n > 0 && s[n-1]&0xc0 == 0x80 {
		n--
	}

	// A leading byte of a multibyte encoding (0b11xxxxxx) would be left
	// incomplete, so drop it too.
	if n > 0 && s[n-1]&0xc0 == 0xc0 {
		n--
	}
	return s[:n]
}
