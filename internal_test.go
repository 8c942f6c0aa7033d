// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 5, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestMessageInfoString(t *testing.T) {
	tests := []struct {
		info MessageInfo
		want string
	}{
		{MessageInfo{Client: "dev1", Text: `{"code":200}`}, `recv "dev1" {"code":200}`},
		{MessageInfo{Client: "dev2", Text: ProbeMessage, Sent: true}, `send "dev2" {"action":"ping"}`},
		{MessageInfo{Client: "x", Text: strings.Repeat("a", maxLogText+10), Sent: true},
			`send "x" ` + strings.Repeat("a", maxLogText) + "…"},
	}
	for _, tc := range tests {
		if got := tc.info.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		input  string
		action string
		ok     bool
	}{
		{ProbeMessage, "ping", true},
		{ProbeAck, "pong", true},
		{`{"action": "ping", "extra": 1}`, "ping", true},
		{`{"action":"reboot"}`, "", false},
		{`{"code":200}`, "", false},
		{`"ping"`, "", false},
		{`ping`, "", false},
		{``, "", false},
	}
	for _, tc := range tests {
		action, ok := ParseProbe(tc.input)
		if action != tc.action || ok != tc.ok {
			t.Errorf("ParseProbe(%q): got (%q, %v), want (%q, %v)", tc.input, action, ok, tc.action, tc.ok)
		}
		if got := IsProbe(tc.input); got != tc.ok {
			t.Errorf("IsProbe(%q): got %v, want %v", tc.input, got, tc.ok)
		}
	}
}
