// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import "encoding/json"

// Liveness probe messages. The hub sends ProbeMessage to each client
// periodically. A client may reply with ProbeAck, or ignore it.
const (
	ProbeMessage = `{"action":"ping"}`
	ProbeAck     = `{"action":"pong"}`
)

// IsProbe reports whether text is a liveness probe or a probe
// acknowledgement. Other text, including text that is not JSON, is not a
// probe.
func IsProbe(text string) bool {
	_, ok := ParseProbe(text)
	return ok
}

// ParseProbe reports whether text is a JSON object whose "action" field is
// the string "ping" or "pong", and if so returns that action.
func ParseProbe(text string) (action string, ok bool) {
	var msg struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return "", false
	}
	switch msg.Action {
	case "ping", "pong":
		return msg.Action, true
	}
	return "", false
}
