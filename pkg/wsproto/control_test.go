package wsproto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseControl(t *testing.T) {
	c, err := ParseControl([]byte(`{"command":"open","channel":4,"payload":"test-text","user":"scruffy","extra":17}`))
	if err != nil {
		t.Fatalf("ParseControl failed: %s", err)
	}
	if c.Command != CommandOpen || c.Channel != 4 {
		t.Fatalf("got %s", c)
	}
	if c.Get(OptionPayload) != "test-text" || c.Get(OptionUser) != "scruffy" {
		t.Fatalf("options wrong: %v", c.Options)
	}
	if c.Has("extra") {
		t.Fatalf("non-string option should be ignored")
	}
	if c.Has(OptionPassword) {
		t.Fatalf("unexpected password option")
	}

	c, err = ParseControl([]byte(`{"command":"ping"}`))
	if err != nil {
		t.Fatalf("ParseControl failed: %s", err)
	}
	if c.Channel != 0 {
		t.Fatalf("missing channel should be 0, got %d", c.Channel)
	}
}

func TestParseControlInvalid(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`[1,2]`,
		`null`,
		`{}`,
		`{"command":7}`,
		`{"command":""}`,
		`{"command":"open","channel":"4"}`,
		`{"command":"open","channel":-1}`,
		`{"command":"open","channel":1.5}`,
	}
	for _, s := range bad {
		if _, err := ParseControl([]byte(s)); err == nil {
			t.Errorf("ParseControl(%q) should fail", s)
		}
	}
}

func TestControlFrame(t *testing.T) {
	c := NewControl(CommandOpen, 4).Set(OptionPayload, "test-text")
	frame, err := c.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %s", err)
	}
	channel, payload, err := ParseFrame(frame)
	if err != nil || channel != ControlChannel {
		t.Fatalf("bad control frame %q: %v", frame, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("payload not JSON: %s", err)
	}
	if m["command"] != "open" || m["channel"] != float64(4) || m["payload"] != "test-text" {
		t.Fatalf("unexpected payload %s", payload)
	}

	back, err := ParseControl(payload)
	if err != nil {
		t.Fatalf("reparse failed: %s", err)
	}
	if back.Command != c.Command || back.Channel != c.Channel || back.Get(OptionPayload) != "test-text" {
		t.Fatalf("reparse mismatch: %s", back)
	}
}

func TestControlStringHidesPassword(t *testing.T) {
	c := NewControl(CommandOpen, 2).Set(OptionUser, "scruffy").Set(OptionPassword, "zerogravity")
	s := c.String()
	if strings.Contains(s, "zerogravity") {
		t.Fatalf("password leaked into %q", s)
	}
	if !strings.Contains(s, "scruffy") {
		t.Fatalf("user missing from %q", s)
	}
}
