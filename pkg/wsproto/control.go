package wsproto

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Control commands understood by the gateway
const (
	CommandOpen  = "open"
	CommandClose = "close"
)

// Well-known control message option names
const (
	OptionPayload         = "payload"
	OptionUser            = "user"
	OptionPassword        = "password"
	OptionHost            = "host"
	OptionHostKey         = "host-key"
	OptionHostFingerprint = "host-fingerprint"
	OptionReason          = "reason"
)

const (
	fieldCommand = "command"
	fieldChannel = "channel"
)

// Control is a message carried on ControlChannel
type Control struct {
	Command string

	// Channel is the channel the command applies to; 0 when absent
	Channel uint

	// Options holds the remaining string valued fields of the message
	Options map[string]string
}

// NewControl creates a control message with an empty option set
func NewControl(command string, channel uint) *Control {
	return &Control{
		Command: command,
		Channel: channel,
		Options: make(map[string]string),
	}
}

// Get returns the named option, or "" if it is not present
func (c *Control) Get(name string) string {
	return c.Options[name]
}

// Has reports whether the named option is present
func (c *Control) Has(name string) bool {
	_, ok := c.Options[name]
	return ok
}

// Set sets an option and returns the message, for chaining
func (c *Control) Set(name, value string) *Control {
	if c.Options == nil {
		c.Options = make(map[string]string)
	}
	c.Options[name] = value
	return c
}

func (c *Control) String() string {
	names := make([]string, 0, len(c.Options))
	for name := range c.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	s := fmt.Sprintf("%s(%d)", c.Command, c.Channel)
	for _, name := range names {
		v := c.Options[name]
		if name == OptionPassword {
			v = "***"
		}
		s += fmt.Sprintf(" %s=%q", name, v)
	}
	return s
}

// ParseControl decodes a control payload. The payload must be a JSON object with a
// string "command" field; "channel", if present, must be a non-negative integer.
// Other string fields become options; fields of other types are ignored.
func ParseControl(payload []byte) (*Control, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("invalid control message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("invalid control message: not a JSON object")
	}

	c := NewControl("", 0)

	rawCommand, ok := fields[fieldCommand]
	if !ok {
		return nil, fmt.Errorf("invalid control message: missing \"command\"")
	}
	if err := json.Unmarshal(rawCommand, &c.Command); err != nil || c.Command == "" {
		return nil, fmt.Errorf("invalid control message: \"command\" must be a non-empty string")
	}

	if rawChannel, ok := fields[fieldChannel]; ok {
		var channel float64
		if err := json.Unmarshal(rawChannel, &channel); err != nil {
			return nil, fmt.Errorf("invalid control message: \"channel\" must be a number")
		}
		if channel < 0 || channel > math.MaxUint32 || channel != math.Trunc(channel) {
			return nil, fmt.Errorf("invalid control message: bad channel number %v", channel)
		}
		c.Channel = uint(channel)
	}

	for name, raw := range fields {
		if name == fieldCommand || name == fieldChannel {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		c.Options[name] = value
	}
	return c, nil
}

// Marshal encodes the message as a JSON object. The channel field is omitted when 0.
func (c *Control) Marshal() ([]byte, error) {
	fields := make(map[string]interface{}, len(c.Options)+2)
	for name, value := range c.Options {
		fields[name] = value
	}
	fields[fieldCommand] = c.Command
	if c.Channel != 0 {
		fields[fieldChannel] = c.Channel
	}
	return json.Marshal(fields)
}

// Frame encodes the message as a complete channel 0 frame
func (c *Control) Frame() ([]byte, error) {
	payload, err := c.Marshal()
	if err != nil {
		return nil, err
	}
	return BuildFrame(ControlChannel, payload), nil
}
