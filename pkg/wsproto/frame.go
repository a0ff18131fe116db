// Package wsproto implements the wire format spoken between a browser and the
// gateway: channel-prefixed frames, JSON control messages on channel 0, and the
// close reasons reported to the browser when a channel fails.
//
// A frame is
//
//	<channel number in ASCII decimal> '\n' <payload bytes>
//
// Channel 0 carries control messages (a UTF-8 JSON object); any positive channel
// carries opaque data for that channel.
package wsproto

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ControlChannel is the reserved channel number for control messages
const ControlChannel uint = 0

// maxChannelDigits bounds the decimal prefix; channel numbers are 32 bit
const maxChannelDigits = 10

// ErrMalformedFrame is returned (wrapped) when a frame's channel prefix is invalid
var ErrMalformedFrame = errors.New("malformed frame")

// ParseFrame splits a frame into its channel number and payload. The returned
// payload aliases msg.
func ParseFrame(msg []byte) (channel uint, payload []byte, err error) {
	i := bytes.IndexByte(msg, '\n')
	if i < 0 {
		return 0, nil, fmt.Errorf("%w: no channel terminator", ErrMalformedFrame)
	}
	if i == 0 {
		return 0, nil, fmt.Errorf("%w: empty channel number", ErrMalformedFrame)
	}
	if i > maxChannelDigits {
		return 0, nil, fmt.Errorf("%w: channel number too long", ErrMalformedFrame)
	}
	for _, b := range msg[:i] {
		if b < '0' || b > '9' {
			return 0, nil, fmt.Errorf("%w: invalid channel number %q", ErrMalformedFrame, msg[:i])
		}
	}
	n, err := strconv.ParseUint(string(msg[:i]), 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: invalid channel number %q", ErrMalformedFrame, msg[:i])
	}
	return uint(n), msg[i+1:], nil
}

// BuildFrame assembles a frame for channel carrying payload
func BuildFrame(channel uint, payload []byte) []byte {
	prefix := strconv.FormatUint(uint64(channel), 10)
	frame := make([]byte, 0, len(prefix)+1+len(payload))
	frame = append(frame, prefix...)
	frame = append(frame, '\n')
	return append(frame, payload...)
}
