package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed marks a frame that cannot be decoded or lacks required fields.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownKind marks a frame whose type is not a client intent.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// inbound mirrors the client frame. chatId is what the browser client sends.
type inbound struct {
	Type    Kind   `json:"type"`
	Channel string `json:"channel"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// Decode validates a client frame.
func Decode(raw []byte) (Envelope, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !in.Type.Inbound() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, in.Type)
	}

	channel := strings.TrimSpace(in.Channel)
	if channel == "" {
		channel = strings.TrimSpace(in.ChatID)
	}
	if channel == "" {
		return Envelope{}, fmt.Errorf("%w: %s without channel", ErrMalformed, in.Type)
	}

	env := Envelope{Type: in.Type, Channel: channel}
	if in.Type == KindMessage {
		if strings.TrimSpace(in.Content) == "" {
			return Envelope{}, fmt.Errorf("%w: empty content", ErrMalformed)
		}
		env.Content = in.Content
	}
	return env, nil
}

// Encode serializes a server frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// DecodeServer parses a server frame. It is used by clients and tests and
// performs no validation beyond JSON syntax.
func DecodeServer(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// EncodeIntent serializes a client intent.
func EncodeIntent(kind Kind, channel, content string) ([]byte, error) {
	if !kind.Inbound() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return Encode(Envelope{Type: kind, Channel: channel, Content: content})
}
