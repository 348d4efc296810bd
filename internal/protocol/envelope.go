// Package protocol defines the JSON envelope exchanged over a chat connection,
// validates inbound frames and builds outbound ones.
package protocol

import "time"

// Kind tags an Envelope.
type Kind string

// Client to server intents.
const (
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindMessage     Kind = "message"
)

// Server to client notifications.
const (
	KindWelcome      Kind = "welcome"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindError        Kind = "error"
	KindChatMessage  Kind = "chat:message"
	KindChatSystem   Kind = "chat:system"
)

// Error codes carried by KindError envelopes.
const (
	CodeForbidden     = "chat:forbidden"
	CodeNotFound      = "chat:not_found"
	CodePersistFailed = "chat:persist_failed"
	CodeUnavailable   = "chat:unavailable"
)

// LeftSuffix terminates every presence notice about a departing subscriber.
const LeftSuffix = " left the chat"

// Envelope is the wire unit. Which fields are set depends on Type.
type Envelope struct {
	Type         Kind   `json:"type"`
	Channel      string `json:"channel,omitempty"`
	Content      string `json:"content,omitempty"`
	Identity     string `json:"identity,omitempty"`
	Code         string `json:"code,omitempty"`
	AuthorID     string `json:"authorId,omitempty"`
	AuthorName   string `json:"authorName,omitempty"`
	AuthorAvatar string `json:"authorAvatar,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// Inbound reports whether k is a client intent.
func (k Kind) Inbound() bool {
	switch k {
	case KindSubscribe, KindUnsubscribe, KindMessage:
		return true
	}
	return false
}

// Author carries the display fields of a chat:message.
type Author struct {
	ID     string
	Name   string
	Avatar string
}

// FormatTime renders t the way createdAt appears on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Welcome greets a freshly admitted connection.
func Welcome(identity string) Envelope {
	return Envelope{Type: KindWelcome, Identity: identity}
}

// Subscribed confirms a subscribe intent.
func Subscribed(channel string) Envelope {
	return Envelope{Type: KindSubscribed, Channel: channel}
}

// Unsubscribed confirms an unsubscribe intent.
func Unsubscribed(channel string) Envelope {
	return Envelope{Type: KindUnsubscribed, Channel: channel}
}

// Error reports a channel-scoped failure. channel may be empty.
func Error(code, channel string) Envelope {
	return Envelope{Type: KindError, Code: code, Channel: channel}
}

// ChatMessage carries persisted chat content.
func ChatMessage(channel string, author Author, content string, createdAt time.Time) Envelope {
	return Envelope{
		Type:         KindChatMessage,
		Channel:      channel,
		AuthorID:     author.ID,
		AuthorName:   author.Name,
		AuthorAvatar: author.Avatar,
		Content:      content,
		CreatedAt:    FormatTime(createdAt),
	}
}

// ChatSystem carries a channel-scoped system notice.
func ChatSystem(channel, content string, createdAt time.Time) Envelope {
	return Envelope{
		Type:      KindChatSystem,
		Channel:   channel,
		Content:   content,
		CreatedAt: FormatTime(createdAt),
	}
}
