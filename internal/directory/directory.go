// Package directory answers channel membership and profile questions on
// behalf of the chat core. The authoritative chat and user records live
// outside the fan-out layer; this package only reads them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrChannelNotFound means the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNotMember means the identity may not join the channel.
	ErrNotMember = errors.New("not a member of channel")
	// ErrUnknownUser means no profile exists for the identity.
	ErrUnknownUser = errors.New("unknown user")
)

// Display holds the fields shown next to a user's messages.
type Display struct {
	Name   string
	Avatar string
}

// User is a profile record.
type User struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Avatar string `yaml:"avatar,omitempty"`
}

// Chat is a channel record. Admins are members even when they are not
// listed as participants.
type Chat struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Admins       []string `yaml:"admins"`
	Participants []string `yaml:"participants"`
}

// File is the on-disk layout read by LoadFile.
type File struct {
	Users []User `yaml:"users"`
	Chats []Chat `yaml:"chats"`
}

// Static is an in-memory directory, seeded from a YAML file or by tests.
type Static struct {
	mu      sync.RWMutex
	users   map[string]User
	members map[string]map[string]struct{}
}

// NewStatic returns an empty directory.
func NewStatic() *Static {
	return &Static{
		users:   make(map[string]User),
		members: make(map[string]map[string]struct{}),
	}
}

// LoadFile reads a YAML directory file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}

	d := NewStatic()
	for _, u := range f.Users {
		d.PutUser(u)
	}
	for _, c := range f.Chats {
		d.PutChat(c)
	}
	return d, nil
}

// PutUser adds or replaces a profile.
func (d *Static) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// PutChat adds or replaces a chat and its member set.
func (d *Static) PutChat(c Chat) {
	set := make(map[string]struct{}, len(c.Admins)+len(c.Participants))
	for _, id := range c.Participants {
		set[id] = struct{}{}
	}
	for _, id := range c.Admins {
		set[id] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[c.ID] = set
}

// RemoveMember revokes identity's membership of channel.
func (d *Static) RemoveMember(channel, identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[channel], identity)
}

// IsMember implements the membership check.
func (d *Static) IsMember(_ context.Context, identity, channel string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.members[channel]
	if !ok {
		return ErrChannelNotFound
	}
	if _, ok := set[identity]; !ok {
		return ErrNotMember
	}
	return nil
}

// ResolveDisplay returns the display fields for identity.
func (d *Static) ResolveDisplay(_ context.Context, identity string) (Display, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[identity]
	if !ok {
		return Display{}, ErrUnknownUser
	}
	return Display{Name: u.Name, Avatar: u.Avatar}, nil
}
