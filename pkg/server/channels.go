package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/NicolasHaas/reverb/pkg/model"
)

var (
	ErrChannelNotFound  = errors.New("server: channel not found")
	ErrChannelExists    = errors.New("server: channel already exists")
	ErrChannelFull      = errors.New("server: channel is full")
	ErrChannelNotEmpty  = errors.New("server: channel is not empty")
	ErrAlreadyInChannel = errors.New("server: already in channel")
	ErrNotInChannel     = errors.New("server: not in a channel")
)

// Membership is the result of a join or leave: the channel affected and the
// sessions that must be told about it, computed under the same lock that
// changed membership.
type Membership struct {
	ChannelID string
	Peers     []*Session // members other than the session that moved
}

type channelEntry struct {
	info    model.Channel
	members map[string]*Session
	order   []string // session IDs in join order
}

func (e *channelEntry) sessions(excludeID string) []*Session {
	out := make([]*Session, 0, len(e.order))
	for _, id := range e.order {
		if id != excludeID {
			out = append(out, e.members[id])
		}
	}
	return out
}

func (e *channelEntry) remove(id string) {
	delete(e.members, id)
	for i, sid := range e.order {
		if sid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// ChannelRegistry owns channel membership. Every method holds the registry
// lock for one bounded critical section and performs no I/O.
//
// Channels exist until explicitly deleted; an empty channel is kept.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*channelEntry),
	}
}

// Create adds a channel with no members.
func (r *ChannelRegistry) Create(ch model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("server: create channel: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.ID]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, ch.ID)
	}
	r.channels[ch.ID] = &channelEntry{
		info:    ch,
		members: make(map[string]*Session),
	}
	return nil
}

// DeleteIfEmpty removes a channel that has no members.
func (r *ChannelRegistry) DeleteIfEmpty(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if len(e.members) > 0 {
		return fmt.Errorf("%w: %s has %d members", ErrChannelNotEmpty, id, len(e.members))
	}
	delete(r.channels, id)
	return nil
}

// Join moves s into channel id, leaving its current channel if any. left is
// zero-valued when s was not in a channel.
func (r *ChannelRegistry) Join(s *Session, id string) (left, joined Membership, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.channels[id]
	if !ok {
		return Membership{}, Membership{}, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if s.channel == id {
		return Membership{}, Membership{}, fmt.Errorf("%w: %s", ErrAlreadyInChannel, id)
	}
	if limit := target.info.MaxUsers; limit > 0 && len(target.members) >= limit {
		return Membership{}, Membership{}, fmt.Errorf("%w: %s", ErrChannelFull, id)
	}

	if prev, ok := r.channels[s.channel]; ok {
		prev.remove(s.ID)
		left = Membership{ChannelID: s.channel, Peers: prev.sessions(s.ID)}
	}

	joined = Membership{ChannelID: id, Peers: target.sessions(s.ID)}
	target.members[s.ID] = s
	target.order = append(target.order, s.ID)
	s.channel = id
	return left, joined, nil
}

// Leave removes s from its channel. ok is false if s was not in one.
func (r *ChannelRegistry) Leave(s *Session) (left Membership, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.channels[s.channel]
	if !found {
		s.channel = ""
		return Membership{}, false
	}
	e.remove(s.ID)
	left = Membership{ChannelID: s.channel, Peers: e.sessions(s.ID)}
	s.channel = ""
	return left, true
}

// Broadcast returns the members of channel id at this instant, excluding
// senderID. The returned slice is a snapshot owned by the caller.
func (r *ChannelRegistry) Broadcast(id, senderID string) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return e.sessions(senderID), nil
}

// Peers returns the channel s is in and its other members, read in one
// critical section. ErrNotInChannel if s has no channel.
func (r *ChannelRegistry) Peers(s *Session) (string, []*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[s.channel]
	if !ok {
		return "", nil, ErrNotInChannel
	}
	return s.channel, e.sessions(s.ID), nil
}

// Members returns every member of channel id in join order.
func (r *ChannelRegistry) Members(id string) ([]*Session, error) {
	return r.Broadcast(id, "")
}

// ChannelOf returns the channel s is in, or "".
func (r *ChannelRegistry) ChannelOf(s *Session) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.channel
}

// Get returns the channel's provisioned attributes.
func (r *ChannelRegistry) Get(id string) (model.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok {
		return model.Channel{}, false
	}
	return e.info, true
}

// ChannelView is a channel and its members at one instant.
type ChannelView struct {
	Channel model.Channel
	Members []*Session
}

// List returns every channel ordered by ID with its members.
func (r *ChannelRegistry) List() []ChannelView {
	r.mu.RLock()
	views := make([]ChannelView, 0, len(r.channels))
	for _, e := range r.channels {
		views = append(views, ChannelView{Channel: e.info, Members: e.sessions("")})
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].Channel.ID == model.ChannelDefaultID {
			return views[j].Channel.ID != model.ChannelDefaultID
		}
		if views[j].Channel.ID == model.ChannelDefaultID {
			return false
		}
		return views[i].Channel.ID < views[j].Channel.ID
	})
	return views
}

// Len returns the number of channels.
func (r *ChannelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
