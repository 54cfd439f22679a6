package datastore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/reverb/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests and
// ephemeral servers. It mirrors SQLStore behavior for validation and errors.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID int64

	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
	channelsByID    map[string]*model.Channel
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
		channelsByID:    make(map[string]*model.Channel),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(username string, role model.Role, passwordHash string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: create user: %w", model.ErrInvalidRole)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create user: empty password hash")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("datastore: create user %q: %w", username, ErrDuplicateUser)
	}
	user := &model.User{
		ID:           s.nextUserID,
		Username:     username,
		Role:         role,
		PasswordHash: passwordHash,
		CreatedAt:    s.now().UTC(),
	}
	s.nextUserID++
	s.usersByID[user.ID] = user
	s.usersByUsername[username] = user
	copyUser := *user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// UpdateUserRole changes a user's role.
func (s *MemoryStore) UpdateUserRole(userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update user role: %w", model.ErrInvalidRole)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("datastore: update user role: user %d not found", userID)
	}
	user.Role = role
	return nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// CreateChannel provisions a channel. CreatedAt is set on success.
func (s *MemoryStore) CreateChannel(channel *model.Channel) error {
	if err := channel.Validate(); err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channelsByID[channel.ID]; exists {
		return fmt.Errorf("datastore: create channel %q: %w", channel.ID, ErrDuplicateChannel)
	}
	channel.CreatedAt = s.now().UTC()
	copyChannel := *channel
	s.channelsByID[channel.ID] = &copyChannel
	return nil
}

// DeleteChannel deletes a channel by ID.
func (s *MemoryStore) DeleteChannel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channelsByID, id)
	return nil
}

// ListChannels returns all channels ordered by creation then ID.
func (s *MemoryStore) ListChannels() ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]model.Channel, 0, len(s.channelsByID))
	for _, ch := range s.channelsByID {
		channels = append(channels, *ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		if !channels[i].CreatedAt.Equal(channels[j].CreatedAt) {
			return channels[i].CreatedAt.Before(channels[j].CreatedAt)
		}
		return channels[i].ID < channels[j].ID
	})
	return channels, nil
}

// GetChannel retrieves a channel by ID.
func (s *MemoryStore) GetChannel(id string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channelsByID[id]
	if !ok {
		return nil, nil
	}
	copyChannel := *ch
	return &copyChannel, nil
}
