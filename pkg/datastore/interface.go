package datastore

import (
	"errors"

	"github.com/NicolasHaas/reverb/pkg/model"
)

var (
	// ErrDuplicateUser is returned when registering a username that exists.
	ErrDuplicateUser = errors.New("datastore: duplicate user")
	// ErrDuplicateChannel is returned when provisioning an existing channel id.
	ErrDuplicateChannel = errors.New("datastore: duplicate channel")
)

// DataStore defines the persistence interface for reverb identities and
// provisioned channels. Implementations include the default SQLite store and
// an in-memory store for tests.
type DataStore interface {
	UserReadProvider
	UserWriteProvider

	ChannelReadProvider
	ChannelWriteProvider

	// Close closes the underlying storage connection.
	Close() error
}

// Compile-time checks.
var (
	_ DataStore = (*SQLStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)

type UserReadProvider interface {
	// GetUserByUsername returns (nil, nil) if the user does not exist.
	GetUserByUsername(username string) (*model.User, error)
	ListUsers() ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser stores a new identity with an already-encoded password hash.
	// Returns ErrDuplicateUser if the username is taken.
	CreateUser(username string, role model.Role, passwordHash string) (*model.User, error)
	UpdateUserRole(userID int64, role model.Role) error
}

type ChannelReadProvider interface {
	ListChannels() ([]model.Channel, error)
	// GetChannel returns (nil, nil) if the channel does not exist.
	GetChannel(id string) (*model.Channel, error)
}

// ChannelProvider reads and writes provisioned channels.
type ChannelProvider interface {
	ChannelReadProvider
	ChannelWriteProvider
}

type ChannelWriteProvider interface {
	// CreateChannel returns ErrDuplicateChannel if the id is taken.
	CreateChannel(channel *model.Channel) error
	DeleteChannel(id string) error
}
