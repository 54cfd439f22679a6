package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	ChannelDefaultID          = "general"
	ChannelDefaultName        = "General"
	ChannelDefaultDescription = "Default channel"

	MaxChannelIDLength   = 32
	MaxChannelNameLength = 64
	MaxChannelDescLength = 256
	MaxChannelUsers      = 256
)

var ErrChannelIDEmpty = errors.New("channel id must not be empty")
var ErrChannelIDInvalid = errors.New("channel id must be 1-32 lowercase alphanumeric, underscore, or hyphen characters")
var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")
var ErrChannelDescTooLong = errors.New("channel description too long")
var ErrChannelMaxUsers = errors.New("channel max users out of range")

// Channel is a named routing group. Membership lives in the server's channel
// registry; this type only carries the provisioned attributes.
type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	MaxUsers    int       `json:"max_users"` // 0 = unlimited
	CreatedAt   time.Time `json:"created_at"`
}

// NewChannel returns the default channel every server starts with.
func NewChannel() *Channel {
	return &Channel{
		ID:          ChannelDefaultID,
		Name:        ChannelDefaultName,
		Description: ChannelDefaultDescription,
	}
}

// ValidateChannelID checks the channel identifier format.
func ValidateChannelID(id string) error {
	if id == "" {
		return ErrChannelIDEmpty
	}
	if len(id) > MaxChannelIDLength {
		return ErrChannelIDInvalid
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrChannelIDInvalid
		}
	}
	return nil
}

// Validate checks every channel attribute.
func (ch *Channel) Validate() error {
	if err := ValidateChannelID(ch.ID); err != nil {
		return err
	}

	if strings.TrimSpace(ch.Name) == "" {
		return ErrChannelNameEmpty
	} else if utf8.RuneCountInString(ch.Name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}

	if utf8.RuneCountInString(ch.Description) > MaxChannelDescLength {
		return ErrChannelDescTooLong
	}

	if ch.MaxUsers < 0 || ch.MaxUsers > MaxChannelUsers {
		return ErrChannelMaxUsers
	}

	return nil
}
