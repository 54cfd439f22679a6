package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/model"
)

// ChannelYAML represents a channel in YAML config.
type ChannelYAML struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	MaxUsers    int    `yaml:"max_users,omitempty"`
}

// ChannelsConfig is the top-level YAML config for channels.
type ChannelsConfig struct {
	Channels []ChannelYAML `yaml:"channels"`
}

// UserYAML represents a user in YAML export. Password hashes are never
// exported.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Role      string `yaml:"role"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadChannelsFromYAML reads a channels YAML file and provisions any channels
// missing from the store.
func LoadChannelsFromYAML(path string, st datastore.DataStore) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return 0, fmt.Errorf("read channels config: %w", err)
	}
	return ImportChannelsFromYAML(data, st)
}

// ImportChannelsFromYAML parses YAML data and creates channels that do not
// exist yet. Existing channels are left untouched. It returns how many
// channels were created.
func ImportChannelsFromYAML(data []byte, st datastore.DataStore) (int, error) {
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse channels config: %w", err)
	}

	created := 0
	var errs []error
	for _, entry := range cfg.Channels {
		ch := model.Channel{
			ID:          entry.ID,
			Name:        entry.Name,
			Description: entry.Description,
			MaxUsers:    entry.MaxUsers,
		}
		if ch.Name == "" {
			ch.Name = ch.ID
		}
		err := st.CreateChannel(&ch)
		switch {
		case err == nil:
			created++
			slog.Debug("created channel from config", "id", ch.ID)
		case errors.Is(err, datastore.ErrDuplicateChannel):
		default:
			errs = append(errs, fmt.Errorf("channel %q: %w", entry.ID, err))
		}
	}

	slog.Info("imported channels from YAML", "created", created, "listed", len(cfg.Channels))
	return created, errors.Join(errs...)
}

// ExportChannelsYAML exports all provisioned channels as YAML.
func ExportChannelsYAML(st datastore.ChannelReadProvider) ([]byte, error) {
	channels, err := st.ListChannels()
	if err != nil {
		return nil, err
	}

	cfg := ChannelsConfig{Channels: make([]ChannelYAML, 0, len(channels))}
	for _, ch := range channels {
		cfg.Channels = append(cfg.Channels, ChannelYAML{
			ID:          ch.ID,
			Name:        ch.Name,
			Description: ch.Description,
			MaxUsers:    ch.MaxUsers,
		})
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(st datastore.UserReadProvider) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role.String(),
			CreatedAt: u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
