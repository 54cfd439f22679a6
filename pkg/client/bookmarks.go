package client

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bookmark represents a saved server connection. Passwords are never saved.
type Bookmark struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Channel  string `yaml:"channel,omitempty"`
	TLS      bool   `yaml:"tls,omitempty"`
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore manages server bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// NewBookmarkStore creates a bookmark store backed by path. An empty path
// selects servers.yaml in the user config directory.
func NewBookmarkStore(path string) *BookmarkStore {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		path = filepath.Join(dir, "reverb", "servers.yaml")
	}
	return &BookmarkStore{path: path}
}

// Path returns the backing file.
func (bs *BookmarkStore) Path() string {
	return bs.path
}

// Load reads bookmarks from disk. Returns empty list if file doesn't exist.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if os.IsNotExist(err) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bs.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0o600)
}

// Add adds or updates a bookmark by name. Returns true if it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.Name == b.Name {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Touch updates LastUsed for an existing bookmark.
func (bs *BookmarkStore) Touch(name string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for _, b := range bs.Bookmarks {
		if b.Name == name {
			return &b
		}
	}
	return nil
}
