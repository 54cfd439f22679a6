// Package model defines the core domain types for reverb.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermCreateChannel Permission = iota
	PermDeleteChannel
)
