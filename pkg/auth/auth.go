// Package auth verifies login credentials against stored argon2id hashes.
package auth

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/NicolasHaas/reverb/pkg/crypto"
	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/model"
)

// ErrAuthFailure is returned by Verify for an unknown username and for a
// wrong password alike.
var ErrAuthFailure = errors.New("auth: invalid credentials")

// MaxPasswordLength bounds the input handed to argon2.
const MaxPasswordLength = 1024

// Store registers and verifies identities. Safe for concurrent use.
type Store struct {
	ds     datastore.DataStore
	params crypto.Params
	sem    *semaphore.Weighted

	// dummyHash is verified when the username is unknown so both failure
	// paths cost one hash evaluation.
	dummyHash string
}

// Options configures a Store.
type Options struct {
	Params crypto.Params
	// MaxConcurrent bounds simultaneous hash evaluations (default GOMAXPROCS).
	MaxConcurrent int64
}

// NewStore creates a Store over ds.
func NewStore(ds datastore.DataStore, opts Options) (*Store, error) {
	if opts.Params == (crypto.Params{}) {
		opts.Params = crypto.DefaultParams
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = int64(runtime.GOMAXPROCS(0))
	}
	dummy, err := crypto.HashPassword("reverb-dummy-password", opts.Params)
	if err != nil {
		return nil, fmt.Errorf("auth: init dummy hash: %w", err)
	}
	return &Store{
		ds:        ds,
		params:    opts.Params,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		dummyHash: dummy,
	}, nil
}

// Register hashes password with a fresh salt and stores the identity.
// Returns datastore.ErrDuplicateUser if the username is taken.
func (s *Store) Register(ctx context.Context, username, password string, role model.Role) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	if password == "" {
		return nil, fmt.Errorf("auth: register: password must not be empty")
	}
	if len(password) > MaxPasswordLength {
		return nil, fmt.Errorf("auth: register: password exceeds %d bytes", MaxPasswordLength)
	}

	existing, err := s.ds.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("auth: register %q: %w", username, datastore.ErrDuplicateUser)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	hash, err := crypto.HashPassword(password, s.params)
	s.sem.Release(1)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}

	user, err := s.ds.CreateUser(username, role, hash)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return user, nil
}

// Verify checks a login attempt. Any credential mismatch yields ErrAuthFailure;
// other errors are storage failures or ctx cancellation.
func (s *Store) Verify(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.ds.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("auth: verify: %w", err)
	}
	encoded := s.dummyHash
	if user != nil {
		encoded = user.PasswordHash
	}
	if len(password) > MaxPasswordLength {
		password = password[:MaxPasswordLength]
		user = nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("auth: verify: %w", err)
	}
	ok, err := crypto.VerifyPassword(password, encoded)
	s.sem.Release(1)
	if err != nil {
		return nil, fmt.Errorf("auth: verify %q: %w", username, err)
	}
	if !ok || user == nil {
		return nil, ErrAuthFailure
	}
	return user, nil
}
