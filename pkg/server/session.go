package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/reverb/pkg/model"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

// State is the protocol state of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInChannel
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInChannel:
		return "in_channel"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is the runtime state of one connected client.
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	queue   *OutboundQueue
	limiter *rate.Limiter

	mu            sync.RWMutex
	authenticated bool
	terminated    bool
	userID        int64
	username      string
	role          model.Role
	status        pb.UserStatus
	caps          model.Capabilities

	// channel is guarded by the owning ChannelRegistry's lock.
	channel string
}

// SessionOptions configures new sessions.
type SessionOptions struct {
	QueueSize       int
	ReliableTimeout time.Duration
	LoginRate       rate.Limit
	LoginBurst      int
	OnDrop          func(pb.Message)
}

// NewSession creates an unauthenticated session with a fresh UUID.
func NewSession(remoteAddr string, opts SessionOptions) *Session {
	burst := opts.LoginBurst
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		queue:      NewOutboundQueue(opts.QueueSize, opts.ReliableTimeout, opts.OnDrop),
		limiter:    rate.NewLimiter(opts.LoginRate, burst),
		status:     pb.StatusOnline,
	}
}

// Queue returns the session's outbound queue.
func (s *Session) Queue() *OutboundQueue {
	return s.queue
}

// Enqueue pushes msg onto the session's outbound queue.
func (s *Session) Enqueue(msg pb.Message) error {
	return s.queue.Push(msg)
}

// allowLogin reports whether another login attempt is permitted now.
func (s *Session) allowLogin() bool {
	return s.limiter.Allow()
}

func (s *Session) authenticate(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.userID = u.ID
	s.username = u.Username
	s.role = u.Role
}

// Authenticated reports whether login succeeded on this session.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Username returns the authenticated username, or "" before login.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Role returns the authenticated role.
func (s *Session) Role() model.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Capabilities returns the active media flags.
func (s *Session) Capabilities() model.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

func (s *Session) setCapability(kind pb.MediaKind, active bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flag *bool
	switch kind {
	case pb.MediaVoice:
		flag = &s.caps.Voice
	case pb.MediaVideo:
		flag = &s.caps.Video
	case pb.MediaScreen:
		flag = &s.caps.Screen
	default:
		return false
	}
	changed = *flag != active
	*flag = active
	return changed
}

// Status returns the advertised presence.
func (s *Session) Status() pb.UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(st pb.UserStatus) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.status != st
	s.status = st
	return changed
}

func (s *Session) clearCapabilities() {
	s.mu.Lock()
	s.caps = model.Capabilities{}
	s.mu.Unlock()
}

// terminate marks the session Terminated. It returns true only for the first
// call so teardown runs once.
func (s *Session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// Terminated reports whether the session has been torn down.
func (s *Session) Terminated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminated
}

// memberInfo describes the session to channel peers.
func (s *Session) memberInfo() pb.MemberInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pb.MemberInfo{
		SessionID: s.ID,
		Username:  s.username,
		Status:    s.status,
		Voice:     s.caps.Voice,
		Video:     s.caps.Video,
		Screen:    s.caps.Screen,
	}
}

// snapshot returns a point-in-time copy. channelID comes from the registry.
func (s *Session) snapshot(channelID string) model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Session{
		ID:            s.ID,
		UserID:        s.userID,
		Username:      s.username,
		Role:          s.role,
		Authenticated: s.authenticated,
		ChannelID:     channelID,
		Status:        string(s.status),
		RemoteAddr:    s.RemoteAddr,
		Capabilities:  s.caps,
	}
}

// SessionManager tracks live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // sessionID -> session
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session.
func (sm *SessionManager) Add(s *Session) {
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove removes a session.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// All returns all live sessions ordered by creation time.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	result := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		result = append(result, s)
	}
	sm.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Authenticated returns all logged-in sessions.
func (sm *SessionManager) Authenticated() []*Session {
	all := sm.All()
	out := all[:0]
	for _, s := range all {
		if s.Authenticated() && !s.Terminated() {
			out = append(out, s)
		}
	}
	return out
}
