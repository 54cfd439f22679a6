package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/NicolasHaas/reverb/pkg/auth"
	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/logging"
	"github.com/NicolasHaas/reverb/pkg/model"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
	"github.com/NicolasHaas/reverb/pkg/rbac"
)

// MaxTextLength bounds a sanitized TextMessage body in bytes.
const MaxTextLength = 2000

// mediaFrameOverhead bounds the encoded size of a relayed MediaPayload
// excluding its data: envelope, kind, seq and the stamped sender and channel.
const mediaFrameOverhead = 256

// Verifier checks login credentials.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (*model.User, error)
}

// Delivery is one message addressed to one session.
type Delivery struct {
	To  *Session
	Msg pb.Message
}

// Outcome is the result of handling one inbound message.
type Outcome struct {
	Deliveries []Delivery
	Terminate  bool
}

func (o *Outcome) send(to *Session, msg pb.Message) {
	o.Deliveries = append(o.Deliveries, Delivery{To: to, Msg: msg})
}

func (o *Outcome) fanout(to []*Session, msg pb.Message) {
	for _, s := range to {
		o.send(s, msg)
	}
}

// Router applies inbound messages to session and registry state.
type Router struct {
	verifier Verifier
	channels datastore.ChannelProvider
	registry *ChannelRegistry
	sessions *SessionManager
	metrics  *Metrics
	maxFrame int
	log      *slog.Logger
	now      func() time.Time
}

// NewRouter creates a router. channels persists administrative channel
// changes and may be nil to keep them in memory only. maxFrame is the largest
// frame the server will write; relayed media that would outgrow it once
// stamped is refused.
func NewRouter(v Verifier, channels datastore.ChannelProvider, registry *ChannelRegistry, sessions *SessionManager, metrics *Metrics, maxFrame int) *Router {
	return &Router{
		verifier: v,
		channels: channels,
		registry: registry,
		sessions: sessions,
		metrics:  metrics,
		maxFrame: maxFrame,
		log:      logging.Component("router"),
		now:      time.Now,
	}
}

// State returns the protocol state of s.
func (r *Router) State(s *Session) State {
	switch {
	case s.Terminated():
		return StateTerminated
	case !s.Authenticated():
		return StateUnauthenticated
	case r.registry.ChannelOf(s) != "":
		return StateInChannel
	default:
		return StateAuthenticated
	}
}

// Handle dispatches msg from s. It never panics on an unexpected message:
// every combination not handled below yields one ProtocolError to s.
func (r *Router) Handle(ctx context.Context, s *Session, msg pb.Message) Outcome {
	var out Outcome
	state := r.State(s)

	if state == StateTerminated {
		return out
	}
	if _, ok := msg.(*pb.Disconnect); ok {
		out.Terminate = true
		return out
	}
	if state == StateUnauthenticated {
		if m, ok := msg.(*pb.Login); ok {
			r.handleLogin(ctx, s, m, &out)
			return out
		}
		r.protocolError(s, &out, pb.CodeAuth, "login required")
		return out
	}

	switch m := msg.(type) {
	case *pb.Login:
		r.protocolError(s, &out, pb.CodeProtocol, "already authenticated")
	case *pb.JoinChannel:
		r.handleJoin(s, m, &out)
	case *pb.LeaveChannel:
		r.handleLeave(s, &out)
	case *pb.MediaPayload:
		r.handleMedia(s, m, &out)
	case *pb.MediaState:
		r.handleMediaState(s, m, &out)
	case *pb.StatusUpdate:
		r.handleStatus(s, m, &out)
	case *pb.TextMessage:
		r.handleText(s, m, &out)
	case *pb.Ping:
		out.send(s, &pb.Pong{Timestamp: m.Timestamp})
	case *pb.ListChannels:
		out.send(s, &pb.ChannelList{Channels: r.channelInfos()})
	case *pb.CreateChannel:
		r.handleCreateChannel(s, m, &out)
	case *pb.DeleteChannel:
		r.handleDeleteChannel(s, m, &out)
	case *pb.AuthResult, *pb.ChannelEvent, *pb.ProtocolError, *pb.Pong, *pb.ChannelList:
		r.protocolError(s, &out, pb.CodeProtocol, "unexpected "+string(msg.Kind())+" from client")
	default:
		r.protocolError(s, &out, pb.CodeProtocol, "unsupported message")
	}
	return out
}

func (r *Router) protocolError(s *Session, out *Outcome, code int32, reason string) {
	r.metrics.ProtocolErrors.Add(1)
	r.log.Debug("protocol error", "session", s.ID, "code", code, "reason", reason)
	out.send(s, &pb.ProtocolError{Code: code, Reason: reason})
}

func (r *Router) handleLogin(ctx context.Context, s *Session, m *pb.Login, out *Outcome) {
	if !s.allowLogin() {
		r.metrics.FailedAuths.Add(1)
		out.send(s, &pb.AuthResult{OK: false, Error: "too many login attempts"})
		return
	}
	if m.Username == "" {
		r.metrics.FailedAuths.Add(1)
		out.send(s, &pb.AuthResult{OK: false, Error: "invalid credentials"})
		return
	}

	user, err := r.verifier.Verify(ctx, m.Username, m.Password)
	if err != nil {
		r.metrics.FailedAuths.Add(1)
		reason := "invalid credentials"
		if !errors.Is(err, auth.ErrAuthFailure) {
			r.log.Error("verify failed", "session", s.ID, "err", err)
			reason = "internal error"
		}
		r.log.Info("login failed", "session", s.ID, "remote", s.RemoteAddr)
		out.send(s, &pb.AuthResult{OK: false, Error: reason})
		return
	}

	s.authenticate(user)
	r.metrics.SuccessfulAuths.Add(1)
	r.log.Info("login", "session", s.ID, "user", user.Username, "role", user.Role.String())
	out.send(s, &pb.AuthResult{
		OK:        true,
		SessionID: s.ID,
		Username:  user.Username,
		Role:      user.Role.String(),
		Channels:  r.channelInfos(),
	})
}

func (r *Router) handleJoin(s *Session, m *pb.JoinChannel, out *Outcome) {
	if m.ChannelID == "" {
		r.protocolError(s, out, pb.CodeChannelNotFound, "channel_id is required")
		return
	}
	left, joined, err := r.registry.Join(s, m.ChannelID)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		r.protocolError(s, out, pb.CodeChannelNotFound, "channel not found: "+m.ChannelID)
		return
	case errors.Is(err, ErrChannelFull):
		r.protocolError(s, out, pb.CodeChannelFull, "channel is full: "+m.ChannelID)
		return
	case errors.Is(err, ErrAlreadyInChannel):
		r.protocolError(s, out, pb.CodeBadRequest, "already in channel: "+m.ChannelID)
		return
	case err != nil:
		r.protocolError(s, out, pb.CodeInternal, "join failed")
		return
	}

	username := s.Username()
	if left.ChannelID != "" {
		s.clearCapabilities()
		out.fanout(left.Peers, &pb.ChannelEvent{
			Event: pb.EventLeft, SessionID: s.ID, Username: username, ChannelID: left.ChannelID,
		})
	}
	ev := &pb.ChannelEvent{Event: pb.EventJoined, SessionID: s.ID, Username: username, ChannelID: joined.ChannelID}
	out.fanout(joined.Peers, ev)
	out.send(s, ev)
	r.log.Debug("joined channel", "session", s.ID, "channel", joined.ChannelID, "from", left.ChannelID)
}

func (r *Router) handleLeave(s *Session, out *Outcome) {
	left, ok := r.registry.Leave(s)
	if !ok {
		r.protocolError(s, out, pb.CodeProtocol, "not in a channel")
		return
	}
	s.clearCapabilities()
	ev := &pb.ChannelEvent{Event: pb.EventLeft, SessionID: s.ID, Username: s.Username(), ChannelID: left.ChannelID}
	out.fanout(left.Peers, ev)
	out.send(s, ev)
}

func (r *Router) handleMedia(s *Session, m *pb.MediaPayload, out *Outcome) {
	channelID, peers, err := r.registry.Peers(s)
	if err != nil {
		r.protocolError(s, out, pb.CodeProtocol, "join a channel before sending media")
		return
	}
	if r.maxFrame > 0 && base64.StdEncoding.EncodedLen(len(m.Data))+mediaFrameOverhead > r.maxFrame {
		r.protocolError(s, out, pb.CodeBadRequest, "media frame too large to relay")
		return
	}
	r.metrics.MediaFramesIn.Add(1)
	r.metrics.MediaBytesIn.Add(int64(len(m.Data)))

	stamped := &pb.MediaPayload{
		Media:     m.Media,
		Data:      m.Data,
		Seq:       m.Seq,
		SenderID:  s.ID,
		ChannelID: channelID,
	}
	out.fanout(peers, stamped)
}

func (r *Router) handleMediaState(s *Session, m *pb.MediaState, out *Outcome) {
	_, peers, err := r.registry.Peers(s)
	if err != nil {
		r.protocolError(s, out, pb.CodeProtocol, "join a channel before starting media")
		return
	}
	if !s.setCapability(m.Media, m.Active) {
		return
	}
	out.fanout(peers, &pb.MediaState{Media: m.Media, Active: m.Active, SessionID: s.ID})
}

// handleStatus records the sender's presence and tells its channel peers.
// A session outside any channel only records it.
func (r *Router) handleStatus(s *Session, m *pb.StatusUpdate, out *Outcome) {
	if !s.setStatus(m.Status) {
		return
	}
	r.log.Debug("status changed", "session", s.ID, "status", string(m.Status))
	_, peers, err := r.registry.Peers(s)
	if err != nil {
		return
	}
	out.fanout(peers, &pb.StatusUpdate{Status: m.Status, SessionID: s.ID})
}

func (r *Router) handleText(s *Session, m *pb.TextMessage, out *Outcome) {
	if m.ChannelID == "" {
		r.protocolError(s, out, pb.CodeBadRequest, "channel_id is required")
		return
	}
	channelID, peers, err := r.registry.Peers(s)
	if err != nil {
		r.protocolError(s, out, pb.CodeProtocol, "join a channel before sending text")
		return
	}
	if m.ChannelID != channelID {
		r.protocolError(s, out, pb.CodeBadRequest, "not a member of channel "+m.ChannelID)
		return
	}
	body := sanitizeText(strings.TrimSpace(m.Body))
	if len(body) == 0 || len(body) > MaxTextLength {
		r.protocolError(s, out, pb.CodeBadRequest, "text must be 1-2000 bytes")
		return
	}

	out.fanout(peers, &pb.TextMessage{
		ChannelID:  channelID,
		Body:       body,
		SenderID:   s.ID,
		SenderName: s.Username(),
		Timestamp:  r.now().Unix(),
	})
	r.metrics.TextMessagesSent.Add(1)
}

func (r *Router) handleCreateChannel(s *Session, m *pb.CreateChannel, out *Outcome) {
	if errMsg := rbac.RequirePermission(s.Role(), model.PermCreateChannel); errMsg != "" {
		r.protocolError(s, out, pb.CodePermission, errMsg)
		return
	}
	if m.ChannelID == "" {
		r.protocolError(s, out, pb.CodeBadRequest, "channel_id is required")
		return
	}
	ch := model.Channel{
		ID:          m.ChannelID,
		Name:        strings.TrimSpace(m.Name),
		Description: sanitizeText(m.Description),
		MaxUsers:    int(m.MaxUsers),
	}
	if ch.Name == "" {
		ch.Name = ch.ID
	}
	if err := ch.Validate(); err != nil {
		r.protocolError(s, out, pb.CodeBadRequest, err.Error())
		return
	}
	if _, exists := r.registry.Get(ch.ID); exists {
		r.protocolError(s, out, pb.CodeChannelExists, "channel already exists: "+ch.ID)
		return
	}

	if r.channels != nil {
		persisted, err := r.channels.GetChannel(ch.ID)
		if err != nil {
			r.log.Error("look up channel failed", "channel", ch.ID, "err", err)
			r.protocolError(s, out, pb.CodeInternal, "could not create channel")
			return
		}
		if persisted != nil {
			r.protocolError(s, out, pb.CodeChannelExists, "channel already exists: "+ch.ID)
			return
		}
		if err := r.channels.CreateChannel(&ch); err != nil {
			if errors.Is(err, datastore.ErrDuplicateChannel) {
				r.protocolError(s, out, pb.CodeChannelExists, "channel already exists: "+ch.ID)
				return
			}
			r.log.Error("persist channel failed", "channel", ch.ID, "err", err)
			r.protocolError(s, out, pb.CodeInternal, "could not create channel")
			return
		}
	}
	if err := r.registry.Create(ch); err != nil {
		if r.channels != nil {
			_ = r.channels.DeleteChannel(ch.ID)
		}
		r.protocolError(s, out, pb.CodeChannelExists, "channel already exists: "+ch.ID)
		return
	}

	r.metrics.ChannelsCreated.Add(1)
	r.log.Info("channel created", "channel", ch.ID, "by", s.Username())
	r.announceChannels(out)
}

func (r *Router) handleDeleteChannel(s *Session, m *pb.DeleteChannel, out *Outcome) {
	if errMsg := rbac.RequirePermission(s.Role(), model.PermDeleteChannel); errMsg != "" {
		r.protocolError(s, out, pb.CodePermission, errMsg)
		return
	}
	if m.ChannelID == "" {
		r.protocolError(s, out, pb.CodeBadRequest, "channel_id is required")
		return
	}
	if m.ChannelID == model.ChannelDefaultID {
		r.protocolError(s, out, pb.CodeBadRequest, "the default channel cannot be deleted")
		return
	}
	err := r.registry.DeleteIfEmpty(m.ChannelID)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		r.protocolError(s, out, pb.CodeChannelNotFound, "channel not found: "+m.ChannelID)
		return
	case errors.Is(err, ErrChannelNotEmpty):
		r.protocolError(s, out, pb.CodeChannelNotEmpty, "channel is not empty: "+m.ChannelID)
		return
	case err != nil:
		r.protocolError(s, out, pb.CodeInternal, "delete failed")
		return
	}
	if r.channels != nil {
		if err := r.channels.DeleteChannel(m.ChannelID); err != nil {
			r.log.Error("delete persisted channel failed", "channel", m.ChannelID, "err", err)
		}
	}

	r.metrics.ChannelsDeleted.Add(1)
	r.log.Info("channel deleted", "channel", m.ChannelID, "by", s.Username())
	r.announceChannels(out)
}

// announceChannels sends the current channel list to every logged-in session.
func (r *Router) announceChannels(out *Outcome) {
	list := &pb.ChannelList{Channels: r.channelInfos()}
	out.fanout(r.sessions.Authenticated(), list)
}

func (r *Router) channelInfos() []pb.ChannelInfo {
	views := r.registry.List()
	infos := make([]pb.ChannelInfo, 0, len(views))
	for _, v := range views {
		info := pb.ChannelInfo{
			ID:          v.Channel.ID,
			Name:        v.Channel.Name,
			Description: v.Channel.Description,
			MaxUsers:    int32(v.Channel.MaxUsers), //nolint:gosec // bounded by MaxChannelUsers
		}
		for _, m := range v.Members {
			info.Members = append(info.Members, m.memberInfo())
		}
		infos = append(infos, info)
	}
	return infos
}

// sanitizeText strips control characters from user-supplied text. Line
// breaks become spaces.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' ' // collapse newlines to spaces
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
