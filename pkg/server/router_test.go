package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/reverb/pkg/auth"
	"github.com/NicolasHaas/reverb/pkg/crypto"
	"github.com/NicolasHaas/reverb/pkg/datastore"
	"github.com/NicolasHaas/reverb/pkg/model"
	"github.com/NicolasHaas/reverb/pkg/protocol"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

var testHashParams = crypto.Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32, SaltLen: 16}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type routerFixture struct {
	router   *Router
	registry *ChannelRegistry
	sessions *SessionManager
	store    *datastore.MemoryStore
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	ds := datastore.NewMemory()
	creds, err := auth.NewStore(ds, auth.Options{Params: testHashParams})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	users := map[string]model.Role{
		"alice": model.RoleUser,
		"bob":   model.RoleUser,
		"carol": model.RoleUser,
		"mod":   model.RoleModerator,
		"root":  model.RoleAdmin,
	}
	for name, role := range users {
		if _, err := creds.Register(context.Background(), name, name+"-pw", role); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	registry := NewChannelRegistry()
	for _, ch := range []model.Channel{*model.NewChannel(), {ID: "x", Name: "X"}, {ID: "y", Name: "Y"}} {
		if err := ds.CreateChannel(&ch); err != nil {
			t.Fatalf("CreateChannel: %v", err)
		}
		if err := registry.Create(ch); err != nil {
			t.Fatalf("registry.Create: %v", err)
		}
	}

	sessions := NewSessionManager()
	r := NewRouter(creds, ds, registry, sessions, NewMetrics(), protocol.DefaultMaxFrameSize)
	r.now = func() time.Time { return fixedNow }
	return &routerFixture{router: r, registry: registry, sessions: sessions, store: ds}
}

func (f *routerFixture) connect(t *testing.T) *Session {
	t.Helper()
	s := testSession(t)
	f.sessions.Add(s)
	return s
}

func (f *routerFixture) login(t *testing.T, name string) *Session {
	t.Helper()
	s := f.connect(t)
	out := f.router.Handle(context.Background(), s, &pb.Login{Username: name, Password: name + "-pw"})
	res, ok := single(t, out, s).(*pb.AuthResult)
	if !ok || !res.OK {
		t.Fatalf("login %s: got %+v", name, out.Deliveries)
	}
	return s
}

func (f *routerFixture) join(t *testing.T, s *Session, channelID string) {
	t.Helper()
	out := f.router.Handle(context.Background(), s, &pb.JoinChannel{ChannelID: channelID})
	for _, d := range forSession(out, s) {
		if pe, ok := d.(*pb.ProtocolError); ok {
			t.Fatalf("join %s: %s", channelID, pe.Reason)
		}
	}
}

// forSession returns the messages addressed to s, in delivery order.
func forSession(out Outcome, s *Session) []pb.Message {
	var msgs []pb.Message
	for _, d := range out.Deliveries {
		if d.To == s {
			msgs = append(msgs, d.Msg)
		}
	}
	return msgs
}

func single(t *testing.T, out Outcome, s *Session) pb.Message {
	t.Helper()
	msgs := forSession(out, s)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages for session, want 1: %+v", len(msgs), msgs)
	}
	return msgs[0]
}

func wantProtocolError(t *testing.T, out Outcome, s *Session, code int32) {
	t.Helper()
	if len(out.Deliveries) != 1 {
		t.Fatalf("got %d deliveries, want a single ProtocolError", len(out.Deliveries))
	}
	pe, ok := single(t, out, s).(*pb.ProtocolError)
	if !ok {
		t.Fatalf("got %T, want *pb.ProtocolError", out.Deliveries[0].Msg)
	}
	if pe.Code != code {
		t.Errorf("ProtocolError code = %d (%s), want %d", pe.Code, pe.Reason, code)
	}
}

func TestRouterLoginFlow(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	s := f.connect(t)

	if st := f.router.State(s); st != StateUnauthenticated {
		t.Fatalf("State = %v, want unauthenticated", st)
	}
	wantProtocolError(t, f.router.Handle(ctx, s, &pb.JoinChannel{ChannelID: "general"}), s, pb.CodeAuth)

	out := f.router.Handle(ctx, s, &pb.Login{Username: "alice", Password: "wrong"})
	res := single(t, out, s).(*pb.AuthResult)
	if diff := cmp.Diff(&pb.AuthResult{OK: false, Error: "invalid credentials"}, res); diff != "" {
		t.Errorf("failed login mismatch (-want +got):\n%s", diff)
	}
	if f.router.State(s) != StateUnauthenticated {
		t.Errorf("failed login changed state to %v", f.router.State(s))
	}

	out = f.router.Handle(ctx, s, &pb.Login{Username: "alice", Password: "alice-pw"})
	res = single(t, out, s).(*pb.AuthResult)
	if !res.OK || res.SessionID != s.ID || res.Username != "alice" || res.Role != "user" {
		t.Fatalf("login result = %+v", res)
	}
	var channels []string
	for _, ch := range res.Channels {
		channels = append(channels, ch.ID)
	}
	if diff := cmp.Diff([]string{"general", "x", "y"}, channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if f.router.State(s) != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", f.router.State(s))
	}

	wantProtocolError(t, f.router.Handle(ctx, s, &pb.Login{Username: "alice", Password: "alice-pw"}), s, pb.CodeProtocol)
}

func TestRouterUnknownUserLooksLikeWrongPassword(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b := f.connect(t), f.connect(t)

	wrongPw := single(t, f.router.Handle(ctx, a, &pb.Login{Username: "alice", Password: "nope"}), a)
	noUser := single(t, f.router.Handle(ctx, b, &pb.Login{Username: "mallory", Password: "nope"}), b)
	if diff := cmp.Diff(wrongPw, noUser); diff != "" {
		t.Errorf("responses differ (-wrong password +unknown user):\n%s", diff)
	}
}

func TestRouterLoginRateLimited(t *testing.T) {
	f := newRouterFixture(t)
	s := NewSession("pipe", SessionOptions{QueueSize: 8, ReliableTimeout: time.Second, LoginRate: 0, LoginBurst: 1})
	f.sessions.Add(s)
	ctx := context.Background()

	_ = f.router.Handle(ctx, s, &pb.Login{Username: "alice", Password: "bad"})
	res := single(t, f.router.Handle(ctx, s, &pb.Login{Username: "alice", Password: "alice-pw"}), s).(*pb.AuthResult)
	if res.OK || res.Error != "too many login attempts" {
		t.Errorf("throttled login = %+v", res)
	}
}

func TestRouterEmptyRequestFields(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	s := f.connect(t)

	res := single(t, f.router.Handle(ctx, s, &pb.Login{Password: "x"}), s).(*pb.AuthResult)
	if diff := cmp.Diff(&pb.AuthResult{OK: false, Error: "invalid credentials"}, res); diff != "" {
		t.Errorf("empty username mismatch (-want +got):\n%s", diff)
	}
	if f.router.State(s) != StateUnauthenticated {
		t.Errorf("State = %v, want unauthenticated", f.router.State(s))
	}

	a, root := f.login(t, "alice"), f.login(t, "root")
	f.join(t, a, "general")
	tests := map[string]struct {
		s    *Session
		msg  pb.Message
		code int32
	}{
		"join":   {a, &pb.JoinChannel{}, pb.CodeChannelNotFound},
		"text":   {a, &pb.TextMessage{Body: "hi"}, pb.CodeBadRequest},
		"create": {root, &pb.CreateChannel{Name: "Dev"}, pb.CodeBadRequest},
		"delete": {root, &pb.DeleteChannel{}, pb.CodeBadRequest},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			wantProtocolError(t, f.router.Handle(ctx, tt.s, tt.msg), tt.s, tt.code)
		})
	}
	if f.registry.ChannelOf(a) != "general" {
		t.Errorf("failed requests moved alice to %q", f.registry.ChannelOf(a))
	}
}

func TestRouterJoinAnnouncesToPeers(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b := f.login(t, "alice"), f.login(t, "bob")
	f.join(t, a, "general")

	out := f.router.Handle(ctx, b, &pb.JoinChannel{ChannelID: "general"})
	ev := &pb.ChannelEvent{Event: pb.EventJoined, SessionID: b.ID, Username: "bob", ChannelID: "general"}
	if diff := cmp.Diff([]pb.Message{ev}, forSession(out, a)); diff != "" {
		t.Errorf("peer notification mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]pb.Message{ev}, forSession(out, b)); diff != "" {
		t.Errorf("joiner confirmation mismatch (-want +got):\n%s", diff)
	}
	if f.router.State(b) != StateInChannel {
		t.Errorf("State = %v, want in_channel", f.router.State(b))
	}

	// Switching channels tells the old peers.
	out = f.router.Handle(ctx, b, &pb.JoinChannel{ChannelID: "x"})
	left := &pb.ChannelEvent{Event: pb.EventLeft, SessionID: b.ID, Username: "bob", ChannelID: "general"}
	if diff := cmp.Diff([]pb.Message{left}, forSession(out, a)); diff != "" {
		t.Errorf("left notification mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterJoinErrors(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	if err := f.registry.Create(model.Channel{ID: "solo", Name: "Solo", MaxUsers: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, b := f.login(t, "alice"), f.login(t, "bob")
	f.join(t, a, "solo")

	wantProtocolError(t, f.router.Handle(ctx, b, &pb.JoinChannel{ChannelID: "missing"}), b, pb.CodeChannelNotFound)
	wantProtocolError(t, f.router.Handle(ctx, b, &pb.JoinChannel{ChannelID: "solo"}), b, pb.CodeChannelFull)
	wantProtocolError(t, f.router.Handle(ctx, a, &pb.JoinChannel{ChannelID: "solo"}), a, pb.CodeBadRequest)
}

func TestRouterLeave(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b := f.login(t, "alice"), f.login(t, "bob")

	wantProtocolError(t, f.router.Handle(ctx, a, &pb.LeaveChannel{}), a, pb.CodeProtocol)

	f.join(t, a, "general")
	f.join(t, b, "general")
	f.router.Handle(ctx, a, &pb.MediaState{Media: pb.MediaVoice, Active: true})

	out := f.router.Handle(ctx, a, &pb.LeaveChannel{})
	ev := &pb.ChannelEvent{Event: pb.EventLeft, SessionID: a.ID, Username: "alice", ChannelID: "general"}
	if diff := cmp.Diff([]pb.Message{ev}, forSession(out, b)); diff != "" {
		t.Errorf("peer notification mismatch (-want +got):\n%s", diff)
	}
	if (a.Capabilities() != model.Capabilities{}) {
		t.Errorf("capabilities not cleared on leave: %+v", a.Capabilities())
	}
	if f.router.State(a) != StateAuthenticated {
		t.Errorf("State = %v, want authenticated", f.router.State(a))
	}
}

func TestRouterTextBroadcastStaysInChannel(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b, c := f.login(t, "alice"), f.login(t, "bob"), f.login(t, "carol")
	f.join(t, a, "x")
	f.join(t, b, "x")
	f.join(t, c, "y")

	out := f.router.Handle(ctx, a, &pb.TextMessage{ChannelID: "x", Body: "hello"})
	want := &pb.TextMessage{ChannelID: "x", Body: "hello", SenderID: a.ID, SenderName: "alice", Timestamp: fixedNow.Unix()}
	if diff := cmp.Diff([]pb.Message{want}, forSession(out, b)); diff != "" {
		t.Errorf("text to peer mismatch (-want +got):\n%s", diff)
	}
	if got := forSession(out, c); len(got) != 0 {
		t.Errorf("session in another channel received %v", got)
	}
	if got := forSession(out, a); len(got) != 0 {
		t.Errorf("sender received its own text: %v", got)
	}
}

func TestRouterTextValidation(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b := f.login(t, "alice"), f.login(t, "bob")

	wantProtocolError(t, f.router.Handle(ctx, a, &pb.TextMessage{ChannelID: "general", Body: "hi"}), a, pb.CodeProtocol)

	f.join(t, a, "general")
	f.join(t, b, "general")

	tests := map[string]struct {
		msg  *pb.TextMessage
		code int32
	}{
		"other_channel": {&pb.TextMessage{ChannelID: "x", Body: "hi"}, pb.CodeBadRequest},
		"blank":         {&pb.TextMessage{ChannelID: "general", Body: "  \t "}, pb.CodeBadRequest},
		"too_long":      {&pb.TextMessage{ChannelID: "general", Body: strings.Repeat("a", MaxTextLength+1)}, pb.CodeBadRequest},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			wantProtocolError(t, f.router.Handle(ctx, a, tt.msg), a, tt.code)
		})
	}

	out := f.router.Handle(ctx, a, &pb.TextMessage{ChannelID: "general", Body: "  hi\x00 there\x1b[31m\n "})
	got := single(t, out, b).(*pb.TextMessage)
	if got.Body != "hi there[31m" {
		t.Errorf("sanitized body = %q", got.Body)
	}
}

func TestRouterPerSenderOrder(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b := f.login(t, "alice"), f.login(t, "bob")
	f.join(t, a, "general")
	f.join(t, b, "general")

	var got []string
	for i := range 50 {
		body := strings.Repeat("m", i+1)
		out := f.router.Handle(ctx, a, &pb.TextMessage{ChannelID: "general", Body: body})
		for _, m := range forSession(out, b) {
			got = append(got, m.(*pb.TextMessage).Body)
		}
	}
	for i, body := range got {
		if len(body) != i+1 {
			t.Fatalf("message %d has body length %d", i, len(body))
		}
	}
	if len(got) != 50 {
		t.Errorf("received %d messages, want 50", len(got))
	}
}

func TestRouterMedia(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b, c := f.login(t, "alice"), f.login(t, "bob"), f.login(t, "carol")

	wantProtocolError(t, f.router.Handle(ctx, a, &pb.MediaPayload{Media: pb.MediaVoice, Data: []byte{1}}), a, pb.CodeProtocol)

	f.join(t, a, "x")
	f.join(t, b, "x")
	f.join(t, c, "y")

	out := f.router.Handle(ctx, a, &pb.MediaPayload{Media: pb.MediaVideo, Data: []byte{1, 2, 3}, Seq: 9, SenderID: "forged"})
	want := &pb.MediaPayload{Media: pb.MediaVideo, Data: []byte{1, 2, 3}, Seq: 9, SenderID: a.ID, ChannelID: "x"}
	if diff := cmp.Diff([]pb.Message{want}, forSession(out, b)); diff != "" {
		t.Errorf("media mismatch (-want +got):\n%s", diff)
	}
	if len(out.Deliveries) != 1 {
		t.Errorf("got %d deliveries, want 1", len(out.Deliveries))
	}

	out = f.router.Handle(ctx, a, &pb.MediaState{Media: pb.MediaScreen, Active: true})
	state := &pb.MediaState{Media: pb.MediaScreen, Active: true, SessionID: a.ID}
	if diff := cmp.Diff([]pb.Message{state}, forSession(out, b)); diff != "" {
		t.Errorf("media state mismatch (-want +got):\n%s", diff)
	}
	if !a.Capabilities().Screen {
		t.Errorf("screen capability not set")
	}
	if out := f.router.Handle(ctx, a, &pb.MediaState{Media: pb.MediaScreen, Active: true}); len(out.Deliveries) != 0 {
		t.Errorf("unchanged media state announced: %+v", out.Deliveries)
	}
}

func TestRouterMediaTooLargeToRelay(t *testing.T) {
	f := newRouterFixture(t)
	f.router.maxFrame = 1024
	ctx := context.Background()
	longID := strings.Repeat("c", model.MaxChannelIDLength)
	if err := f.registry.Create(model.Channel{ID: longID, Name: "Long"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, b := f.login(t, "alice"), f.login(t, "bob")
	f.join(t, a, longID)
	f.join(t, b, longID)

	wantProtocolError(t, f.router.Handle(ctx, a, &pb.MediaPayload{Media: pb.MediaVideo, Data: make([]byte, 577)}), a, pb.CodeBadRequest)

	out := f.router.Handle(ctx, a, &pb.MediaPayload{Media: pb.MediaScreen, Data: make([]byte, 576), Seq: ^uint32(0)})
	relayed, ok := single(t, out, b).(*pb.MediaPayload)
	if !ok {
		t.Fatalf("got %T, want *pb.MediaPayload", out.Deliveries[0].Msg)
	}
	if _, err := protocol.EncodeFrame(relayed, f.router.maxFrame); err != nil {
		t.Errorf("relayed frame does not fit: %v", err)
	}
}

func TestRouterStatusUpdate(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a, b, c := f.login(t, "alice"), f.login(t, "bob"), f.login(t, "carol")

	// Outside a channel the status is only recorded.
	if out := f.router.Handle(ctx, a, &pb.StatusUpdate{Status: pb.StatusAway}); len(out.Deliveries) != 0 {
		t.Errorf("status outside a channel delivered %+v", out.Deliveries)
	}
	if a.Status() != pb.StatusAway {
		t.Fatalf("Status = %q, want away", a.Status())
	}

	f.join(t, a, "x")
	f.join(t, b, "x")
	f.join(t, c, "y")
	out := f.router.Handle(ctx, a, &pb.StatusUpdate{Status: pb.StatusDoNotDisturb, SessionID: "forged"})
	want := &pb.StatusUpdate{Status: pb.StatusDoNotDisturb, SessionID: a.ID}
	if diff := cmp.Diff([]pb.Message{want}, forSession(out, b)); diff != "" {
		t.Errorf("status to peer mismatch (-want +got):\n%s", diff)
	}
	if len(out.Deliveries) != 1 {
		t.Errorf("got %d deliveries, want 1", len(out.Deliveries))
	}
	if out := f.router.Handle(ctx, a, &pb.StatusUpdate{Status: pb.StatusDoNotDisturb}); len(out.Deliveries) != 0 {
		t.Errorf("unchanged status announced: %+v", out.Deliveries)
	}

	list := single(t, f.router.Handle(ctx, b, &pb.ListChannels{}), b).(*pb.ChannelList)
	for _, ch := range list.Channels {
		for _, m := range ch.Members {
			if m.SessionID == a.ID && m.Status != pb.StatusDoNotDisturb {
				t.Errorf("member status = %q, want dnd", m.Status)
			}
		}
	}
	if snap := a.snapshot("x"); snap.Status != "dnd" {
		t.Errorf("snapshot status = %q", snap.Status)
	}

	pending := f.connect(t)
	wantProtocolError(t, f.router.Handle(ctx, pending, &pb.StatusUpdate{Status: pb.StatusAway}), pending, pb.CodeAuth)
}

func TestRouterPingAndList(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a := f.login(t, "alice")

	if diff := cmp.Diff(pb.Message(&pb.Pong{Timestamp: 77}), single(t, f.router.Handle(ctx, a, &pb.Ping{Timestamp: 77}), a)); diff != "" {
		t.Errorf("pong mismatch (-want +got):\n%s", diff)
	}
	f.join(t, a, "y")
	list := single(t, f.router.Handle(ctx, a, &pb.ListChannels{}), a).(*pb.ChannelList)
	if len(list.Channels) != 3 {
		t.Fatalf("got %d channels, want 3", len(list.Channels))
	}
	want := []pb.MemberInfo{{SessionID: a.ID, Username: "alice", Status: pb.StatusOnline}}
	if diff := cmp.Diff(want, list.Channels[2].Members); diff != "" {
		t.Errorf("members of y mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterServerOnlyKinds(t *testing.T) {
	f := newRouterFixture(t)
	a := f.login(t, "alice")
	for _, msg := range []pb.Message{
		&pb.AuthResult{OK: true},
		&pb.ChannelEvent{Event: pb.EventJoined},
		&pb.ProtocolError{Code: 1},
		&pb.Pong{},
		&pb.ChannelList{},
	} {
		t.Run(string(msg.Kind()), func(t *testing.T) {
			wantProtocolError(t, f.router.Handle(context.Background(), a, msg), a, pb.CodeProtocol)
		})
	}
}

func TestRouterChannelAdmin(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	user, mod, admin := f.login(t, "alice"), f.login(t, "mod"), f.login(t, "root")
	pending := f.connect(t)

	wantProtocolError(t, f.router.Handle(ctx, user, &pb.CreateChannel{ChannelID: "dev", Name: "Dev"}), user, pb.CodePermission)

	out := f.router.Handle(ctx, mod, &pb.CreateChannel{ChannelID: "dev", Name: "Dev", MaxUsers: 4})
	for _, s := range []*Session{user, mod, admin} {
		if _, ok := single(t, out, s).(*pb.ChannelList); !ok {
			t.Errorf("session %s did not get the channel list", s.Username())
		}
	}
	if got := forSession(out, pending); len(got) != 0 {
		t.Errorf("unauthenticated session got %v", got)
	}
	if ch, err := f.store.GetChannel("dev"); err != nil || ch == nil || ch.MaxUsers != 4 {
		t.Errorf("persisted channel = %+v, %v", ch, err)
	}

	wantProtocolError(t, f.router.Handle(ctx, mod, &pb.CreateChannel{ChannelID: "dev", Name: "Dev"}), mod, pb.CodeChannelExists)
	// A channel already persisted but not loaded is not created twice.
	if err := f.store.CreateChannel(&model.Channel{ID: "ghost", Name: "Ghost"}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	wantProtocolError(t, f.router.Handle(ctx, mod, &pb.CreateChannel{ChannelID: "ghost", Name: "Ghost"}), mod, pb.CodeChannelExists)
	if _, ok := f.registry.Get("ghost"); ok {
		t.Errorf("ghost channel registered")
	}
	wantProtocolError(t, f.router.Handle(ctx, mod, &pb.CreateChannel{ChannelID: "Bad Id", Name: "x"}), mod, pb.CodeBadRequest)
	wantProtocolError(t, f.router.Handle(ctx, mod, &pb.DeleteChannel{ChannelID: "dev"}), mod, pb.CodePermission)

	f.join(t, user, "dev")
	wantProtocolError(t, f.router.Handle(ctx, admin, &pb.DeleteChannel{ChannelID: "dev"}), admin, pb.CodeChannelNotEmpty)
	f.router.Handle(ctx, user, &pb.LeaveChannel{})

	out = f.router.Handle(ctx, admin, &pb.DeleteChannel{ChannelID: "dev"})
	if _, ok := single(t, out, admin).(*pb.ChannelList); !ok {
		t.Errorf("admin did not get the channel list")
	}
	if _, ok := f.registry.Get("dev"); ok {
		t.Errorf("deleted channel still registered")
	}
	if ch, _ := f.store.GetChannel("dev"); ch != nil {
		t.Errorf("deleted channel still persisted")
	}

	wantProtocolError(t, f.router.Handle(ctx, admin, &pb.DeleteChannel{ChannelID: "dev"}), admin, pb.CodeChannelNotFound)
	wantProtocolError(t, f.router.Handle(ctx, admin, &pb.DeleteChannel{ChannelID: "general"}), admin, pb.CodeBadRequest)
}

func TestRouterDisconnectAndTerminated(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	a := f.connect(t)

	if out := f.router.Handle(ctx, a, &pb.Disconnect{}); !out.Terminate || len(out.Deliveries) != 0 {
		t.Errorf("Disconnect outcome = %+v", out)
	}
	a.terminate()
	if out := f.router.Handle(ctx, a, &pb.Ping{}); out.Terminate || len(out.Deliveries) != 0 {
		t.Errorf("terminated session outcome = %+v", out)
	}
	if f.router.State(a) != StateTerminated {
		t.Errorf("State = %v, want terminated", f.router.State(a))
	}
}
