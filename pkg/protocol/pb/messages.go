// Package pb defines the closed set of messages exchanged between reverb
// clients and the server.
//
// Every message type implements Message. The set is sealed: only types in this
// package can satisfy the interface, so a type switch over Message in the
// router is an exhaustive, compile-time-visible enumeration.
package pb

import "errors"

// Kind is the wire tag identifying a message variant.
type Kind string

const (
	KindLogin         Kind = "login"
	KindAuthResult    Kind = "auth_result"
	KindJoinChannel   Kind = "join_channel"
	KindLeaveChannel  Kind = "leave_channel"
	KindChannelEvent  Kind = "channel_event"
	KindMediaPayload  Kind = "media_payload"
	KindMediaState    Kind = "media_state"
	KindTextMessage   Kind = "text_message"
	KindProtocolError Kind = "protocol_error"
	KindDisconnect    Kind = "disconnect"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindListChannels  Kind = "list_channels"
	KindChannelList   Kind = "channel_list"
	KindCreateChannel Kind = "create_channel"
	KindDeleteChannel Kind = "delete_channel"
	KindStatusUpdate  Kind = "status_update"
)

// Kinds lists every known message kind.
var Kinds = []Kind{
	KindLogin, KindAuthResult, KindJoinChannel, KindLeaveChannel,
	KindChannelEvent, KindMediaPayload, KindMediaState, KindTextMessage,
	KindProtocolError, KindDisconnect, KindPing, KindPong,
	KindListChannels, KindChannelList, KindCreateChannel, KindDeleteChannel,
	KindStatusUpdate,
}

// Message is implemented by every protocol message.
type Message interface {
	Kind() Kind
	// Validate rejects enum fields holding values outside their closed set.
	// Empty or out-of-range request fields are left to the router.
	Validate() error
	sealed()
}

// New returns a zero value of the message type for kind, or nil if the kind
// is unknown.
func New(k Kind) Message {
	switch k {
	case KindLogin:
		return &Login{}
	case KindAuthResult:
		return &AuthResult{}
	case KindJoinChannel:
		return &JoinChannel{}
	case KindLeaveChannel:
		return &LeaveChannel{}
	case KindChannelEvent:
		return &ChannelEvent{}
	case KindMediaPayload:
		return &MediaPayload{}
	case KindMediaState:
		return &MediaState{}
	case KindTextMessage:
		return &TextMessage{}
	case KindProtocolError:
		return &ProtocolError{}
	case KindDisconnect:
		return &Disconnect{}
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	case KindListChannels:
		return &ListChannels{}
	case KindChannelList:
		return &ChannelList{}
	case KindCreateChannel:
		return &CreateChannel{}
	case KindDeleteChannel:
		return &DeleteChannel{}
	case KindStatusUpdate:
		return &StatusUpdate{}
	default:
		return nil
	}
}

var ErrInvalidKind = errors.New("pb: invalid enum value")

// Error codes carried by ProtocolError.
const (
	CodeProtocol        int32 = 1  // message not valid in the current state
	CodeAuth            int32 = 2  // login required / auth failure
	CodeInternal        int32 = 3  // server-side failure
	CodeServerFull      int32 = 4  // connection limit reached
	CodeChannelNotFound int32 = 10 // unknown channel id
	CodeChannelFull     int32 = 11 // channel max users reached
	CodeChannelExists   int32 = 12 // channel id already provisioned
	CodeChannelNotEmpty int32 = 13 // delete refused while members remain
	CodePermission      int32 = 30 // role lacks permission
	CodeBadRequest      int32 = 31 // invalid field values
	CodeFrameTooLarge   int32 = 40 // fatal: oversized frame
	CodeMalformed       int32 = 41 // fatal: undecodable payload
	CodeSlowConsumer    int32 = 42 // fatal: outbound queue stayed full
	CodeShutdown        int32 = 50 // server shutting down
)

// ----- Media -----

// MediaKind identifies the real-time stream a MediaPayload belongs to.
type MediaKind string

const (
	MediaVoice  MediaKind = "voice"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// Valid reports whether k is one of the known media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaVoice, MediaVideo, MediaScreen:
		return true
	default:
		return false
	}
}

// ----- Presence -----

// UserStatus is the presence a session advertises to its channel peers.
type UserStatus string

const (
	StatusOnline       UserStatus = "online"
	StatusAway         UserStatus = "away"
	StatusDoNotDisturb UserStatus = "dnd"
)

// Valid reports whether st is one of the known statuses.
func (st UserStatus) Valid() bool {
	switch st {
	case StatusOnline, StatusAway, StatusDoNotDisturb:
		return true
	default:
		return false
	}
}

// StatusUpdate changes the sender's presence. SessionID is stamped by the
// server when the update is relayed.
type StatusUpdate struct {
	Status    UserStatus `json:"status"`
	SessionID string     `json:"session_id,omitempty"`
}

// ----- Auth -----

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResult struct {
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Username  string        `json:"username,omitempty"`
	Role      string        `json:"role,omitempty"`
	Channels  []ChannelInfo `json:"channels,omitempty"`
}

// ----- Channels -----

type ChannelInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MaxUsers    int32        `json:"max_users"`
	Members     []MemberInfo `json:"members,omitempty"`
}

type MemberInfo struct {
	SessionID string     `json:"session_id"`
	Username  string     `json:"username"`
	Status    UserStatus `json:"status,omitempty"`
	Voice     bool       `json:"voice"`
	Video     bool       `json:"video"`
	Screen    bool       `json:"screen"`
}

type JoinChannel struct {
	ChannelID string `json:"channel_id"`
}

type LeaveChannel struct{}

// ChannelEventType distinguishes joins from leaves.
type ChannelEventType string

const (
	EventJoined ChannelEventType = "joined"
	EventLeft   ChannelEventType = "left"
)

type ChannelEvent struct {
	Event     ChannelEventType `json:"event"`
	SessionID string           `json:"session_id"`
	Username  string           `json:"username"`
	ChannelID string           `json:"channel_id"`
}

type ListChannels struct{}

type ChannelList struct {
	Channels []ChannelInfo `json:"channels"`
}

// ----- Media -----

// MediaPayload carries one opaque media frame. SenderID and ChannelID are
// stamped by the server; values supplied by clients are overwritten.
type MediaPayload struct {
	Media     MediaKind `json:"kind"`
	Data      []byte    `json:"data"`
	Seq       uint32    `json:"seq,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
}

// MediaState announces that a session started or stopped a media stream.
type MediaState struct {
	Media     MediaKind `json:"kind"`
	Active    bool      `json:"active"`
	SessionID string    `json:"session_id,omitempty"`
}

// ----- Text -----

type TextMessage struct {
	ChannelID  string `json:"channel_id"`
	Body       string `json:"body"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// ----- Admin -----

type CreateChannel struct {
	ChannelID   string `json:"channel_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxUsers    int32  `json:"max_users,omitempty"`
}

type DeleteChannel struct {
	ChannelID string `json:"channel_id"`
}

// ----- Generic -----

type ProtocolError struct {
	Code   int32  `json:"code"`
	Reason string `json:"reason"`
}

type Disconnect struct{}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Login) Kind() Kind         { return KindLogin }
func (*AuthResult) Kind() Kind    { return KindAuthResult }
func (*JoinChannel) Kind() Kind   { return KindJoinChannel }
func (*LeaveChannel) Kind() Kind  { return KindLeaveChannel }
func (*ChannelEvent) Kind() Kind  { return KindChannelEvent }
func (*MediaPayload) Kind() Kind  { return KindMediaPayload }
func (*MediaState) Kind() Kind    { return KindMediaState }
func (*TextMessage) Kind() Kind   { return KindTextMessage }
func (*ProtocolError) Kind() Kind { return KindProtocolError }
func (*Disconnect) Kind() Kind    { return KindDisconnect }
func (*Ping) Kind() Kind          { return KindPing }
func (*Pong) Kind() Kind          { return KindPong }
func (*ListChannels) Kind() Kind  { return KindListChannels }
func (*ChannelList) Kind() Kind   { return KindChannelList }
func (*CreateChannel) Kind() Kind { return KindCreateChannel }
func (*DeleteChannel) Kind() Kind { return KindDeleteChannel }
func (*StatusUpdate) Kind() Kind  { return KindStatusUpdate }

func (*Login) sealed()         {}
func (*AuthResult) sealed()    {}
func (*JoinChannel) sealed()   {}
func (*LeaveChannel) sealed()  {}
func (*ChannelEvent) sealed()  {}
func (*MediaPayload) sealed()  {}
func (*MediaState) sealed()    {}
func (*TextMessage) sealed()   {}
func (*ProtocolError) sealed() {}
func (*Disconnect) sealed()    {}
func (*Ping) sealed()          {}
func (*Pong) sealed()          {}
func (*ListChannels) sealed()  {}
func (*ChannelList) sealed()   {}
func (*CreateChannel) sealed() {}
func (*DeleteChannel) sealed() {}
func (*StatusUpdate) sealed()  {}

func (m *ChannelEvent) Validate() error {
	if m.Event != EventJoined && m.Event != EventLeft {
		return ErrInvalidKind
	}
	return nil
}

func (m *MediaPayload) Validate() error {
	if !m.Media.Valid() {
		return ErrInvalidKind
	}
	return nil
}

func (m *MediaState) Validate() error {
	if !m.Media.Valid() {
		return ErrInvalidKind
	}
	return nil
}

func (m *StatusUpdate) Validate() error {
	if !m.Status.Valid() {
		return ErrInvalidKind
	}
	return nil
}

func (*Login) Validate() error         { return nil }
func (*AuthResult) Validate() error    { return nil }
func (*JoinChannel) Validate() error   { return nil }
func (*LeaveChannel) Validate() error  { return nil }
func (*TextMessage) Validate() error   { return nil }
func (*CreateChannel) Validate() error { return nil }
func (*DeleteChannel) Validate() error { return nil }
func (*ProtocolError) Validate() error { return nil }
func (*Disconnect) Validate() error    { return nil }
func (*Ping) Validate() error          { return nil }
func (*Pong) Validate() error          { return nil }
func (*ListChannels) Validate() error  { return nil }
func (*ChannelList) Validate() error   { return nil }
