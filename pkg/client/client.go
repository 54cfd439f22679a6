// Package client implements a reverb protocol client.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/reverb/pkg/protocol"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

// ErrClosed is returned once the connection has ended.
var ErrClosed = errors.New("client: connection closed")

// Options configures a Client.
type Options struct {
	TLS bool
	// InsecureSkipVerify accepts self-signed server certificates (TOFU model).
	InsecureSkipVerify bool
	MaxFrameSize       int
	// Buffer is the number of received messages held before reading stalls.
	Buffer int
}

// Client is one connection to a reverb server. Received messages are
// delivered in order on Events.
type Client struct {
	conn     net.Conn
	maxFrame int

	mu     sync.Mutex // serializes writes
	events chan pb.Message
	done   chan struct{}
	err    error

	quit      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr over TCP or TLS.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if opts.TLS {
		dialer := &tls.Dialer{Config: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed servers
			MinVersion:         tls.VersionTLS13,
		}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts receiving.
func New(conn net.Conn, opts Options) *Client {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	c := &Client{
		conn:     conn,
		maxFrame: opts.MaxFrameSize,
		events:   make(chan pb.Message, opts.Buffer),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go c.receive()
	return c
}

func (c *Client) receive() {
	defer close(c.done)
	defer close(c.events)
	fr := protocol.NewReader(c.conn, c.maxFrame)
	for {
		msg, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("client read error", "err", err)
				c.err = err
			}
			return
		}
		select {
		case c.events <- msg:
		case <-c.quit:
			return
		}
	}
}

// Events returns received messages. The channel is closed when the
// connection ends.
func (c *Client) Events() <-chan pb.Message {
	return c.events
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, if any. Valid after
// Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Send writes one message.
func (c *Client) Send(msg pb.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteMessage(c.conn, msg, c.maxFrame)
}

// Next returns the next received message.
func (c *Client) Next(ctx context.Context) (pb.Message, error) {
	select {
	case msg, ok := <-c.events:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Login authenticates and returns the server's AuthResult. A rejected login
// is returned as a result with OK false, not as an error.
func (c *Client) Login(ctx context.Context, username, password string) (*pb.AuthResult, error) {
	if err := c.Send(&pb.Login{Username: username, Password: password}); err != nil {
		return nil, fmt.Errorf("client: send login: %w", err)
	}
	msg, err := c.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: read auth result: %w", err)
	}
	switch m := msg.(type) {
	case *pb.AuthResult:
		return m, nil
	case *pb.ProtocolError:
		return nil, fmt.Errorf("client: login rejected: %s (code %d)", m.Reason, m.Code)
	default:
		return nil, fmt.Errorf("client: unexpected %s during login", msg.Kind())
	}
}

// Join asks to join a channel. The result arrives as a ChannelEvent or
// ProtocolError on Events.
func (c *Client) Join(channelID string) error {
	return c.Send(&pb.JoinChannel{ChannelID: channelID})
}

// Say sends a text message to a channel.
func (c *Client) Say(channelID, body string) error {
	return c.Send(&pb.TextMessage{ChannelID: channelID, Body: body})
}

// SetStatus advertises a presence to the current channel.
func (c *Client) SetStatus(status pb.UserStatus) error {
	return c.Send(&pb.StatusUpdate{Status: status})
}

// Close sends a best-effort Disconnect and closes the connection. Messages
// not yet consumed from Events are discarded.
func (c *Client) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.Send(&pb.Disconnect{})
		err = c.conn.Close()
	})
	return err
}
