package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/reverb/pkg/protocol"
	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

// closeNoticeTimeout bounds best-effort writes on a connection being dropped.
const closeNoticeTimeout = time.Second

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each connection is served on its own goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				s.log.Warn("accept error, retrying", "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		backoff = 0

		if s.connSem != nil && !s.connSem.TryAcquire(1) {
			s.metrics.RejectedConnections.Add(1)
			s.log.Warn("rejecting connection: server full", "remote", conn.RemoteAddr().String())
			go rejectConn(conn, s.cfg.MaxFrameSize)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer s.connSem.Release(1)
			}
			s.ServeConn(ctx, conn)
		}()
	}
}

// rejectConn tells the peer the server is full and closes the connection.
func rejectConn(conn net.Conn, maxFrame int) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetWriteDeadline(time.Now().Add(closeNoticeTimeout))
	_ = protocol.WriteMessage(conn, &pb.ProtocolError{Code: pb.CodeServerFull, Reason: "server full"}, maxFrame)
}

// ServeConn runs one connection until it ends, then tears its session down.
// The read path and the write path run concurrently and communicate only
// through the session's outbound queue.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := s.newSession(conn.RemoteAddr().String())
	s.sessions.Add(sess)
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	log := s.log.With("session", sess.ID, "remote", sess.RemoteAddr)
	log.Debug("connection accepted")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn, sess) })
	g.Go(func() error { return s.writeLoop(gctx, conn, sess) })
	err := g.Wait()

	s.teardown(sess)
	if err != nil {
		log.Info("connection closed", "err", err)
	} else {
		log.Debug("connection closed")
	}
}

// readLoop decodes frames and feeds them to the router. Returning closes the
// outbound queue, which lets the writer flush and exit.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *Session) error {
	defer sess.queue.Close()

	if s.cfg.AuthTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	}
	deadlineCleared := false

	fr := protocol.NewReader(conn, s.cfg.MaxFrameSize)
	for {
		msg, err := fr.Next()
		if err != nil {
			return s.readFailed(ctx, sess, err)
		}

		out := s.router.Handle(ctx, sess, msg)
		s.deliver(out.Deliveries)
		if out.Terminate {
			return nil
		}
		if !deadlineCleared && sess.Authenticated() {
			_ = conn.SetReadDeadline(time.Time{})
			deadlineCleared = true
		}
	}
}

// readFailed classifies a read error. Protocol violations get a best-effort
// ProtocolError queued before the connection closes.
func (s *Server) readFailed(ctx context.Context, sess *Session, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.RejectedFrames.Add(1)
		_ = sess.Enqueue(&pb.ProtocolError{Code: pb.CodeFrameTooLarge, Reason: "frame too large"})
		return err
	case errors.Is(err, protocol.ErrMalformedPayload):
		s.metrics.RejectedFrames.Add(1)
		_ = sess.Enqueue(&pb.ProtocolError{Code: pb.CodeMalformed, Reason: "malformed payload"})
		return err
	case errors.As(err, &ne) && ne.Timeout() && !sess.Authenticated():
		_ = sess.Enqueue(&pb.ProtocolError{Code: pb.CodeAuth, Reason: "login timeout"})
		return fmt.Errorf("login timeout: %w", err)
	case ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("read: %w", err)
	}
}

// writeLoop drains the outbound queue onto the socket and owns closing it.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, sess *Session) error {
	defer func() { _ = conn.Close() }()

	for {
		msg, err := sess.queue.Pop(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueClosed):
			return nil
		case errors.Is(err, ErrSlowConsumer):
			s.writeNotice(conn, &pb.ProtocolError{Code: pb.CodeSlowConsumer, Reason: "outbound queue overflow"})
			return err
		default:
			// Cancelled with the queue still open: the server is shutting down.
			s.writeNotice(conn, &pb.ProtocolError{Code: pb.CodeShutdown, Reason: "server shutting down"})
			return nil
		}

		if err := s.writeFrame(conn, msg, s.cfg.WriteTimeout); err != nil {
			return err
		}
	}
}

func (s *Server) writeFrame(conn net.Conn, msg pb.Message, timeout time.Duration) error {
	frame, err := protocol.EncodeFrame(msg, s.cfg.MaxFrameSize)
	if err != nil {
		// An outbound message that cannot be framed is dropped, not fatal.
		s.metrics.DeliveryFailures.Add(1)
		s.log.Error("encode outbound message", "kind", msg.Kind(), "err", err)
		return nil
	}
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if media, ok := msg.(*pb.MediaPayload); ok {
		s.metrics.MediaFramesOut.Add(1)
		s.metrics.MediaBytesOut.Add(int64(len(media.Data)))
	}
	return nil
}

// writeNotice makes one best-effort attempt to tell the peer why it is being
// dropped.
func (s *Server) writeNotice(conn net.Conn, msg pb.Message) {
	_ = s.writeFrame(conn, msg, closeNoticeTimeout)
}

// deliver pushes each message onto its recipient's queue. A full or closed
// queue affects only that recipient.
func (s *Server) deliver(ds []Delivery) {
	for _, d := range ds {
		err := d.To.Enqueue(d.Msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrMediaDropped):
			// counted by the queue's drop hook
		case errors.Is(err, ErrSlowConsumer):
			s.metrics.SlowConsumers.Add(1)
			s.log.Warn("dropping slow consumer", "session", d.To.ID)
		default:
			s.metrics.DeliveryFailures.Add(1)
		}
	}
}

// teardown removes sess from its channel and the session set exactly once,
// and tells former channel peers it left.
func (s *Server) teardown(sess *Session) {
	if !sess.terminate() {
		return
	}
	if left, ok := s.registry.Leave(sess); ok {
		ev := &pb.ChannelEvent{Event: pb.EventLeft, SessionID: sess.ID, Username: sess.Username(), ChannelID: left.ChannelID}
		out := make([]Delivery, 0, len(left.Peers))
		for _, p := range left.Peers {
			out = append(out, Delivery{To: p, Msg: ev})
		}
		s.deliver(out)
	}
	s.sessions.Remove(sess.ID)
	sess.queue.Discard()
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)
}
