package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/NicolasHaas/gorecord/pkg/protocol"
)

// writeTimeout bounds how long one response write may block on a slow peer.
const writeTimeout = 10 * time.Second

const (
	lingerTimeout = 200 * time.Millisecond
	lingerLimit   = 256 << 10
)

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		})
	}
	s.listener = ln
	slog.Info("record server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS, "max_sessions", s.sessions.Max())

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.metrics.TotalConnections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop shuts the server down: no new sessions, live sessions closed, the
// store closed last. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
			<-s.acceptDone
		}
		s.sessions.CloseAll()
		s.wg.Wait()
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				slog.Error("close store", "err", err)
			}
		}
		slog.Info("record server stopped")
	})
}

// handleConn runs one session from accept to close.
func (s *Server) handleConn(conn net.Conn) {
	defer closeConn(conn)

	sess := newSession(conn)
	if !s.sessions.TryAdd(sess) {
		s.metrics.RejectedConnections.Add(1)
		slog.Warn("session limit reached, rejecting connection", "remote", sess.remote, "max", s.sessions.Max())
		s.reply(sess, protocol.Response{
			Status:  protocol.StatusServiceUnavailable,
			Message: "server busy: too many sessions",
		})
		return
	}
	defer s.sessions.Remove(sess.ID)
	if s.ctx.Err() != nil {
		return
	}

	s.metrics.ActiveConnections.Add(1)
	defer func() {
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		sess.close()
		slog.Debug("session closed", "session", sess.ID, "remote", sess.remote, "user", sess.identity.Username)
	}()
	slog.Debug("session opened", "session", sess.ID, "remote", sess.remote)

	reader := protocol.NewReader(conn)
	badFrames := 0
	for {
		_ = conn.SetReadDeadline(sess.lastActivity.Add(s.cfg.SessionTimeout))
		line, err := reader.Next()
		if err != nil {
			s.handleReadError(sess, err)
			return
		}
		sess.lastActivity = time.Now()

		req, err := protocol.DecodeRequest(line)
		if err != nil {
			badFrames++
			s.metrics.BadFrames.Add(1)
			s.reply(sess, protocol.Response{Status: protocol.StatusBadRequest, Message: publicMessage(err)})
			if badFrames >= protocol.MaxBadFrames {
				slog.Warn("too many malformed requests, closing session", "session", sess.ID, "remote", sess.remote)
				return
			}
			continue
		}
		badFrames = 0

		resp, closeAfter := s.dispatcher.dispatch(sess, req)
		if err := s.reply(sess, resp); err != nil {
			return
		}
		if closeAfter || sess.state == StateClosed {
			return
		}
	}
}

func (s *Server) handleReadError(sess *Session, err error) {
	switch {
	case errors.Is(err, io.EOF), isClosedErr(err):
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.metrics.Timeouts.Add(1)
		slog.Info("session expired", "session", sess.ID, "remote", sess.remote, "user", sess.identity.Username)
		s.reply(sess, protocol.Response{Status: protocol.StatusRequestTimeout, Message: "session expired"})
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.BadFrames.Add(1)
		slog.Warn("oversize request, closing session", "session", sess.ID, "remote", sess.remote)
		s.reply(sess, protocol.Response{
			Status:  protocol.StatusBadRequest,
			Message: fmt.Sprintf("invalid request: request exceeds %d bytes", protocol.MaxRequestSize),
		})
	default:
		slog.Error("read error", "session", sess.ID, "remote", sess.remote, "err", err)
	}
}

// reply writes one response under a write deadline.
func (s *Server) reply(sess *Session, resp protocol.Response) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteResponse(sess.conn, resp); err != nil {
		if !isClosedErr(err) {
			slog.Error("write response failed", "session", sess.ID, "remote", sess.remote, "err", err)
		}
		return err
	}
	return nil
}

// closeConn half-closes the write side and drains what the peer still
// sends for a moment, so a final response is not lost to a reset when
// unread input is pending.
func closeConn(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(lingerTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerLimit))
		}
	}
	_ = conn.Close()
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return err.Error() == "use of closed network connection" ||
		err.Error() == "tls: use of closed connection"
}
