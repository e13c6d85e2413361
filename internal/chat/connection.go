package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unichat/internal/protocol"
	"unichat/internal/transport"
)

var timeAfterFunc = time.AfterFunc

type liveConn struct {
	gen  uint64
	conn transport.Conn
}

// connect opens a connection for the current token, model and conversation
// id. It is a no-op while an attempt is already in flight.
func (s *Session) connect() {
	if s.connState == ConnConnecting {
		return
	}
	s.stopRetryTimer()
	if s.conn != nil {
		s.teardown()
	}

	s.connGen++
	gen := s.connGen
	params := protocol.ConnectParams{
		Token:          s.opts.Token,
		Model:          s.model,
		ConversationID: s.identity.ID(),
	}
	target, err := params.URL(s.opts.GatewayURL)
	if err != nil {
		s.log.Error("build connect url", zap.Error(err))
		s.connState = ConnClosedTerminal
		s.appendSystem("Disconnected: " + err.Error())
		return
	}

	s.connState = ConnConnecting
	dialCtx, cancel := context.WithCancel(s.ctx)
	s.dialCancel = cancel
	s.log.Debug("connecting", zap.Uint64("gen", gen), zap.String("conversation_id", params.ConversationID), zap.String("model", params.Model))
	go func() {
		conn, err := s.opts.Dialer.Dial(dialCtx, target)
		delivered := s.post(func() { s.onDialed(gen, conn, err) })
		if !delivered && conn != nil {
			_ = conn.Close(protocol.CloseNormal, "session closed")
		}
	}()
}

func (s *Session) onDialed(gen uint64, conn transport.Conn, err error) {
	if gen != s.connGen {
		if conn != nil {
			_ = conn.Close(protocol.CloseNormal, "superseded")
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if err != nil {
		s.log.Warn("dial failed", zap.Uint64("gen", gen), zap.Error(err))
		s.onClosed(gen, protocol.CloseAbnormal, err.Error())
		return
	}
	s.conn = &liveConn{gen: gen, conn: conn}
	s.connState = ConnOpen
	s.attempts = 0
	s.log.Debug("connected", zap.Uint64("gen", gen))
	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			code, reason := transport.CloseStatus(err)
			s.post(func() { s.onClosed(gen, code, reason) })
			return
		}
		if !s.post(func() { s.onFrame(gen, data) }) {
			return
		}
	}
}

// onClosed handles a close the session did not ask for.
func (s *Session) onClosed(gen uint64, code int, reason string) {
	if gen != s.connGen {
		return
	}
	if s.conn != nil {
		_ = s.conn.conn.Close(protocol.CloseNormal, "")
		s.conn = nil
	}
	s.endTurn()
	s.log.Info("connection closed", zap.Uint64("gen", gen), zap.Int("code", code), zap.String("reason", reason))

	if code == protocol.CloseTerminal {
		s.connState = ConnClosedTerminal
		s.appendSystem(terminalNotice(reason))
		return
	}

	s.attempts++
	if max := s.opts.MaxReconnectAttempts; max > 0 && s.attempts > max {
		s.connState = ConnClosedTerminal
		s.appendSystem(fmt.Sprintf("Disconnected: gave up after %d reconnect attempts", max))
		return
	}
	s.connState = ConnClosedRetryable
	s.scheduleReconnect()
}

func terminalNotice(reason string) string {
	if reason == "" {
		reason = "insufficient credits or unauthorized"
	}
	return "Disconnected: " + reason
}

func (s *Session) scheduleReconnect() {
	s.stopRetryTimer()
	seq := s.timerSeq
	s.retryTimer = timeAfterFunc(s.opts.ReconnectDelay, func() {
		s.post(func() { s.onRetryTimer(seq) })
	})
}

func (s *Session) onRetryTimer(seq uint64) {
	if seq != s.timerSeq || s.retryTimer == nil {
		return
	}
	s.retryTimer = nil
	s.connect()
}

// stopRetryTimer cancels the pending reconnect, including one whose callback
// has already been queued.
func (s *Session) stopRetryTimer() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.timerSeq++
}

// teardown closes the current connection on purpose. Callbacks from it are
// ignored from here on and no reconnect is scheduled.
func (s *Session) teardown() {
	s.stopRetryTimer()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.connGen++
	if s.conn != nil {
		if err := s.conn.conn.Close(protocol.CloseNormal, "client teardown"); err != nil {
			s.log.Debug("close connection", zap.Error(err))
		}
		s.conn = nil
	}
	s.connState = ConnIdle
	s.attempts = 0
	s.endTurn()
}
