package api

import (
	"context"
	"errors"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"unichat/internal/protocol"
	"unichat/internal/transport"
	"unichat/internal/worker"
)

const (
	msgTurnInProgress      = "turn already in progress"
	msgInvalidMessage      = "invalid message"
	msgUnauthorized        = "unauthorized"
	msgInsufficientCredits = "insufficient credits"
)

// chatSocket upgrades the request and serves turns over it until either side
// closes. Authorization failures are reported after the upgrade with close
// code 1008 so clients can tell them apart from transport drops.
func (h *Handler) chatSocket(c *gin.Context) {
	params := protocol.ParseConnectParams(c.Request.URL.Query())
	principal, authErr := h.auth.Authenticate(c.Request)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	conn := transport.Wrap(ws)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if authErr != nil {
		h.log.Info("reject websocket", zap.Error(authErr))
		_ = conn.Close(protocol.CloseTerminal, msgUnauthorized)
		return
	}
	userID := principal.UserID
	credits, err := h.assistant.Credits(ctx, userID)
	if err != nil || credits <= 0 {
		_ = conn.Close(protocol.CloseTerminal, msgInsufficientCredits)
		return
	}

	s := &socketSession{
		turns:          h.turns,
		conn:           conn,
		userID:         userID,
		model:          params.Model,
		conversationID: params.ConversationID,
		log: h.log.With(
			zap.Int64("user_id", userID),
			zap.String("model", params.Model),
		),
	}
	s.serve(ctx)
}

// socketSession is one websocket connection. At most one turn runs at a time.
type socketSession struct {
	turns  TurnRunner
	conn   transport.Conn
	userID int64
	model  string
	log    *zap.Logger

	mu             sync.Mutex
	conversationID string
	busy           bool
	turn           uint64

	wg sync.WaitGroup
}

func (s *socketSession) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		_ = s.conn.Close(protocol.CloseNormal, "")
	}()

	for {
		data, err := s.conn.Read()
		if err != nil {
			code, reason := transport.CloseStatus(err)
			s.log.Debug("websocket closed", zap.Int("code", code), zap.String("reason", reason))
			return
		}
		msg, err := protocol.DecodeUserMessage(data)
		if err != nil {
			s.log.Info("bad client frame", zap.Error(err))
			s.send(protocol.ErrorFrame{Message: msgInvalidMessage})
			continue
		}
		turn, ok := s.begin()
		if !ok {
			s.send(protocol.ErrorFrame{Message: msgTurnInProgress})
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.finish(turn)
			s.runTurn(ctx, turn, msg)
		}()
	}
}

func (s *socketSession) begin() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return 0, false
	}
	s.busy = true
	s.turn++
	return s.turn, true
}

// finish releases the socket for the next turn. A turn is over as soon as its
// final frame is written, which can be before Stream returns.
func (s *socketSession) finish(turn uint64) {
	s.mu.Lock()
	if s.turn == turn {
		s.busy = false
	}
	s.mu.Unlock()
}

func (s *socketSession) currentConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *socketSession) runTurn(ctx context.Context, turn uint64, msg protocol.UserMessage) {
	result, err := s.turns.Stream(worker.TurnRequest{
		Context:        ctx,
		UserID:         s.userID,
		ConversationID: s.currentConversation(),
		Model:          s.model,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		Emit:           func(f protocol.Frame) error { return s.emit(turn, f) },
	})
	if err != nil {
		s.finish(turn)
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, worker.ErrInsufficientCredits):
			s.send(protocol.ErrorFrame{Message: msgInsufficientCredits})
			_ = s.conn.Close(protocol.CloseTerminal, msgInsufficientCredits)
		default:
			s.log.Info("turn failed", zap.Error(err))
			s.send(protocol.ErrorFrame{Message: err.Error()})
		}
		return
	}
	if result.Remaining <= 0 {
		s.log.Info("credits exhausted")
		_ = s.conn.Close(protocol.CloseTerminal, msgInsufficientCredits)
	}
}

// emit forwards a turn frame, remembering the conversation id the gateway
// assigned. The cost frame ends the turn.
func (s *socketSession) emit(turn uint64, f protocol.Frame) error {
	switch ev := f.(type) {
	case protocol.ConversationIDEvent:
		s.mu.Lock()
		s.conversationID = ev.ConversationID
		s.mu.Unlock()
	case protocol.CostEvent:
		err := s.write(f)
		s.finish(turn)
		return err
	}
	return s.write(f)
}

func (s *socketSession) send(f protocol.Frame) {
	if err := s.write(f); err != nil {
		s.log.Debug("write frame", zap.Error(err))
	}
}

func (s *socketSession) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.conn.Write(data)
}
