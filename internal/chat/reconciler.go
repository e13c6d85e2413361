package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"unichat/internal/models"
	"unichat/internal/protocol"
)

func (s *Session) onFrame(gen uint64, data []byte) {
	if gen != s.connGen {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("dropping frame", zap.Error(err), zap.ByteString("frame", truncate(data, 256)))
		return
	}
	s.reconcile(frame)
}

// reconcile applies one decoded frame to the session.
func (s *Session) reconcile(frame protocol.Frame) {
	switch f := frame.(type) {
	case protocol.ContentDelta:
		s.applyDelta(f.Delta)
	case protocol.ConversationIDEvent:
		s.resolveIdentity(f.ConversationID)
	case protocol.RouteEvent:
		s.pending = f.Model
	case protocol.WarningEvent:
		s.appendSystem(f.Message)
	case protocol.CostEvent:
		s.completeTurn(f.Cost)
	case protocol.ErrorFrame:
		msg := f.Message
		if msg == "" {
			msg = "The assistant failed to respond."
		}
		s.appendSystem(msg)
		s.endTurn()
	default:
		s.log.Error("unhandled frame", zap.Any("frame", frame))
	}
}

// applyDelta merges into the last message only when it is an assistant
// message already being streamed; otherwise it starts a new one.
func (s *Session) applyDelta(delta string) {
	wasStreaming := s.phase == PhaseStreaming
	last, ok := s.store.Last()
	if ok && wasStreaming && last.Role == models.RoleAssistant {
		s.store.AppendToLast(delta)
	} else {
		s.store.Append(Message{Role: models.RoleAssistant, Content: delta, Model: s.pending})
	}
	s.phase = PhaseStreaming
}

func (s *Session) resolveIdentity(id string) {
	changed, err := s.identity.Resolve(id)
	switch {
	case errors.Is(err, ErrIdentityMismatch):
		s.log.Warn("conversation id mismatch", zap.String("have", s.identity.ID()), zap.String("got", id))
		s.appendSystem("Server reported a different conversation; ignoring it.")
	case err != nil:
		s.log.Warn("conversation id rejected", zap.Error(err))
	case changed:
		s.log.Debug("conversation resolved", zap.String("conversation_id", id))
		if s.opts.Navigator != nil {
			s.opts.Navigator.ReplaceConversation(id)
		}
	}
}

// completeTurn ends the turn and refreshes the profile in the background.
func (s *Session) completeTurn(cost string) {
	s.log.Debug("turn complete", zap.String("cost", cost))
	s.phase = PhaseIdle
	s.pending = ""
	if s.opts.Backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, defaultRefreshTimeout)
		defer cancel()
		if err := s.opts.Backend.RefreshProfile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("refresh profile failed", zap.Error(err))
		}
	}()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
