package chat

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"unichat/internal/models"
	"unichat/internal/protocol"
)

var errNoBackend = errors.New("uploads are not available")

// handleSend applies the send gate and starts a turn.
func (s *Session) handleSend(text string, files []models.LocalFile) bool {
	text = strings.TrimSpace(text)
	if text == "" && len(files) == 0 {
		return false
	}
	if s.connState != ConnOpen || s.conn == nil {
		return false
	}
	if s.phase != PhaseIdle {
		return false
	}

	files = append([]models.LocalFile(nil), files...)
	atts := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		atts = append(atts, f.Attachment())
	}
	if len(atts) == 0 {
		atts = nil
	}
	s.store.Append(Message{Role: models.RoleUser, Content: text, Attachments: atts})
	s.phase = PhaseThinking
	s.turnSeq++
	turn := s.turnSeq

	if len(files) == 0 {
		s.transmit(text, nil)
		return true
	}

	// Cancel leaves the request running; only Close stops it. The turn guard
	// in onUploaded drops a result that arrives too late.
	backend := s.opts.Backend
	ctx := s.ctx
	go func() {
		var (
			results []models.UploadResult
			err     error
		)
		if backend == nil {
			err = errNoBackend
		} else {
			results, err = backend.Upload(ctx, files)
		}
		s.post(func() { s.onUploaded(turn, text, results, err) })
	}()
	return true
}

func (s *Session) onUploaded(turn uint64, text string, results []models.UploadResult, err error) {
	if turn != s.turnSeq || s.phase != PhaseThinking {
		s.log.Info("discarding upload result for an aborted turn")
		return
	}
	if err != nil {
		s.failTurn("Upload failed: " + err.Error())
		return
	}
	refs := make([]models.AttachmentRef, 0, len(results))
	var failed []string
	for _, r := range results {
		if r.Failed() {
			reason := r.Error
			if reason == "" {
				reason = "rejected"
			}
			failed = append(failed, fmt.Sprintf("%s (%s)", r.Name, reason))
			continue
		}
		refs = append(refs, r.AttachmentRef)
	}
	if len(failed) > 0 {
		s.failTurn("Upload failed: " + strings.Join(failed, ", "))
		return
	}
	s.transmit(text, refs)
}

// transmit writes the user_message frame for the current turn.
func (s *Session) transmit(text string, refs []models.AttachmentRef) {
	if s.conn == nil {
		s.failTurn("Failed to send message: not connected")
		return
	}
	payload, err := protocol.EncodeUserMessage(protocol.UserMessage{Content: text, Attachments: refs})
	if err != nil {
		s.failTurn("Failed to send message: " + err.Error())
		return
	}
	if err := s.conn.conn.Write(payload); err != nil {
		s.log.Warn("write user message", zap.Error(err))
		s.failTurn("Failed to send message: " + err.Error())
		return
	}
	s.draft = ""
	s.staged = nil
}

func (s *Session) failTurn(notice string) {
	s.appendSystem(notice)
	s.endTurn()
}

// handleCancel drops the connection mid-turn and opens a fresh one right away.
func (s *Session) handleCancel() bool {
	if s.phase == PhaseIdle {
		return false
	}
	s.log.Debug("cancelling turn", zap.Stringer("phase", s.phase))
	s.teardown()
	s.connect()
	return true
}
