// Package worker runs chat turns for the gateway on a bounded worker pool and
// keeps conversation history cached between turns.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unichat/internal/logging"
	"unichat/internal/models"
	"unichat/internal/protocol"
	"unichat/internal/redis"
	"unichat/internal/service/ai"
	"unichat/internal/service/assistant"
)

const defaultConversationTitle = "New Chat"

var (
	ErrInsufficientCredits  = assistant.ErrInsufficientCredits
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAttachmentNotFound   = errors.New("attachment not found or expired")
)

// Store is the persistence the manager needs.
type Store interface {
	Credits(ctx context.Context, userID int64) (float64, error)
	ChargeCredits(ctx context.Context, userID int64, amount float64) (float64, error)
	CreateConversation(ctx context.Context, userID int64, title, model string) (*models.Conversation, error)
	GetConversationWithMessages(ctx context.Context, userID int64, conversationID string) (*models.Conversation, []models.Message, error)
	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateConversationTitle(ctx context.Context, userID int64, conversationID, title string) error
	GetUploads(ctx context.Context, userID int64, ids []string) ([]models.Upload, error)
}

// Replier produces model replies.
type Replier interface {
	Resolve(requested string) (ai.Route, error)
	StreamReply(ctx context.Context, turn ai.Turn, emit func(delta string) error) (string, error)
	GenerateTitle(ctx context.Context, route ai.Route, text string) string
}

// Options configure a Manager.
type Options struct {
	MinWorkers         int
	MaxWorkers         int
	QueueSize          int
	IdleTimeout        time.Duration
	TurnCost           float64
	LowCreditThreshold float64
	// Cache shares history between instances; nil keeps it in-process only.
	Cache  *redis.Client
	Logger *zap.Logger
}

// TurnRequest is one user message to answer. Emit receives every frame the
// client should see, in order, from a worker goroutine.
type TurnRequest struct {
	Context        context.Context
	UserID         int64
	ConversationID string
	Model          string
	Content        string
	Attachments    []models.AttachmentRef
	Emit           func(protocol.Frame) error
}

// TurnResult describes a completed turn.
type TurnResult struct {
	ConversationID string
	Message        *models.Message
	Title          string
	Remaining      float64
}

type turnTask struct {
	req      TurnRequest
	resultCh chan turnReturn
}

type turnReturn struct {
	result *TurnResult
	err    error
}

func (t *turnTask) fail(err error) {
	t.resultCh <- turnReturn{err: err}
}

// Manager answers turns on the dispatcher's workers.
type Manager struct {
	store   Store
	replier Replier
	opts    Options
	log     *zap.Logger

	dispatcher *Dispatcher
	state      *historyState
	cache      *stateRedis

	stopListener context.CancelFunc
	listenerDone <-chan struct{}
}

func NewManager(store Store, replier Replier, opts Options) *Manager {
	log := logging.OrNop(opts.Logger).With(zap.String("component", "worker"))
	m := &Manager{
		store:   store,
		replier: replier,
		opts:    opts,
		log:     log,
		state:   newHistoryState(historyTTL),
		cache:   newStateCache(opts.Cache, uuid.NewString(), log),
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopListener = cancel
	m.listenerDone = m.cache.startListener(ctx, m.handleInvalidation)
	m.dispatcher = NewDispatcher(opts.MinWorkers, opts.MaxWorkers, opts.QueueSize, m, opts.IdleTimeout, log)
	return m
}

// Stream answers req and blocks until the turn completes or req.Context is done.
func (m *Manager) Stream(req TurnRequest) (*TurnResult, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	task := &turnTask{req: req, resultCh: make(chan turnReturn, 1)}
	if err := m.dispatcher.Submit(req.UserID, Job{Type: Run, Turn: task}); err != nil {
		return nil, err
	}
	select {
	case ret := <-task.resultCh:
		return ret.result, ret.err
	case <-req.Context.Done():
		return nil, req.Context.Err()
	}
}

// Purge drops the cached history of a conversation here and on other instances.
func (m *Manager) Purge(ctx context.Context, userID int64, conversationID string) {
	m.state.purge(conversationID)
	m.cache.invalidateHistory(ctx, conversationID)
	m.cache.publishInvalidation(ctx, invalidateMessage{UserID: userID, ConversationID: conversationID, Scope: scopeConversation})
}

// ResetUser drops the user's queued turns and cached histories.
func (m *Manager) ResetUser(ctx context.Context, userID int64) {
	for _, job := range m.dispatcher.CancelUser(userID) {
		job.Turn.fail(context.Canceled)
	}
	m.state.purgeUser(userID)
	m.cache.publishInvalidation(ctx, invalidateMessage{UserID: userID, Scope: scopeUser})
}

// Close stops the workers and the invalidation listener.
func (m *Manager) Close() {
	m.dispatcher.Stop()
	m.stopListener()
	<-m.listenerDone
}

func (m *Manager) handleInvalidation(inv invalidateMessage) {
	switch inv.Scope {
	case scopeConversation:
		m.state.purge(inv.ConversationID)
	case scopeUser:
		m.state.purgeUser(inv.UserID)
	}
}

func (m *Manager) handleTurn(task *turnTask) {
	result, err := m.runTurn(task.req)
	task.resultCh <- turnReturn{result: result, err: err}
}

func (m *Manager) runTurn(req TurnRequest) (*TurnResult, error) {
	ctx := req.Context
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emit := req.Emit
	if emit == nil {
		emit = func(protocol.Frame) error { return nil }
	}
	log := m.log.With(zap.Int64("user_id", req.UserID))

	credits, err := m.store.Credits(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load credits: %w", err)
	}
	if credits <= 0 {
		return nil, ErrInsufficientCredits
	}
	route, err := m.replier.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	uploads, err := m.loadUploads(ctx, req.UserID, req.Attachments)
	if err != nil {
		return nil, err
	}

	conversationID := req.ConversationID
	var history []models.Message
	if conversationID == "" {
		conv, err := m.store.CreateConversation(ctx, req.UserID, defaultConversationTitle, route.Model)
		if err != nil {
			return nil, err
		}
		conversationID = conv.ID
		m.state.set(req.UserID, conversationID, nil)
		if err := emit(protocol.ConversationIDEvent{ConversationID: conversationID}); err != nil {
			return nil, err
		}
	} else {
		history, err = m.history(ctx, req.UserID, conversationID)
		if err != nil {
			return nil, err
		}
	}
	log = log.With(zap.String("conversation_id", conversationID), zap.String("route", route.Key()))
	if err := emit(protocol.RouteEvent{Model: route.Model}); err != nil {
		return nil, err
	}

	userMsg, err := m.store.AddMessage(ctx, models.Message{
		UserID:         req.UserID,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        req.Content,
		Attachments:    req.Attachments,
	})
	if err != nil {
		return nil, err
	}
	m.remember(ctx, req.UserID, conversationID, *userMsg)

	reply, err := m.replier.StreamReply(ctx, ai.Turn{
		Route:   route,
		History: append(history, *userMsg),
		Uploads: uploads,
	}, func(delta string) error {
		return emit(protocol.ContentDelta{Delta: delta})
	})
	if err != nil {
		log.Warn("model reply failed", zap.Error(err))
		return nil, err
	}

	aiMsg, err := m.store.AddMessage(ctx, models.Message{
		UserID:         req.UserID,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply,
		Model:          route.Model,
	})
	if err != nil {
		return nil, err
	}
	m.remember(ctx, req.UserID, conversationID, *aiMsg)

	var title string
	if len(history) == 0 {
		title = m.replier.GenerateTitle(ctx, route, req.Content)
		if err := m.store.UpdateConversationTitle(ctx, req.UserID, conversationID, title); err != nil {
			log.Warn("update title", zap.Error(err))
		}
	}

	remaining, err := m.store.ChargeCredits(ctx, req.UserID, m.opts.TurnCost)
	if errors.Is(err, ErrInsufficientCredits) {
		remaining, err = 0, nil
	}
	if err != nil {
		return nil, fmt.Errorf("charge credits: %w", err)
	}
	if remaining > 0 && remaining < m.opts.LowCreditThreshold {
		if err := emit(protocol.WarningEvent{Message: fmt.Sprintf("Low credits: %.2f remaining", remaining)}); err != nil {
			return nil, err
		}
	}
	// cost is always the last frame of a successful turn
	if err := emit(protocol.CostEvent{Cost: strconv.FormatFloat(m.opts.TurnCost, 'f', -1, 64)}); err != nil {
		return nil, err
	}
	log.Debug("turn complete", zap.Float64("remaining", remaining))
	return &TurnResult{
		ConversationID: conversationID,
		Message:        aiMsg,
		Title:          title,
		Remaining:      remaining,
	}, nil
}

// history returns the conversation's messages, trying the in-process cache,
// then redis, then the database.
func (m *Manager) history(ctx context.Context, userID int64, conversationID string) ([]models.Message, error) {
	if msgs, ok := m.state.get(userID, conversationID); ok {
		return msgs, nil
	}
	if msgs, ok := m.cache.loadHistory(ctx, userID, conversationID); ok {
		m.state.set(userID, conversationID, msgs)
		return msgs, nil
	}
	_, msgs, err := m.store.GetConversationWithMessages(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	m.state.set(userID, conversationID, msgs)
	m.cache.cacheHistory(ctx, userID, conversationID, msgs)
	return msgs, nil
}

func (m *Manager) remember(ctx context.Context, userID int64, conversationID string, msg models.Message) {
	msgs, ok := m.state.appendMessages(userID, conversationID, msg)
	if !ok {
		return
	}
	m.cache.cacheHistory(ctx, userID, conversationID, msgs)
}

func (m *Manager) loadUploads(ctx context.Context, userID int64, refs []models.AttachmentRef) ([]models.Upload, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	uploads, err := m.store.GetUploads(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Upload, len(uploads))
	for _, u := range uploads {
		byID[u.ID] = u
	}
	ordered := make([]models.Upload, 0, len(refs))
	for _, r := range refs {
		u, ok := byID[r.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAttachmentNotFound, r.Name)
		}
		ordered = append(ordered, u)
	}
	return ordered, nil
}
