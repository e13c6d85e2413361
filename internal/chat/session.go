// Package chat implements the client side of a streaming chat conversation:
// one connection per session, reconnect on transient drops, assembly of
// streamed assistant replies and optimistic sends.
//
// All session state is owned by a single event-loop goroutine. Socket reads,
// dial results, timers, upload and history completions are posted to that
// loop as closures, so handlers never race each other.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"unichat/internal/logging"
	"unichat/internal/models"
	"unichat/internal/transport"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	defaultRefreshTimeout = 10 * time.Second
	eventBuffer           = 64
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
)

// Backend is the REST side the session depends on.
type Backend interface {
	FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error)
	Upload(ctx context.Context, files []models.LocalFile) ([]models.UploadResult, error)
	RefreshProfile(ctx context.Context) error
}

// Options configure a Session.
type Options struct {
	GatewayURL     string
	Token          string
	Model          string
	ConversationID string
	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed reconnects; 0 retries forever.
	MaxReconnectAttempts int

	Dialer    transport.Dialer
	Backend   Backend
	Navigator Navigator
	Logger    *zap.Logger
	// OnChange is called from the session loop after every state change. It
	// must not call back into the Session synchronously.
	OnChange func(Snapshot)
}

// Snapshot is an immutable view of the session for rendering.
type Snapshot struct {
	Messages       []Message
	Phase          Phase
	Conn           ConnState
	ConversationID string
	Model          string
	PendingRoute   string
	Draft          string
	Staged         []models.LocalFile
}

func (s Snapshot) Streaming() bool { return s.Phase == PhaseStreaming }
func (s Snapshot) Thinking() bool  { return s.Phase == PhaseThinking }

// Session is one live chat conversation.
type Session struct {
	opts Options
	log  *zap.Logger

	events    chan func()
	done      chan struct{}
	stateMu   sync.Mutex
	started   bool
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Fields below are owned by the loop goroutine.
	store    *Store
	identity *Identity
	model    string
	phase    Phase
	pending  string // model named by the last route event

	conn       *liveConn
	connState  ConnState
	connGen    uint64
	dialCancel context.CancelFunc
	attempts   int

	retryTimer *time.Timer
	timerSeq   uint64

	storeGen uint64
	turnSeq  uint64

	draft  string
	staged []models.LocalFile
}

// New validates opts and returns an unstarted session.
func New(opts Options) (*Session, error) {
	if opts.GatewayURL == "" {
		return nil, errors.New("gateway url is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts < 0 {
		return nil, errors.New("max reconnect attempts must not be negative")
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewDialer()
	}
	s := &Session{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).With(zap.String("component", "chat")),
		events:   make(chan func(), eventBuffer),
		done:     make(chan struct{}),
		store:    NewStore(),
		identity: NewIdentity(opts.ConversationID),
		model:    opts.Model,
	}
	return s, nil
}

// Start launches the session loop, loads history for a resumed conversation
// and opens the first connection. The session stops when ctx is cancelled or
// Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	s.post(func() {
		if s.identity.Resumed() {
			s.fetchHistory()
		}
		s.connect()
	})
	return nil
}

// Close tears down the connection and stops the loop. It is safe to call
// more than once. A session closed before Start can no longer be started.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.closed = true
		started := s.started
		s.stateMu.Unlock()
		if !started {
			return
		}
		s.cancel()
		<-s.done
	})
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send submits text and files as a new user turn. It reports whether the
// send was accepted.
func (s *Session) Send(text string, files []models.LocalFile) bool {
	var accepted bool
	s.do(func() { accepted = s.handleSend(text, files) })
	return accepted
}

// SendDraft sends the composer draft and staged files.
func (s *Session) SendDraft() bool {
	var accepted bool
	s.do(func() { accepted = s.handleSend(s.draft, s.staged) })
	return accepted
}

// SetDraft replaces the composer text.
func (s *Session) SetDraft(text string) {
	s.do(func() { s.draft = text })
}

// StageFiles adds files to the composer.
func (s *Session) StageFiles(files ...models.LocalFile) {
	s.do(func() { s.staged = append(s.staged, files...) })
}

// ClearStaged removes all staged files from the composer.
func (s *Session) ClearStaged() {
	s.do(func() { s.staged = nil })
}

// Cancel aborts the turn in flight. The partial reply is kept. It reports
// whether there was anything to cancel.
func (s *Session) Cancel() bool {
	var cancelled bool
	s.do(func() { cancelled = s.handleCancel() })
	return cancelled
}

// Reset switches to conversationID, or to a new conversation when it is
// empty. The message list is replaced, not merged.
func (s *Session) Reset(conversationID string) {
	s.do(func() { s.handleReset(conversationID) })
}

// SetModel changes the requested model and reconnects with it.
func (s *Session) SetModel(model string) {
	s.do(func() {
		if model == s.model {
			return
		}
		s.model = model
		s.teardown()
		s.connect()
	})
}

// Model returns the requested model.
func (s *Session) Model() string {
	var m string
	if !s.do(func() { m = s.model }) {
		return s.opts.Model
	}
	return m
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	s.do(func() { snap = s.snapshot() })
	return snap
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			if s.conn != nil {
				s.connState = ConnClosing
				s.notify()
			}
			s.teardown()
			s.notify()
			return
		case fn := <-s.events:
			fn()
			s.notify()
		}
	}
}

// post queues fn on the loop. It returns false once the session has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) bool {
	s.stateMu.Lock()
	started := s.started
	s.stateMu.Unlock()
	if !started {
		return false
	}
	finished := make(chan struct{})
	if !s.post(func() { fn(); close(finished) }) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		Messages:       s.store.Messages(),
		Phase:          s.phase,
		Conn:           s.connState,
		ConversationID: s.identity.ID(),
		Model:          s.model,
		PendingRoute:   s.pending,
		Draft:          s.draft,
		Staged:         append([]models.LocalFile(nil), s.staged...),
	}
}

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.snapshot())
	}
}

// endTurn returns to Idle. An upload still in flight finishes, but its
// result no longer matches turnSeq.
func (s *Session) endTurn() {
	s.phase = PhaseIdle
	s.pending = ""
	s.turnSeq++
}

func (s *Session) appendSystem(text string) {
	s.store.Append(Message{Role: models.RoleSystem, Content: text})
}

func (s *Session) handleReset(conversationID string) {
	s.teardown()
	s.storeGen++
	s.store = NewStore()
	s.identity = NewIdentity(conversationID)
	s.draft = ""
	s.staged = nil
	if s.identity.Resumed() {
		s.fetchHistory()
	}
	s.connect()
}

func (s *Session) fetchHistory() {
	if s.opts.Backend == nil {
		return
	}
	gen := s.storeGen
	id := s.identity.ID()
	go func() {
		history, err := s.opts.Backend.FetchHistory(s.ctx, id)
		s.post(func() { s.onHistory(gen, id, history, err) })
	}()
}

func (s *Session) onHistory(gen uint64, id string, history []models.Message, err error) {
	if gen != s.storeGen {
		s.log.Debug("dropping stale history", zap.String("conversation_id", id))
		return
	}
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("fetch history failed", zap.String("conversation_id", id), zap.Error(err))
		s.appendSystem("Failed to load conversation history: " + err.Error())
		return
	}
	msgs := make([]Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, FromHistory(m))
	}
	s.store.Prepend(msgs)
}
