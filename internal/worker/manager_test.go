package worker

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"unichat/internal/config"
	"unichat/internal/models"
	"unichat/internal/protocol"
	"unichat/internal/service/ai"
	"unichat/internal/service/assistant"
	"unichat/internal/storage"
)

func TestManagerStreamNewConversation(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "alice", 1)
	manager := newTestManager(t, asst.svc, &fakeAI{}, Options{TurnCost: 0.25, LowCreditThreshold: 0.1})

	rec := &frameRecorder{}
	res, err := manager.Stream(TurnRequest{
		Context: context.Background(),
		UserID:  userID,
		Model:   "auto",
		Content: "hello world",
		Emit:    rec.emit,
	})
	if err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if res.ConversationID == "" || res.Message == nil || res.Message.Content != "ai: hello world" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if res.Message.Model != "fake-model" {
		t.Fatalf("assistant message model = %q", res.Message.Model)
	}
	if res.Remaining != 0.75 || res.Title != "fake-title" {
		t.Fatalf("unexpected remaining/title: %v %q", res.Remaining, res.Title)
	}

	want := []protocol.Frame{
		protocol.ConversationIDEvent{ConversationID: res.ConversationID},
		protocol.RouteEvent{Model: "fake-model"},
		protocol.ContentDelta{Delta: "ai: "},
		protocol.ContentDelta{Delta: "hello world"},
		protocol.CostEvent{Cost: "0.25"},
	}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("frames = %#v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %#v, want %#v", i, got[i], want[i])
		}
	}

	conv, msgs, err := asst.svc.GetConversationWithMessages(context.Background(), userID, res.ConversationID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.Title != "fake-title" {
		t.Fatalf("title not stored: %q", conv.Title)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected stored messages: %#v", msgs)
	}
}

func TestManagerStreamExistingConversationUsesHistory(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "bob", 5)
	fake := &fakeAI{}
	manager := newTestManager(t, asst.svc, fake, Options{TurnCost: 0.01})

	first, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "one"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	// a fresh manager has to load the history from the database
	other := newTestManager(t, asst.svc, fake, Options{TurnCost: 0.01})
	for _, m := range []*Manager{manager, other} {
		rec := &frameRecorder{}
		res, err := m.Stream(TurnRequest{
			Context:        context.Background(),
			UserID:         userID,
			ConversationID: first.ConversationID,
			Content:        "again",
			Emit:           rec.emit,
		})
		if err != nil {
			t.Fatalf("follow-up turn: %v", err)
		}
		if res.Title != "" {
			t.Fatalf("title regenerated on follow-up: %q", res.Title)
		}
		if _, ok := rec.all()[0].(protocol.RouteEvent); !ok {
			t.Fatalf("follow-up should start with route, got %#v", rec.all()[0])
		}
	}
	lengths := fake.historyLengths()
	if len(lengths) != 3 || lengths[0] != 1 || lengths[1] != 3 || lengths[2] != 5 {
		t.Fatalf("unexpected history lengths: %v", lengths)
	}
}

func TestManagerCreditsWarningAndExhaustion(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "carol", 0.015)
	manager := newTestManager(t, asst.svc, &fakeAI{}, Options{TurnCost: 0.01, LowCreditThreshold: 0.5})

	rec := &frameRecorder{}
	res, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "hi", Emit: rec.emit})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	frames := rec.all()
	if len(frames) < 2 {
		t.Fatalf("too few frames %#v", frames)
	}
	if _, ok := frames[len(frames)-2].(protocol.WarningEvent); !ok {
		t.Fatalf("expected a warning before the cost, got %#v", frames)
	}
	if _, ok := frames[len(frames)-1].(protocol.CostEvent); !ok {
		t.Fatalf("expected the cost last, got %#v", frames)
	}

	res, err = manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, ConversationID: res.ConversationID, Content: "hi"})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected balance exhausted, got %v", res.Remaining)
	}

	if _, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "hi"}); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestManagerErrors(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "dave", 1)
	boom := errors.New("provider down")
	manager := newTestManager(t, asst.svc, &fakeAI{streamErr: boom}, Options{TurnCost: 0.01})
	ctx := context.Background()

	if _, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, Model: "nope", Content: "x"}); !errors.Is(err, ai.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if _, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, ConversationID: "missing", Content: "x"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
	refs := []models.AttachmentRef{{ID: "gone", Name: "gone.txt"}}
	if _, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, Content: "x", Attachments: refs}); !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("expected ErrAttachmentNotFound, got %v", err)
	}
	if _, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, Content: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	credits, err := asst.svc.Credits(ctx, userID)
	if err != nil || credits != 1 {
		t.Fatalf("failed turns must not charge: %v %v", credits, err)
	}
}

func TestManagerPassesUploadsInOrder(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "erin", 1)
	fake := &fakeAI{}
	manager := newTestManager(t, asst.svc, fake, Options{TurnCost: 0.01})
	ctx := context.Background()

	a, err := asst.svc.RecordUpload(ctx, userID, "a.txt", "/tmp/a.txt", "text/plain", 1, time.Hour)
	if err != nil {
		t.Fatalf("record upload: %v", err)
	}
	b, err := asst.svc.RecordUpload(ctx, userID, "b.png", "/tmp/b.png", "image/png", 2, time.Hour)
	if err != nil {
		t.Fatalf("record upload: %v", err)
	}
	res, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, Content: "files", Attachments: []models.AttachmentRef{b.Ref(), a.Ref()}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	uploads := fake.lastUploads()
	if len(uploads) != 2 || uploads[0].ID != b.ID || uploads[1].ID != a.ID {
		t.Fatalf("unexpected uploads: %#v", uploads)
	}
	_, msgs, err := asst.svc.GetConversationWithMessages(ctx, userID, res.ConversationID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if len(msgs[0].Attachments) != 2 {
		t.Fatalf("attachments not persisted on user message: %#v", msgs[0])
	}
}

func TestManagerPurgeDropsCachedHistory(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "frank", 1)
	manager := newTestManager(t, asst.svc, &fakeAI{}, Options{TurnCost: 0.01})

	res, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, ok := manager.state.get(userID, res.ConversationID); !ok {
		t.Fatalf("expected history cached after turn")
	}
	if _, ok := manager.state.get(userID+1, res.ConversationID); ok {
		t.Fatalf("history must not be served to another user")
	}
	manager.Purge(context.Background(), userID, res.ConversationID)
	if _, ok := manager.state.get(userID, res.ConversationID); ok {
		t.Fatalf("purge did not clear cached history")
	}
}

func TestDispatcherBusy(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "gina", 10)
	otherID := insertUser(t, asst.db, "gus", 10)
	blocking := &fakeBlockingAI{block: make(chan struct{}), started: make(chan struct{})}
	manager := newTestManager(t, asst.svc, blocking, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1, TurnCost: 0.01})

	errs := make(chan error, 2)
	go func() {
		_, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "first"})
		errs <- err
	}()
	waitStarted(t, blocking.started)

	go func() {
		_, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: otherID, Content: "queued"})
		errs <- err
	}()
	waitUntil(t, "second job queued", func() bool { return manager.dispatcher.Pending() == 1 })

	if _, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "rejected"}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	close(blocking.block)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("queued turn failed: %v", err)
		}
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	asst := newTestAssistant(t)
	users := []int64{
		insertUser(t, asst.db, "u1", 10),
		insertUser(t, asst.db, "u2", 10),
		insertUser(t, asst.db, "u3", 10),
	}
	var (
		mu    sync.Mutex
		order []string
	)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	labeled := &labeledAI{onRun: func(label string) {
		if label == "block" {
			once.Do(func() { close(started) })
			<-release
			return
		}
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}}
	manager := newTestManager(t, asst.svc, labeled, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10, TurnCost: 0.01})

	blocker := submit(t, manager, users[2], "block")
	waitStarted(t, started)

	tasks := []*turnTask{
		submit(t, manager, users[0], "a1"),
		submit(t, manager, users[0], "a2"),
		submit(t, manager, users[0], "a3"),
		submit(t, manager, users[1], "b1"),
	}
	close(release)
	for _, task := range append([]*turnTask{blocker}, tasks...) {
		if ret := <-task.resultCh; ret.err != nil {
			t.Fatalf("job failed: %v", ret.err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a1", "b1", "a2", "a3"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected job order: %v, want %v", order, want)
	}
}

func TestManagerResetUserFailsQueuedTurns(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "hank", 10)
	blocking := &fakeBlockingAI{block: make(chan struct{}), started: make(chan struct{})}
	manager := newTestManager(t, asst.svc, blocking, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4, TurnCost: 0.01})

	running := submit(t, manager, userID, "running")
	waitStarted(t, blocking.started)
	queued := submit(t, manager, userID, "queued")

	manager.ResetUser(context.Background(), userID)
	if ret := <-queued.resultCh; !errors.Is(ret.err, context.Canceled) {
		t.Fatalf("expected queued turn cancelled, got %v", ret.err)
	}
	close(blocking.block)
	if ret := <-running.resultCh; ret.err != nil {
		t.Fatalf("running turn failed: %v", ret.err)
	}
}

func TestManagerStreamHonoursContext(t *testing.T) {
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "ivan", 10)
	blocking := &fakeBlockingAI{block: make(chan struct{}), started: make(chan struct{})}
	manager := newTestManager(t, asst.svc, blocking, Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4, TurnCost: 0.01})
	defer close(blocking.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := manager.Stream(TurnRequest{Context: ctx, UserID: userID, Content: "slow"})
		done <- err
	}()
	waitStarted(t, blocking.started)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stream did not return after cancel")
	}
}

func TestPoolRetiresIdleWorkersAboveMinimum(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := newWorkerPool(1, 3, time.Hour, func(*turnTask) {})
	clock := time.Now()
	pool.now = func() time.Time { return clock }
	for i := 0; i < 3; i++ {
		if !pool.grow() {
			t.Fatalf("grow %d refused", i)
		}
	}
	if pool.grow() {
		t.Fatalf("grow beyond max should be refused")
	}
	waitUntil(t, "three idle workers", func() bool {
		running, idle := pool.counts()
		return running == 3 && idle == 3
	})

	pool.reap()
	if running, _ := pool.counts(); running != 3 {
		t.Fatalf("fresh workers must survive reap, running=%d", running)
	}

	clock = clock.Add(2 * time.Hour)
	pool.reap()
	waitUntil(t, "stale workers retired", func() bool {
		running, idle := pool.counts()
		return running == 1 && idle == 1
	})
	pool.shutdown()
}

func TestPoolHandsOutMostRecentlyParkedWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ran := make(chan *turnTask, 1)
	pool := newWorkerPool(0, 2, time.Hour, func(task *turnTask) { ran <- task })
	pool.grow()
	pool.grow()
	waitUntil(t, "two idle workers", func() bool {
		_, idle := pool.counts()
		return idle == 2
	})

	pool.mu.Lock()
	top := pool.idle[len(pool.idle)-1].jobs
	pool.mu.Unlock()

	ch := pool.checkout()
	if ch != top {
		t.Fatalf("checkout should pop the top of the idle stack")
	}
	task := &turnTask{}
	ch <- Job{Type: Run, Turn: task}
	select {
	case got := <-ran:
		if got != task {
			t.Fatalf("worker ran the wrong task")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not run the job")
	}
	waitUntil(t, "worker parked again", func() bool {
		_, idle := pool.counts()
		return idle == 2
	})
	pool.shutdown()
	if pool.checkout() != nil {
		t.Fatalf("checkout after shutdown should return nil")
	}
}

func TestManagerCloseStopsWorkers(t *testing.T) {
	asst := newTestAssistant(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	manager := NewManager(asst.svc, &fakeAI{}, Options{MinWorkers: 2, MaxWorkers: 4, QueueSize: 4})
	userID := insertUser(t, asst.db, "jill", 1)
	if _, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "hi"}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	manager.Close()
	if _, err := manager.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "late"}); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped after Close, got %v", err)
	}
}

func TestHistoryStateExpiry(t *testing.T) {
	state := newHistoryState(time.Minute)
	now := time.Now()
	state.now = func() time.Time { return now }

	state.set(1, "c1", []models.Message{{ID: 1}})
	if _, ok := state.appendMessages(1, "c1", models.Message{ID: 2}); !ok {
		t.Fatalf("append to cached history failed")
	}
	if _, ok := state.appendMessages(1, "other", models.Message{ID: 3}); ok {
		t.Fatalf("append must not create entries")
	}
	if msgs, ok := state.get(1, "c1"); !ok || len(msgs) != 2 {
		t.Fatalf("unexpected cached history: %v %v", msgs, ok)
	}

	state.set(2, "c2", nil)
	state.purgeUser(2)
	if _, ok := state.get(2, "c2"); ok {
		t.Fatalf("purgeUser kept entries")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := state.get(1, "c1"); ok {
		t.Fatalf("expired history served")
	}
	if state.len() != 0 {
		t.Fatalf("expired entry not dropped")
	}
}

// --- helpers ---

type testAssistant struct {
	db  *sql.DB
	svc *assistant.Service
}

func newTestAssistant(t *testing.T) *testAssistant {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &testAssistant{db: db, svc: assistant.NewService(db, 1)}
}

func insertUser(t *testing.T, db *sql.DB, username string, credits float64) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, credits, created_at) VALUES (?, '', ?, ?)`,
		username, credits, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

func newTestManager(t *testing.T, store Store, replier Replier, opts Options) *Manager {
	t.Helper()
	if opts.MaxWorkers == 0 {
		opts.MinWorkers, opts.MaxWorkers, opts.QueueSize = 2, 2, 10
	}
	m := NewManager(store, replier, opts)
	t.Cleanup(m.Close)
	return m
}

func submit(t *testing.T, m *Manager, userID int64, content string) *turnTask {
	t.Helper()
	task := &turnTask{
		req:      TurnRequest{Context: context.Background(), UserID: userID, Content: content},
		resultCh: make(chan turnReturn, 1),
	}
	if err := m.dispatcher.Submit(userID, Job{Type: Run, Turn: task}); err != nil {
		t.Fatalf("submit %s: %v", content, err)
	}
	return task
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("job never started")
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *frameRecorder) emit(f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) all() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

var fakeRoute = ai.Route{Provider: "fake", Kind: "fake", Model: "fake-model"}

type fakeAI struct {
	streamErr error

	mu      sync.Mutex
	lengths []int
	uploads []models.Upload
}

func (f *fakeAI) Resolve(requested string) (ai.Route, error) {
	if requested == "" || requested == "auto" {
		return fakeRoute, nil
	}
	return ai.Route{}, ai.ErrUnknownModel
}

func (f *fakeAI) StreamReply(ctx context.Context, turn ai.Turn, emit func(string) error) (string, error) {
	f.mu.Lock()
	f.lengths = append(f.lengths, len(turn.History))
	f.uploads = turn.Uploads
	f.mu.Unlock()
	if f.streamErr != nil {
		return "", f.streamErr
	}
	content := turn.History[len(turn.History)-1].Content
	for _, d := range []string{"ai: ", content} {
		if err := emit(d); err != nil {
			return "", err
		}
	}
	return "ai: " + content, nil
}

func (f *fakeAI) GenerateTitle(ctx context.Context, route ai.Route, text string) string {
	return "fake-title"
}

func (f *fakeAI) historyLengths() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.lengths...)
}

func (f *fakeAI) lastUploads() []models.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeBlockingAI struct {
	fakeAI
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeBlockingAI) StreamReply(ctx context.Context, turn ai.Turn, emit func(string) error) (string, error) {
	f.once.Do(func() {
		if f.started != nil {
			close(f.started)
		}
	})
	select {
	case <-f.block:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "ai: " + turn.History[len(turn.History)-1].Content, nil
}

type labeledAI struct {
	fakeAI
	onRun func(label string)
}

func (f *labeledAI) StreamReply(ctx context.Context, turn ai.Turn, emit func(string) error) (string, error) {
	label := turn.History[len(turn.History)-1].Content
	if f.onRun != nil {
		f.onRun(label)
	}
	return "ai: " + label, nil
}
