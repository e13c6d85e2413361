package chat

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"unichat/internal/models"
	"unichat/internal/protocol"
	"unichat/internal/transport"
)

const waitTimeout = 2 * time.Second

// --- fake transport ---

type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	conns  []*fakeConn
	errs   []error
	always error
	gate   chan struct{}
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, target)
	err := d.always
	if err == nil && len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) query(t *testing.T, i int) url.Values {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.urls) {
		t.Fatalf("dial %d never happened (%d dials)", i, len(d.urls))
	}
	u, err := url.Parse(d.urls[i])
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	return u.Query()
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("no connection dialed")
		return nil
	}
}

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	readErr   error
	written   [][]byte
	closeCode int
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
	}
	c.mu.Unlock()
	c.finish(&websocket.CloseError{Code: code, Text: reason})
	return nil
}

func (c *fakeConn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// serverClose simulates the gateway closing with a close frame.
func (c *fakeConn) serverClose(code int, reason string) {
	c.finish(&websocket.CloseError{Code: code, Text: reason})
}

// drop simulates the socket dying without a close frame.
func (c *fakeConn) drop() {
	c.finish(errors.New("connection reset by peer"))
}

func (c *fakeConn) push(t *testing.T, frames ...protocol.Frame) {
	t.Helper()
	for _, f := range frames {
		data, err := protocol.Encode(f)
		if err != nil {
			t.Fatalf("encode frame: %v", err)
		}
		c.inbound <- data
	}
}

func (c *fakeConn) pushRaw(data string) {
	c.inbound <- []byte(data)
}

func (c *fakeConn) sent(t *testing.T) []protocol.UserMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.UserMessage, 0, len(c.written))
	for _, raw := range c.written {
		msg, err := protocol.DecodeUserMessage(raw)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// --- fake backend ---

type fakeBackend struct {
	mu          sync.Mutex
	history     map[string][]models.Message
	historyErr  error
	historyGate chan struct{}
	uploadGate  chan struct{}
	uploadFn    func([]models.LocalFile) ([]models.UploadResult, error)
	uploads     int
	uploadErrs  []error
	refreshes   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]models.Message)}
}

func (b *fakeBackend) FetchHistory(ctx context.Context, id string) ([]models.Message, error) {
	b.mu.Lock()
	gate := b.historyGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return b.history[id], nil
}

// Upload blocks on uploadGate like a slow request and records the state of
// ctx when it returns.
func (b *fakeBackend) Upload(ctx context.Context, files []models.LocalFile) ([]models.UploadResult, error) {
	b.mu.Lock()
	b.uploads++
	gate := b.uploadGate
	fn := b.uploadFn
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	b.mu.Lock()
	b.uploadErrs = append(b.uploadErrs, ctx.Err())
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(files)
	}
	results := make([]models.UploadResult, 0, len(files))
	for i, f := range files {
		results = append(results, models.UploadResult{AttachmentRef: models.AttachmentRef{
			ID:       "upload-" + string(rune('a'+i)),
			Name:     f.Name,
			Type:     models.AttachmentKind(f.MimeType),
			Size:     f.Size,
			MimeType: f.MimeType,
		}})
	}
	return results, nil
}

// finishedUploads waits for n uploads to return and reports their ctx errors.
func (b *fakeBackend) finishedUploads(t *testing.T, n int) []error {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		b.mu.Lock()
		errs := append([]error(nil), b.uploadErrs...)
		b.mu.Unlock()
		if len(errs) >= n {
			return errs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d finished uploads, got %d", n, len(errs))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (b *fakeBackend) RefreshProfile(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return nil
}

func (b *fakeBackend) refreshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshes
}

type fakeNavigator struct {
	mu  sync.Mutex
	ids []string
}

func (n *fakeNavigator) ReplaceConversation(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

func (n *fakeNavigator) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

// --- session helpers ---

type harness struct {
	session *Session
	dialer  *fakeDialer
	backend *fakeBackend
	nav     *fakeNavigator
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{dialer: newFakeDialer(), backend: newFakeBackend(), nav: &fakeNavigator{}}
	opts := Options{
		GatewayURL:     "ws://gateway.test/ws/chat",
		Token:          "tok",
		Model:          "auto",
		ReconnectDelay: 30 * time.Millisecond,
		Dialer:         h.dialer,
		Backend:        h.backend,
		Navigator:      h.nav,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.session = s
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.session.Close)
}

// startOpen starts the session and waits for the first connection to open.
func (h *harness) startOpen(t *testing.T) *fakeConn {
	t.Helper()
	h.start(t)
	c := h.dialer.waitConn(t)
	waitFor(t, h.session, "connection open", func(s Snapshot) bool { return s.Conn == ConnOpen })
	return c
}

func waitFor(t *testing.T, s *Session, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		snap := s.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; phase=%s conn=%s messages=%d", what, snap.Phase, snap.Conn, len(snap.Messages))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func localFile(name, mime string, size int64) models.LocalFile {
	return models.LocalFile{Path: "/tmp/" + name, Name: name, MimeType: mime, Size: size}
}
