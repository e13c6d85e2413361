package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"unichat/internal/chat"
	"unichat/internal/client"
	"unichat/internal/models"
)

var (
	chatGateway string
	chatAPI     string
	chatToken   string
	chatModel   string
	chatID      string
	chatRetries int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Connects to the gateway and reads messages from stdin.

Commands:
  /cancel          abort the reply in progress
  /new             start a new conversation
  /open <id>       switch to an existing conversation
  /list            list conversations
  /delete <id>     delete a conversation
  /model <name>    change the requested model
  /attach <path>   stage a file for the next message
  /quit            leave`,
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatGateway, "gateway", "", "websocket url (overrides client.gateway_url)")
	f.StringVar(&chatAPI, "api", "", "REST base url (overrides client.api_base_url)")
	f.StringVar(&chatToken, "token", "", "bearer token (overrides client.token)")
	f.StringVar(&chatModel, "model", "", "model to request (overrides client.model)")
	f.StringVar(&chatID, "chat-id", "", "resume this conversation")
	f.IntVar(&chatRetries, "max-reconnects", -1, "give up after this many failed reconnects; 0 retries forever")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cc := cfg.Client
	if chatGateway != "" {
		cc.GatewayURL = chatGateway
	}
	if chatAPI != "" {
		cc.APIBaseURL = chatAPI
	}
	if chatToken != "" {
		cc.Token = chatToken
	}
	if chatModel != "" {
		cc.Model = chatModel
	}
	if chatRetries >= 0 {
		cc.MaxReconnectAttempts = chatRetries
	}
	if cc.Token == "" {
		return errors.New(`no token: run "unichat login" and pass --token`)
	}

	out := cmd.OutOrStdout()
	tr := newTranscript(out)
	rest := client.New(cc.APIBaseURL, cc.Token, client.WithProfileHook(func(p models.Profile) {
		tr.status(fmt.Sprintf("credits: %.2f", p.Credits))
	}))
	session, err := chat.New(chat.Options{
		GatewayURL:           cc.GatewayURL,
		Token:                cc.Token,
		Model:                cc.Model,
		ConversationID:       chatID,
		ReconnectDelay:       cc.ReconnectDelay(),
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		Backend:              rest,
		Navigator:            tr,
		Logger:               logger,
		OnChange:             tr.render,
	})
	if err != nil {
		return err
	}
	if err := session.Start(cmd.Context()); err != nil {
		return err
	}
	defer session.Close()

	r := &repl{session: session, rest: rest, out: out, tr: tr, log: logger.With(zap.String("component", "repl"))}
	return r.run(cmd.Context(), cmd.InOrStdin())
}

type repl struct {
	session *chat.Session
	rest    *client.Client
	out     io.Writer
	tr      *transcript
	log     *zap.Logger
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	interactive := stdinIsTerminal()
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			r.tr.prompt()
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			r.session.SetDraft(line)
			if !r.session.SendDraft() {
				r.tr.status(r.sendRejected())
			}
			continue
		}
		if quit := r.command(ctx, line); quit {
			return nil
		}
	}
}

func (r *repl) sendRejected() string {
	snap := r.session.Snapshot()
	switch {
	case snap.Conn != chat.ConnOpen:
		return fmt.Sprintf("not connected (%s)", snap.Conn)
	case snap.Phase != chat.PhaseIdle:
		return "wait for the reply to finish or /cancel it"
	default:
		return "nothing to send"
	}
}

func (r *repl) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/cancel":
		if !r.session.Cancel() {
			r.tr.status("nothing to cancel")
		}
	case "/new":
		r.tr.reset()
		r.session.Reset("")
	case "/open":
		if arg == "" {
			r.tr.status("usage: /open <conversation id>")
			return false
		}
		r.tr.reset()
		r.session.Reset(arg)
	case "/model":
		if arg == "" {
			r.tr.status("model: " + r.session.Model())
			return false
		}
		r.session.SetModel(arg)
	case "/attach":
		file, err := models.StatLocalFile(arg)
		if err != nil {
			r.tr.status(err.Error())
			return false
		}
		r.session.StageFiles(file)
		r.tr.status(fmt.Sprintf("staged %s (%s, %d bytes)", file.Name, file.MimeType, file.Size))
	case "/list":
		r.listConversations(ctx)
	case "/delete":
		if arg == "" {
			r.tr.status("usage: /delete <conversation id>")
			return false
		}
		reqCtx, cancel := context.WithTimeout(ctx, accountTimeout)
		defer cancel()
		if err := r.rest.DeleteConversation(reqCtx, arg); err != nil {
			r.tr.status(err.Error())
			return false
		}
		if r.session.Snapshot().ConversationID == arg {
			r.tr.reset()
			r.session.Reset("")
		}
		r.tr.status("deleted " + arg)
	default:
		r.tr.status("unknown command " + name)
	}
	return false
}

func (r *repl) listConversations(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, accountTimeout)
	defer cancel()
	convs, err := r.rest.ListConversations(reqCtx)
	if err != nil {
		r.tr.status(err.Error())
		return
	}
	if len(convs) == 0 {
		r.tr.status("no conversations")
		return
	}
	var b strings.Builder
	for _, c := range convs {
		fmt.Fprintf(&b, "%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
	}
	r.tr.status(strings.TrimRight(b.String(), "\n"))
}

// transcript prints session snapshots as an append-only log. Streamed
// replies are written as their deltas arrive.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int
	lastID  string
	open    bool
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: make(map[string]int)}
}

func (t *transcript) render(s chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range s.Messages {
		n, seen := t.printed[m.ID]
		if seen && n >= len(m.Content) {
			continue
		}
		if !seen || t.lastID != m.ID {
			t.breakLine()
			fmt.Fprintf(t.out, "%s> ", speaker(m))
			for _, a := range m.Attachments {
				fmt.Fprintf(t.out, "[%s] ", a.Name)
			}
		}
		fmt.Fprint(t.out, m.Content[n:])
		t.printed[m.ID] = len(m.Content)
		t.lastID = m.ID
		t.open = true
	}
	if s.Phase == chat.PhaseIdle {
		t.breakLine()
	}
}

// ReplaceConversation reports the id the gateway assigned.
func (t *transcript) ReplaceConversation(id string) {
	t.status("conversation " + id)
}

func (t *transcript) status(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakLine()
	fmt.Fprintf(t.out, "-- %s\n", text)
}

func (t *transcript) prompt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakLine()
	fmt.Fprint(t.out, "> ")
}

func (t *transcript) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.breakLine()
	t.printed = make(map[string]int)
	t.lastID = ""
}

func (t *transcript) breakLine() {
	if t.open {
		fmt.Fprintln(t.out)
		t.open = false
	}
}

func speaker(m chat.Message) string {
	switch m.Role {
	case models.RoleAssistant:
		if m.Model != "" {
			return m.Model
		}
		return "assistant"
	case models.RoleSystem:
		return "system"
	default:
		return "you"
	}
}
