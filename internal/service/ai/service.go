package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"unichat/internal/config"
	"unichat/internal/logging"
	"unichat/internal/models"
)

const (
	maxTitleRunes = 40
	titleTimeout  = 15 * time.Second
	titlePrompt   = "Summarize the user's message as a conversation title of at most six words. Reply with the title only."
	defaultTitle  = "New Chat"
)

// Turn is one model call: the conversation so far, ending with the new user
// message, plus the uploads attached to that message.
type Turn struct {
	Route   Route
	History []models.Message
	Uploads []models.Upload
}

// Option customizes a Service.
type Option func(*Service)

// WithModelFactory replaces the provider clients, mainly for tests.
func WithModelFactory(f ModelFactory) Option {
	return func(s *Service) { s.factory = f }
}

// WithTools offers tools to every model through a react agent.
func WithTools(tools []tool.BaseTool) Option {
	return func(s *Service) { s.tools = tools }
}

// Service streams model replies for resolved routes. Chat models are built
// lazily and reused per route.
type Service struct {
	registry *Registry
	cfg      *config.Config
	factory  ModelFactory
	tools    []tool.BaseTool
	files    *AttachmentReader
	log      *zap.Logger

	mu       sync.Mutex
	backends map[string]*backend
}

type backend struct {
	chat  model.ToolCallingChatModel
	agent *react.Agent
}

func (b *backend) stream(ctx context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	if b.agent != nil {
		return b.agent.Stream(ctx, msgs)
	}
	return b.chat.Stream(ctx, msgs)
}

// NewService builds the model service for cfg.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(logger).With(zap.String("component", "ai"))
	files, err := NewAttachmentReader(ctx, log)
	if err != nil {
		return nil, err
	}
	s := &Service{
		registry: registry,
		cfg:      cfg,
		factory:  NewChatModel,
		files:    files,
		log:      log,
		backends: make(map[string]*backend),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve maps a requested model name to a route.
func (s *Service) Resolve(requested string) (Route, error) {
	return s.registry.Resolve(requested)
}

// Models lists every routable model.
func (s *Service) Models() []string {
	return s.registry.Models()
}

// StreamReply streams the reply for turn, calling emit with each non-empty
// delta, and returns the full text. The partial text is returned with the
// error when the stream fails midway.
func (s *Service) StreamReply(ctx context.Context, turn Turn, emit func(delta string) error) (string, error) {
	b, err := s.backend(ctx, turn.Route)
	if err != nil {
		return "", err
	}
	reader, err := b.stream(ctx, s.convertMessages(ctx, turn))
	if err != nil {
		return "", fmt.Errorf("start %s stream: %w", turn.Route.Key(), err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("receive %s stream: %w", turn.Route.Key(), err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if emit != nil {
			if err := emit(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

// GenerateTitle asks the route's model for a short title, falling back to the
// start of the message.
func (s *Service) GenerateTitle(ctx context.Context, route Route, text string) string {
	fallback := FallbackTitle(text)
	if route.Kind == "echo" {
		return fallback
	}
	b, err := s.backend(ctx, route)
	if err != nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()
	msg, err := b.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage(text),
	})
	if err != nil || msg == nil {
		s.log.Debug("generate title failed", zap.String("route", route.Key()), zap.Error(err))
		return fallback
	}
	title := truncateRunes(strings.Trim(strings.TrimSpace(msg.Content), `"'`), maxTitleRunes)
	if title == "" {
		return fallback
	}
	return title
}

// FallbackTitle is the first characters of text on one line.
func FallbackTitle(text string) string {
	title := truncateRunes(strings.Join(strings.Fields(text), " "), maxTitleRunes)
	if title == "" {
		return defaultTitle
	}
	return title
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return strings.TrimSpace(string(runes[:n]))
	}
	return s
}

func (s *Service) backend(ctx context.Context, route Route) (*backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[route.Key()]; ok {
		return b, nil
	}
	pc, ok := s.cfg.Providers[route.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrUnknownModel, route.Provider)
	}
	chat, err := s.factory(ctx, route, pc)
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", route.Key(), err)
	}
	b := &backend{chat: chat}
	if len(s.tools) > 0 {
		b.agent, err = react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chat,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: s.tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}
	s.backends[route.Key()] = b
	s.log.Info("model ready", zap.String("route", route.Key()), zap.Bool("tools", b.agent != nil))
	return b, nil
}

func (s *Service) convertMessages(ctx context.Context, turn Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turn.History))
	last := len(turn.History) - 1
	for i, msg := range turn.History {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		content := msg.Content
		if i == last && msg.Role == models.RoleUser {
			content += s.files.Render(ctx, turn.Uploads)
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: content,
		})
	}
	return messages
}
