package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"unichat/internal/config"
)

const claudeMaxTokens = 3000

// ModelFactory builds the chat model serving a route.
type ModelFactory func(ctx context.Context, route Route, pc config.ProviderConfig) (model.ToolCallingChatModel, error)

// NewChatModel is the default ModelFactory backed by the eino provider clients.
func NewChatModel(ctx context.Context, route Route, pc config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch route.Kind {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: pc.BaseURL,
			Model:   route.Model,
			APIKey:  pc.APIKey,
		})
	case "gemini":
		clientCfg := &genai.ClientConfig{
			APIKey:  pc.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if pc.BaseURL != "" {
			clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: pc.BaseURL}
		}
		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  route.Model,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
			},
		})
	case "claude":
		var baseURLPtr *string
		if pc.BaseURL != "" {
			baseURLPtr = &pc.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    pc.APIKey,
			Model:     route.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: claudeMaxTokens,
		})
	case "echo":
		return newEchoModel(), nil
	default:
		return nil, fmt.Errorf("invalid provider kind: %s", route.Kind)
	}
}
