package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"unichat/internal/config"
)

const (
	webSearchTimeout = 10 * time.Second
	googleResults    = 5
	duckResults      = 3
)

var errNoSearchProvider = errors.New("no search provider succeeded")

// NewTools returns the tools offered to models. It is empty unless web search is enabled.
func NewTools(ctx context.Context, cfg config.WebSearchConfig, log *zap.Logger) ([]tool.BaseTool, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	providers, err := searchProviders(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return []tool.BaseTool{newWebSearchTool(providers, log)}, nil
}

type searchProvider struct {
	name string
	tool tool.InvokableTool
}

// searchProviders lists the configured backends in the order they are
// tried. DuckDuckGo needs no credentials and is always last.
func searchProviders(ctx context.Context, cfg config.WebSearchConfig, log *zap.Logger) ([]searchProvider, error) {
	var out []searchProvider
	if cfg.GoogleAPIKey != "" && cfg.GoogleEngineID != "" {
		g, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google custom search",
			APIKey:         cfg.GoogleAPIKey,
			SearchEngineID: cfg.GoogleEngineID,
			Lang:           "en",
			Num:            googleResults,
		})
		if err != nil {
			return nil, fmt.Errorf("google search tool: %w", err)
		}
		out = append(out, searchProvider{name: "google", tool: g})
	} else {
		log.Info("google search disabled: missing api key or engine id")
	}

	ddg, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo text search",
		MaxResults: duckResults,
		Region:     duckduckgo.RegionWT,
		Timeout:    webSearchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search tool: %w", err)
	}
	return append(out, searchProvider{name: "duckduckgo", tool: ddg}), nil
}

type searchQuery struct {
	Query string `json:"query"`
}

// newWebSearchTool exposes providers as a single "web_search" tool that
// returns the first provider's successful answer.
func newWebSearchTool(providers []searchProvider, log *zap.Logger) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {Desc: "Natural language search query", Type: schema.String, Required: true},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, q *searchQuery) (string, error) {
		return search(ctx, providers, q, log)
	})
}

func search(ctx context.Context, providers []searchProvider, q *searchQuery, log *zap.Logger) (string, error) {
	if q == nil || strings.TrimSpace(q.Query) == "" {
		return "", errors.New("query must not be empty")
	}
	args, err := json.Marshal(searchQuery{Query: strings.TrimSpace(q.Query)})
	if err != nil {
		return "", fmt.Errorf("encode search query: %w", err)
	}
	for _, p := range providers {
		out, err := p.tool.InvokableRun(ctx, string(args))
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("web search failed", zap.String("provider", p.name), zap.Error(err))
	}
	return "", errNoSearchProvider
}
