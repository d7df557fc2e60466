package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"edututor/internal/config"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
)

var errSearchRateLimited = errors.New("web search rate limit exceeded, please retry in a minute")

// InitToolsChain returns the tools handed to the react agent.
func InitToolsChain(ctx context.Context, cfg config.ToolsConfig, logger *zap.Logger) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx, cfg, logger); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch builds web_search over Google with DuckDuckGo as fallback.
// It returns nil when neither provider could be built.
func InitWebSearch(ctx context.Context, cfg config.ToolsConfig, logger *zap.Logger) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx, cfg, logger)
	duckTool := InitDDGsearch(ctx, logger)
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}
	ws := newWebSearchTool(googleTool, duckTool, logger)

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for facts suitable for a child aged 6 to 12; " +
			"falls back to another provider if needed; " +
			"can read a URL if one is given.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *searchBudget
	logger     *zap.Logger
}

func newWebSearchTool(google, duck tool.InvokableTool, logger *zap.Logger) *webSearchTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newSearchBudget(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger,
	}
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if convID, ok := ConversationFromContext(ctx); ok {
		if !w.limiter.spend(convID) {
			return "", errSearchRateLimited
		}
	}

	if isLink(query) {
		content, err := fetchPage(ctx, w.httpClient, query)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("web url loader failed", zap.Error(err))
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("google search failed", zap.Error(err))
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("duckduckgo search failed", zap.Error(err))
	}
	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(ctx context.Context, logger *zap.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    WebSearchHTTPTimeout,
	})
	if err != nil {
		logger.Warn("duckduckgo search tool disabled", zap.Error(err))
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(ctx context.Context, cfg config.ToolsConfig, logger *zap.Logger) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		logger.Info("google search tool disabled: missing api key or search engine id")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "fr",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search tool disabled", zap.Error(err))
		return nil
	}
	return googleTool
}
