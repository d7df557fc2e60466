package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"edututor/internal/config"
)

// DefaultLanguage is used when a request carries no language.
const DefaultLanguage = "fr"

var (
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrEmptyPrompt           = errors.New("prompt must not be empty")
)

// Request is one generation call.
type Request struct {
	Prompt   string
	System   string
	Language string
}

// Client talks to the configured chat model. Chat turns go through a react
// agent when web search is enabled; completions always hit the model directly.
type Client struct {
	chat   model.BaseChatModel
	agent  *react.Agent
	logger *zap.Logger
}

// NewClient builds the chat model for provider (or the active provider when
// empty) and, if enabled, a react agent with the web_search tool.
func NewClient(ctx context.Context, cfg *config.Config, provider string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if provider == "" {
		provider = cfg.BasicConfig.Provider
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok || provCfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	chatModel, err := newChatModel(ctx, provider, provCfg)
	if err != nil {
		return nil, fmt.Errorf("start %s model: %w", provider, err)
	}

	c := &Client{chat: chatModel, logger: logger}
	if !cfg.Tools.WebSearch {
		return c, nil
	}
	tools := InitToolsChain(ctx, cfg.Tools, logger)
	if len(tools) == 0 {
		return c, nil
	}
	c.agent, err = react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	return c, nil
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai", "mistral":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new genai client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

func (r Request) messages() []*schema.Message {
	lang := strings.TrimSpace(r.Language)
	if lang == "" {
		lang = DefaultLanguage
	}
	var msgs []*schema.Message
	if system := strings.TrimSpace(r.System); system != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	return append(msgs, schema.UserMessage(fmt.Sprintf("User (%s): %s", lang, r.Prompt)))
}

// Stream runs one chat turn and hands every non-empty fragment to yield in
// order. An error from yield stops the stream and is returned as is.
func (c *Client) Stream(ctx context.Context, req Request, yield func(string) error) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if c.agent != nil {
		streamReader, err = c.agent.Stream(ctx, req.messages())
	} else {
		streamReader, err = c.chat.Stream(ctx, req.messages())
	}
	if err != nil {
		return fmt.Errorf("generate stream: %w", err)
	}
	defer streamReader.Close()

	for {
		chunk, err := streamReader.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if err := yield(chunk.Content); err != nil {
			return err
		}
	}
}

// Complete returns one full completion.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	var msgs []*schema.Message
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, schema.SystemMessage(system))
	}
	msgs = append(msgs, schema.UserMessage(prompt))
	resp, err := c.chat.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate completion: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}
