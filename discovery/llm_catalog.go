package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// MessagesClient is the subset of the Anthropic SDK the catalog uses,
// satisfied by *sdk.MessageService and by test mocks.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// LLMCatalog asks a language model to suggest packages for a search term
// and parses a strict JSON array out of the reply. It is one Catalog
// implementation behind the same contract as the HTTP registries; the
// service treats its failures like any other catalog failure. Disabled
// unless configured with an API key.
type LLMCatalog struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	logger    core.Logger
}

// llmSuggestion is the reply element shape the prompt demands.
type llmSuggestion struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// NewLLMCatalog builds a model-backed catalog from an API key.
func NewLLMCatalog(apiKey, model string, maxTokens int, logger core.Logger) (*LLMCatalog, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm catalog: api key is required: %w", core.ErrInvalidConfiguration)
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &LLMCatalog{
		msg:       &client.Messages,
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logger,
	}, nil
}

// Name identifies the catalog.
func (c *LLMCatalog) Name() string { return "llm" }

// Search asks the model for package suggestions matching term.
func (c *LLMCatalog) Search(ctx context.Context, term string) ([]Entry, error) {
	prompt := fmt.Sprintf(`List npm packages that implement MCP (Model Context Protocol) tool servers for %q.
Reply with ONLY a JSON array, no prose, each element shaped as:
{"name": "...", "version": "...", "description": "...", "keywords": ["..."]}
At most 5 elements. Use real, published package names only.`, term)

	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm catalog: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	suggestions, err := parseSuggestions(text.String())
	if err != nil {
		return nil, fmt.Errorf("llm catalog: %w", err)
	}

	entries := make([]Entry, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:        s.Name,
			Version:     s.Version,
			Description: s.Description,
			Keywords:    append(s.Keywords, "mcp"),
			Popularity:  0.5, // the model has no popularity signal
			LastUpdated: time.Now(),
		})
	}
	return entries, nil
}

// parseSuggestions extracts the JSON array from a model reply, tolerating
// leading/trailing prose and fenced code blocks.
func parseSuggestions(reply string) ([]llmSuggestion, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var out []llmSuggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	return out, nil
}
