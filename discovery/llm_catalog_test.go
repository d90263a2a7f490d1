package discovery

import (
	"context"
	"fmt"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

type fakeMessages struct {
	reply string
	err   error
	calls int
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: f.reply}},
	}, nil
}

func newFakeLLMCatalog(reply string, err error) (*LLMCatalog, *fakeMessages) {
	fake := &fakeMessages{reply: reply, err: err}
	return &LLMCatalog{msg: fake, model: "test-model", maxTokens: 256, logger: &core.NoOpLogger{}}, fake
}

func TestLLMCatalogParsesStrictJSON(t *testing.T) {
	cat, fake := newFakeLLMCatalog(`[
		{"name": "@modelcontextprotocol/server-filesystem", "version": "1.0.0",
		 "description": "filesystem tools", "keywords": ["filesystem"]},
		{"name": "mcp-server-git", "version": "0.3.0", "description": "git tools", "keywords": ["git"]}
	]`, nil)

	entries, err := cat.Search(context.Background(), "filesystem")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, fake.calls)

	assert.Equal(t, "@modelcontextprotocol/server-filesystem", entries[0].Name)
	assert.Contains(t, entries[0].Keywords, "mcp", "the marker keyword is always added")
	assert.InDelta(t, 0.5, entries[0].Popularity, 1e-9)
}

func TestLLMCatalogToleratesProseAroundArray(t *testing.T) {
	cat, _ := newFakeLLMCatalog("Here are some packages:\n```json\n"+
		`[{"name": "mcp-server-files", "version": "1.0.0", "keywords": []}]`+
		"\n```\nHope this helps!", nil)

	entries, err := cat.Search(context.Background(), "filesystem")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mcp-server-files", entries[0].Name)
}

func TestLLMCatalogDropsNamelessSuggestions(t *testing.T) {
	cat, _ := newFakeLLMCatalog(`[{"name": "", "version": "1.0.0"}, {"name": "real-one"}]`, nil)
	entries, err := cat.Search(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "real-one", entries[0].Name)
}

func TestLLMCatalogNoArrayInReply(t *testing.T) {
	cat, _ := newFakeLLMCatalog("I cannot help with that.", nil)
	_, err := cat.Search(context.Background(), "x")
	assert.Error(t, err)
}

func TestLLMCatalogUpstreamError(t *testing.T) {
	cat, _ := newFakeLLMCatalog("", fmt.Errorf("rate limited"))
	_, err := cat.Search(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewLLMCatalogRequiresAPIKey(t *testing.T) {
	_, err := NewLLMCatalog("", "model", 100, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}
