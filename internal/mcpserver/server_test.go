package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/config"
	"github.com/yourorg/vidlens/internal/gemini"
	"github.com/yourorg/vidlens/internal/service"
	"github.com/yourorg/vidlens/pkg/types"
)

type stubProvider struct {
	mu      sync.Mutex
	creates int
	fail    error
}

func (p *stubProvider) Generate(_ context.Context, req gemini.Request) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	return "answer: " + req.Prompt, nil
}

func (p *stubProvider) Upload(_ context.Context, path, mimeType string) (types.Part, error) {
	return types.FileRefPart(types.RoleUser, "files/"+filepath.Base(path), mimeType), nil
}

func (p *stubProvider) CreateCache(context.Context, string, []types.Part) (types.CacheHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	return types.CacheHandle(fmt.Sprintf("cachedContents/m%d", p.creates)), nil
}

func (p *stubProvider) GetCache(context.Context, types.CacheHandle) error { return nil }

func newTestServer(t *testing.T, p *stubProvider) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Cache.RegistryPath = filepath.Join(t.TempDir(), "registry.json")
	cfg.Output.Dir = t.TempDir()
	cfg.SetDefaults()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Retry.MaxAttempts = 1

	svc, err := service.New(cfg, service.Deps{Provider: p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	s, err := New(svc, "test", nil)
	require.NoError(t, err)
	return s
}

func call(t *testing.T, s *Server, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.MCP().GetTool(name)
	require.NotNil(t, tool, "tool %s not registered", name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func TestToolsRegistered(t *testing.T) {
	s := newTestServer(t, &stubProvider{})
	for _, name := range []string{"analyze_media", "session_create", "session_continue", "session_get", "batch_analyze", "cache_list", "cache_clear"} {
		assert.NotNil(t, s.MCP().GetTool(name), name)
	}
}

func TestSessionTools(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	res := call(t, s, "session_create", map[string]any{"source": "https://example.com/clip.mp4"})
	require.False(t, res.IsError, text(t, res))
	var info service.SessionInfo
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &info))
	require.NotEmpty(t, info.SessionID)

	res = call(t, s, "session_continue", map[string]any{"session_id": info.SessionID, "prompt": "who talks first?"})
	require.False(t, res.IsError, text(t, res))
	var turn service.TurnResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &turn))
	assert.Equal(t, "answer: who talks first?", turn.Response)
	assert.Equal(t, 1, turn.TurnCount)

	res = call(t, s, "session_get", map[string]any{"session_id": info.SessionID})
	require.False(t, res.IsError)
	var sess types.Session
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &sess))
	assert.Len(t, sess.History, 1)
}

func TestFailuresCarryOutcome(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	res := call(t, s, "session_continue", map[string]any{"session_id": "missing", "prompt": "hello"})
	require.True(t, res.IsError)
	var o apperrors.Outcome
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &o))
	assert.Equal(t, apperrors.CategoryNotFound, o.Category)
	assert.False(t, o.Retryable)
	assert.NotEmpty(t, o.Hint)

	res = call(t, s, "analyze_media", map[string]any{})
	require.True(t, res.IsError)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &o))
	assert.Equal(t, apperrors.CategoryPermanent, o.Category)
}

func TestTransientFailureIsRetryable(t *testing.T) {
	s := newTestServer(t, &stubProvider{fail: errors.New("Error 429, Message: quota exceeded, Status: RESOURCE_EXHAUSTED")})

	res := call(t, s, "analyze_media", map[string]any{"source": "https://example.com/clip.mp4"})
	require.True(t, res.IsError)
	var o apperrors.Outcome
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &o))
	assert.Equal(t, apperrors.CategoryTransient, o.Category)
	assert.True(t, o.Retryable)
}

func TestBatchAndCacheTools(t *testing.T) {
	s := newTestServer(t, &stubProvider{})

	res := call(t, s, "batch_analyze", map[string]any{
		"inputs": []any{"https://example.com/a.mp4", "https://example.com/b.mp4"},
		"prompt": "tags",
	})
	require.False(t, res.IsError, text(t, res))
	var out struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.Equal(t, 2, out.Succeeded)
	assert.Zero(t, out.Failed)

	res = call(t, s, "cache_list", map[string]any{"validate": true})
	require.False(t, res.IsError)

	res = call(t, s, "cache_clear", nil)
	require.False(t, res.IsError)
	res = call(t, s, "cache_list", nil)
	assert.False(t, res.IsError)
	var entries []types.CacheEntry
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &entries))
}
