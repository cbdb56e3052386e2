// Package gemini adapts google.golang.org/genai to the content model used by
// sessions and the context cache registry.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/yourorg/vidlens/pkg/types"
)

type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxOutputTokens   int
	Temperature       float64
	SystemInstruction string
	// CacheTTL is the upstream lifetime of created context caches.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Client wraps a genai client. It performs no retries; callers wrap calls
// with the retry package.
type Client struct {
	genai  *genai.Client
	cfg    Config
	logger *slog.Logger
}

// Request is one generation call. When CachedContent is set, Source is
// already part of the cache and is not sent again.
type Request struct {
	Model         string
	CachedContent types.CacheHandle
	Source        []types.Part
	History       []types.Turn
	Prompt        string
}

var (
	pollInterval = 2 * time.Second
	pollTimeout  = 5 * time.Minute
)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{genai: gc, cfg: cfg, logger: cfg.Logger}, nil
}

// Model is the default model name.
func (c *Client) Model() string { return c.cfg.Model }

// Generate returns the text of the first candidate.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	model := c.model(req.Model)
	config := c.generateConfig(req.CachedContent)
	contents := BuildContents(req)
	c.logger.Debug("gemini generate", "model", model, "cached_content", req.CachedContent, "contents", len(contents))

	resp, err := c.genai.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		reason := "no candidates"
		if len(resp.Candidates) > 0 {
			reason = string(resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("gemini generate: empty response (%s)", reason)
	}
	return text, nil
}

// CreateCache stores parts (and the system instruction) upstream and returns
// the cache resource name.
func (c *Client) CreateCache(ctx context.Context, model string, parts []types.Part) (types.CacheHandle, error) {
	config := &genai.CreateCachedContentConfig{
		TTL:         c.cfg.CacheTTL,
		DisplayName: "vidlens",
		Contents:    groupContents(parts),
	}
	if c.cfg.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(c.cfg.SystemInstruction, genai.RoleUser)
	}
	cached, err := c.genai.Caches.Create(ctx, c.model(model), config)
	if err != nil {
		return "", fmt.Errorf("gemini create cache: %w", err)
	}
	c.logger.Debug("gemini cache created", "name", cached.Name, "expires", cached.ExpireTime)
	return types.CacheHandle(cached.Name), nil
}

// GetCache fails when the handle has expired or was deleted upstream.
func (c *Client) GetCache(ctx context.Context, handle types.CacheHandle) error {
	cached, err := c.genai.Caches.Get(ctx, string(handle), nil)
	if err != nil {
		return fmt.Errorf("gemini get cache %s: %w", handle, err)
	}
	if !cached.ExpireTime.IsZero() && time.Now().After(cached.ExpireTime) {
		return fmt.Errorf("gemini get cache %s: expired at %s", handle, cached.ExpireTime.Format(time.RFC3339))
	}
	return nil
}

func (c *Client) DeleteCache(ctx context.Context, handle types.CacheHandle) error {
	if _, err := c.genai.Caches.Delete(ctx, string(handle), nil); err != nil {
		return fmt.Errorf("gemini delete cache %s: %w", handle, err)
	}
	return nil
}

// Upload sends a local file to the Files API and waits until it can be
// referenced from a prompt.
func (c *Client) Upload(ctx context.Context, path, mimeType string) (types.Part, error) {
	file, err := c.genai.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return types.Part{}, fmt.Errorf("gemini upload %s: %w", path, err)
	}
	c.logger.Debug("gemini file uploaded", "path", path, "name", file.Name, "state", file.State)

	deadline := time.Now().Add(pollTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return types.Part{}, fmt.Errorf("gemini upload %s: timeout waiting for file processing", path)
		}
		select {
		case <-ctx.Done():
			return types.Part{}, ctx.Err()
		case <-time.After(pollInterval):
		}
		file, err = c.genai.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return types.Part{}, fmt.Errorf("gemini upload %s: poll state: %w", path, err)
		}
	}
	if file.State == genai.FileStateFailed {
		msg := "processing failed"
		if file.Error != nil && file.Error.Message != "" {
			msg = file.Error.Message
		}
		return types.Part{}, fmt.Errorf("gemini upload %s: %s", path, msg)
	}
	mt := file.MIMEType
	if mt == "" {
		mt = mimeType
	}
	return types.FileRefPart(types.RoleUser, file.URI, mt), nil
}

func (c *Client) model(m string) string {
	if m != "" {
		return m
	}
	return c.cfg.Model
}

func (c *Client) generateConfig(cached types.CacheHandle) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.cfg.Temperature)),
	}
	if c.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(c.cfg.MaxOutputTokens)
	}
	// The system instruction lives in the cache when one is used; the API
	// rejects setting it on both.
	if cached != "" {
		config.CachedContent = string(cached)
	} else if c.cfg.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(c.cfg.SystemInstruction, genai.RoleUser)
	}
	return config
}
