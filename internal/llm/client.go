// Package llm provides the model collaborator agents use to call Claude,
// either directly or through AWS Bedrock.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/colony/internal/log"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// Caller is the model collaborator contract.
type Caller interface {
	Call(ctx context.Context, taskType, prompt, agent string, opts ...CallOption) (string, error)
}

// CallFunc adapts a function to Caller.
type CallFunc func(ctx context.Context, taskType, prompt, agent string, opts ...CallOption) (string, error)

// Call implements Caller.
func (f CallFunc) Call(ctx context.Context, taskType, prompt, agent string, opts ...CallOption) (string, error) {
	return f(ctx, taskType, prompt, agent, opts...)
}

type callOptions struct {
	system    string
	maxTokens int64
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

// WithSystem sets the system prompt.
func WithSystem(s string) CallOption { return func(o *callOptions) { o.system = s } }

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) CallOption { return func(o *callOptions) { o.maxTokens = n } }

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the default Claude model.
	Model string
	// TaskModels overrides the model per task type.
	TaskModels map[string]string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// MaxTokens is the default response cap.
	MaxTokens int64
	Logger    log.Logger
}

func (c *ClientConfig) defaults() {
	if c.Model == "" {
		c.Model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "llm.Client"})
}

// Client wraps the Anthropic SDK client with token tracking.
type Client struct {
	inner      anthropic.Client
	model      anthropic.Model
	taskModels map[string]anthropic.Model
	maxTokens  int64
	bedrock    bool
	tracker    *TokenTracker
	logger     log.Logger
}

var _ Caller = (*Client)(nil)

// NewClient creates a new Anthropic API client.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg.defaults()

	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, ErrNoAPIKey
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &Client{
		inner:      anthropic.NewClient(opts...),
		model:      anthropic.Model(cfg.Model),
		taskModels: make(map[string]anthropic.Model, len(cfg.TaskModels)),
		maxTokens:  cfg.MaxTokens,
		bedrock:    cfg.UseAWSBedrock,
		tracker:    NewTokenTracker(),
		logger:     cfg.Logger,
	}
	for taskType, m := range cfg.TaskModels {
		c.taskModels[taskType] = anthropic.Model(m)
	}
	return c, nil
}

// ModelFor returns the model used for a task type.
func (c *Client) ModelFor(taskType string) anthropic.Model {
	model := c.model
	if m, ok := c.taskModels[taskType]; ok && m != "" {
		model = m
	}
	if c.bedrock {
		model = translateModelForBedrock(model)
	}
	return model
}

// Call sends prompt as a single user message and returns the text reply.
func (c *Client) Call(ctx context.Context, taskType, prompt, agent string, opts ...CallOption) (string, error) {
	o := callOptions{maxTokens: c.maxTokens}
	for _, opt := range opts {
		opt(&o)
	}

	model := c.ModelFor(taskType)

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: o.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if o.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: o.system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	c.logger.Debugf("agent %s task_type %s used %d/%d tokens", agent, taskType, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}
	return out.String(), nil
}

// Tracker returns the token tracker for this client.
func (c *Client) Tracker() *TokenTracker {
	return c.tracker
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// cross-region inference profiles.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:         "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.Model("claude-sonnet-4-5-20250929"): "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.Model("claude-haiku-4-5-20251001"):  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:         "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// TokenTracker tracks token usage across calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}
