package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/steward/internal/metrics"
)

// DefaultMaxTokens bounds a decision response.
const DefaultMaxTokens = 2048

// Config selects the model endpoint.
type Config struct {
	// Model is the Claude model to use. Defaults to Sonnet 4.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the Bedrock region (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is an optional shared config profile.
	AWSProfile string
	// MaxTokens bounds the response length.
	MaxTokens int64
}

// Anthropic is an Oracle backed by the Anthropic Messages API.
type Anthropic struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	usage     *Usage
	metrics   *metrics.Metrics
}

var _ Oracle = (*Anthropic)(nil)

// NewAnthropic creates an Anthropic oracle.
func NewAnthropic(cfg Config, m *metrics.Metrics) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseBedrock {
		model = bedrockModel(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Anthropic{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		usage:     &Usage{},
		metrics:   m,
	}, nil
}

// bedrockModel converts a model name to its Bedrock cross-region inference
// profile. Unknown names pass through unchanged.
func bedrockModel(model anthropic.Model) anthropic.Model {
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the configured model name.
func (a *Anthropic) Model() anthropic.Model { return a.model }

// Usage returns the token counters for this oracle.
func (a *Anthropic) Usage() *Usage { return a.usage }

// Decide sends the rendered prompt and decodes the model's answer.
func (a *Anthropic) Decide(ctx context.Context, p Prompt) (*Decision, error) {
	start := time.Now()
	text, err := a.complete(ctx, SystemPrompt(), Render(p))
	if err != nil {
		a.metrics.OracleCall("error", time.Since(start))
		return nil, err
	}
	d, err := ParseDecision(text)
	if err != nil {
		a.metrics.OracleCall("malformed", time.Since(start))
		return nil, err
	}
	a.metrics.OracleCall("ok", time.Since(start))
	return d, nil
}

func (a *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("oracle call failed: %w", err)
	}

	a.usage.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}

// Usage tracks token consumption across calls.
type Usage struct {
	mu     sync.Mutex
	input  int64
	output int64
	calls  int
}

// Add records one call's usage.
func (u *Usage) Add(input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input += input
	u.output += output
	u.calls++
}

// Total returns input and output tokens used so far.
func (u *Usage) Total() (input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.input, u.output
}

// Calls returns the number of completed calls.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}
