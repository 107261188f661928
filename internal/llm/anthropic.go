package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

type AnthropicOptions struct {
	// APIKey is required. It comes from the environment, never from config
	// files.
	APIKey string

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string

	// Model defaults to claude-sonnet-4-5.
	Model string

	// MaxTokens bounds the summary length. <= 0 uses a default.
	MaxTokens int
}

// Anthropic generates summaries through the messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: missing Anthropic API key")
	}
	ropts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		ropts = append(ropts, aoption.WithBaseURL(baseURL))
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{client: anthropic.NewClient(ropts...), model: model, maxTokens: maxTokens}, nil
}

func (g *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserPrompt(req))),
		},
		Temperature: anthropic.Float(generationTemperature),
	})
	if err != nil {
		return "", classifyAnthropicErr(err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		switch blk := block.AsAny().(type) {
		case anthropic.TextBlock:
			b.WriteString(blk.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return text, nil
}

func classifyAnthropicErr(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuota, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
