package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIOptions struct {
	// APIKey is required. It comes from the environment, never from config
	// files.
	APIKey string

	// BaseURL overrides the API endpoint, for compatible providers and
	// tests.
	BaseURL string

	// Model defaults to gpt-4o-mini.
	Model string

	// MaxTokens bounds the summary length. <= 0 uses a default.
	MaxTokens int
}

// OpenAI generates summaries through the chat completions API.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("llm: missing OpenAI API key")
	}
	ropts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		ropts = append(ropts, ooption.WithBaseURL(baseURL))
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{client: openai.NewClient(ropts...), model: model, maxTokens: maxTokens}, nil
}

func (g *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildUserPrompt(req)),
		},
		Temperature:         openai.Float(generationTemperature),
		MaxCompletionTokens: openai.Int(int64(g.maxTokens)),
	})
	if err != nil {
		return "", classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return text, nil
}

func classifyOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuota, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
