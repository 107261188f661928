package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel = "text-embedding-3-small"

	// embedBatchSize stays under the API's per-request input cap.
	embedBatchSize = 2048
)

type OpenAIOptions struct {
	// APIKey is required. It comes from the environment, never from config
	// files.
	APIKey string

	// BaseURL overrides the API endpoint, for compatible providers and
	// tests. Empty means the public endpoint.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests reduced-width vectors where the model supports
	// it. 0 keeps the model default.
	Dimensions int
}

// OpenAI embeds text through the OpenAI embeddings API.
type OpenAI struct {
	client openai.Client
	model  string
	dims   int
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("embedding: missing OpenAI API key")
	}
	ropts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		ropts = append(ropts, ooption.WithBaseURL(baseURL))
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client: openai.NewClient(ropts...),
		model:  model,
		dims:   opts.Dimensions,
	}, nil
}

func (o *OpenAI) EmbedDocs(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		if err := o.embedBatch(ctx, texts[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out := make([][]float32, 1)
	if err := o.embedBatch(ctx, []string{text}, out); err != nil {
		return nil, err
	}
	return out[0], nil
}

func (o *OpenAI) Dimension() int { return o.dims }

func (o *OpenAI) Fingerprint() string {
	if o.dims > 0 {
		return fmt.Sprintf("openai/%s@%d", o.model, o.dims)
	}
	return "openai/" + o.model
}

func (o *OpenAI) embedBatch(ctx context.Context, texts []string, out [][]float32) error {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.model),
	}
	if o.dims > 0 {
		params.Dimensions = openai.Int(int64(o.dims))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= len(out) {
			return fmt.Errorf("embedding: response index %d out of range", i)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return nil
}
