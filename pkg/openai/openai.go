// Package openai captions images through chat completions and embeds text
// through the embeddings API. Any OpenAI-compatible endpoint works.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/WessleyAI/captionstore/pkg/resilience"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const name = "openai"

// Options configures a Client.
type Options struct {
	APIKey       string
	BaseURL      string
	CaptionModel string
	EmbedModel   string
	Dimension    int
	HTTPClient   *http.Client
}

// Client implements provider.Captioner and provider.Embedder.
type Client struct {
	client       openai.Client
	captionModel string
	embedModel   string
	dim          int
}

// New creates a client. The SDK's own retries are disabled; callers retry
// through provider.Guard.
func New(opts Options) *Client {
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Client{
		client:       openai.NewClient(reqOpts...),
		captionModel: opts.CaptionModel,
		embedModel:   opts.EmbedModel,
		dim:          opts.Dimension,
	}
}

func (c *Client) Name() string { return name }

// Caption implements provider.Captioner. The image travels inline as a
// base64 data URL.
func (c *Client) Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.captionModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai caption: %w", classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed implements provider.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          c.embedModel,
		Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if c.dim > 0 {
		params.Dimensions = openai.Int(int64(c.dim))
	}
	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", classify(err))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, nil
	}
	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return resilience.FromStatus(name, apiErr.StatusCode, err)
	}
	return resilience.FromTransport(name, err)
}
