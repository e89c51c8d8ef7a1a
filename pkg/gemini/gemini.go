// Package gemini captions images and embeds text with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/WessleyAI/captionstore/pkg/resilience"
	"google.golang.org/genai"
)

const name = "gemini"

// Options configures a Client. Dimension, when positive, is requested as
// the output dimensionality of embeddings.
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
	models       *genai.Models
	captionModel string
	embedModel   string
	dim          int32
}

// New creates a Gemini client.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{
		models:       client.Models,
		captionModel: opts.CaptionModel,
		embedModel:   opts.EmbedModel,
		dim:          int32(opts.Dimension),
	}, nil
}

func (c *Client) Name() string { return name }

// Caption implements provider.Captioner.
func (c *Client) Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := c.models.GenerateContent(ctx, c.captionModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini caption: %w", classify(err))
	}
	return resp.Text(), nil
}

// Embed implements provider.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var cfg *genai.EmbedContentConfig
	if c.dim > 0 {
		dim := c.dim
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}
	resp, err := c.models.EmbedContent(ctx, c.embedModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", classify(err))
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, nil
	}
	return resp.Embeddings[0].Values, nil
}

// classify maps genai errors onto resilience kinds.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromStatus(name, apiErr.Code, err)
	}
	return resilience.FromTransport(name, err)
}
