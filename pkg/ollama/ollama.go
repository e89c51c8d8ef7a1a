// Package ollama is a captioning and embedding client for a local Ollama
// server's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/WessleyAI/captionstore/pkg/resilience"
)

const name = "ollama"

// Options configures a Client.
type Options struct {
	BaseURL      string
	CaptionModel string
	EmbedModel   string
	HTTPClient   *http.Client
}

// Client calls /api/generate for captions and /api/embeddings for vectors.
type Client struct {
	baseURL      string
	captionModel string
	embedModel   string
	client       *http.Client
}

// New creates an Ollama client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		captionModel: opts.CaptionModel,
		embedModel:   opts.EmbedModel,
		client:       hc,
	}
}

func (c *Client) Name() string { return name }

type generateReq struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResp struct {
	Response string `json:"response"`
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

type errorResp struct {
	Error string `json:"error"`
}

// Caption implements provider.Captioner. Ollama infers the image format,
// so mimeType is unused.
func (c *Client) Caption(ctx context.Context, image []byte, _ string, prompt string) (string, error) {
	req := generateReq{
		Model:  c.captionModel,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(image)},
	}
	var out generateResp
	if err := c.post(ctx, "/api/generate", req, &out); err != nil {
		return "", fmt.Errorf("ollama caption: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

// Embed implements provider.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResp
	if err := c.post(ctx, "/api/embeddings", embedReq{Model: c.embedModel, Prompt: text}, &out); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, nil
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return resilience.FromTransport(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e errorResp
		if json.Unmarshal(msg, &e) == nil && e.Error != "" {
			msg = []byte(e.Error)
		}
		return resilience.FromStatus(name, resp.StatusCode, errors.New(strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.NewProviderError(name, resilience.KindPermanent, fmt.Errorf("decode: %w", err))
	}
	return nil
}
