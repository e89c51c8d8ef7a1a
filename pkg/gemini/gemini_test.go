package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/captionstore/pkg/resilience"
	"google.golang.org/genai"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Options{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/",
		CaptionModel: "gemini-2.0-flash",
		EmbedModel:   "gemini-embedding-exp-03-07",
		Dimension:    4,
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestCaption(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "gemini-2.0-flash:generateContent") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "Describe the scene") || !strings.Contains(string(body), "image/png") {
			t.Errorf("request missing prompt or image: %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Two cats on a sofa."}]}}]}`))
	})

	got, err := c.Caption(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png", "Describe the scene")
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
	if got != "Two cats on a sofa." {
		t.Fatalf("got %q", got)
	}
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-embedding-exp-03-07:") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(toJSON(req), `"outputDimensionality":4`) {
			t.Errorf("dimension not requested: %s", toJSON(req))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"embeddings":[{"values":[0.1,0.2,0.3,0.4]}]}`))
	})

	vec, err := c.Embed(context.Background(), "two cats")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 || vec[3] != 0.4 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestRateLimitClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := c.Embed(context.Background(), "x")
	if !resilience.IsRateLimited(err) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 429 {
		t.Fatalf("genai error not preserved: %v", err)
	}
}

func TestBadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"bad image","status":"INVALID_ARGUMENT"}}`))
	})

	_, err := c.Caption(context.Background(), nil, "image/png", "p")
	if err == nil || resilience.IsRetryable(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
