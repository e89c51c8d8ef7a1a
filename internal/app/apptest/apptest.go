// Package apptest provides a fake Ollama server and a matching config for
// tests that exercise a fully wired App.
package apptest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/captionstore/pkg/config"
)

// Dimension is the embedding length the fake server returns.
const Dimension = 4

// Ollama is a fake Ollama server. Captions are derived from the image
// bytes, embeddings from the text, so equal inputs give equal outputs.
type Ollama struct {
	URL      string
	Captions atomic.Int32
	Embeds   atomic.Int32

	captionDelay atomic.Int64
}

// SetCaptionDelay makes every caption request take at least d.
func (o *Ollama) SetCaptionDelay(d time.Duration) { o.captionDelay.Store(int64(d)) }

// NewOllama starts a fake server that is closed when t finishes.
func NewOllama(t *testing.T) *Ollama {
	t.Helper()
	o := &Ollama{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Images []string `json:"images"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Images) == 0 {
			http.Error(w, `{"error":"no image"}`, http.StatusBadRequest)
			return
		}
		o.Captions.Add(1)
		if d := time.Duration(o.captionDelay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"response": Caption([]byte(req.Images[0]))})
	})
	mux.HandleFunc("POST /api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		o.Embeds.Add(1)
		json.NewEncoder(w).Encode(map[string][]float64{"embedding": Vector(req.Prompt)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	o.URL = srv.URL
	return o
}

// Caption is the caption the fake server returns for an encoded image.
func Caption(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return "a photo numbered " + hex.EncodeToString(sum[:4])
}

// Vector is the embedding the fake server returns for text.
func Vector(text string) []float64 {
	v := make([]float64, Dimension)
	for i, b := range []byte(text) {
		v[i%Dimension] += float64(b) / 255
	}
	return v
}

// Config returns a configuration with both stores under a temp dir and
// both collaborators pointed at url.
func Config(t *testing.T, url string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Catalog: config.CatalogConfig{Path: filepath.Join(dir, "labels.db")},
		Index: config.IndexConfig{
			Backend:   config.IndexLocal,
			Path:      filepath.Join(dir, "vectors.db"),
			Dimension: Dimension,
		},
		Caption: config.ModelConfig{Backend: config.BackendOllama, Model: "llava", Prompt: config.DefaultPrompt},
		Embed:   config.ModelConfig{Backend: config.BackendOllama, Model: "nomic-embed-text"},
		Ollama:  config.OllamaConfig{BaseURL: url},
		Pacing:  config.PacingConfig{MaxAttempts: 1},
		Workers: 1,
		Server:  config.ServerConfig{Addr: "127.0.0.1:0", CORSOrigin: "*", MaxBodyBytes: 1 << 20},
		Log:     config.LogConfig{Level: "error", Format: "text"},
		Eval:    config.EvalConfig{ReportDir: filepath.Join(dir, "reports"), TopN: 2},
	}
}

// WriteImages writes files[name] to dir/name, creating subdirectories.
// Equal bodies give equal content hashes.
func WriteImages(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}
