package metrics

import "time"

// Pipeline is the fixed metric set reported by labeling, sync, and the
// provider guard. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	reg *Registry
}

// NewPipeline registers the pipeline metrics on reg.
func NewPipeline(reg *Registry) *Pipeline {
	reg.Counter("captionstore_captions_stored_total", "Captions written to the catalog")
	reg.Counter("captionstore_captions_existing_total", "Images skipped because a caption already existed")
	reg.Counter("captionstore_captions_skipped_total", "Images skipped after a failed or empty caption")
	reg.Counter("captionstore_embeddings_inserted_total", "Embeddings written to the vector index")
	reg.Counter("captionstore_embeddings_skipped_total", "Records the sync could not embed")
	reg.Gauge("captionstore_index_size", "Points in the vector index after the last sync")
	return &Pipeline{reg: reg}
}

// Registry returns the underlying registry.
func (p *Pipeline) Registry() *Registry {
	if p == nil {
		return nil
	}
	return p.reg
}

func (p *Pipeline) inc(name string) {
	if p == nil {
		return
	}
	p.reg.Counter(name, "").Inc()
}

func (p *Pipeline) CaptionStored()     { p.inc("captionstore_captions_stored_total") }
func (p *Pipeline) CaptionExisting()   { p.inc("captionstore_captions_existing_total") }
func (p *Pipeline) CaptionSkipped()    { p.inc("captionstore_captions_skipped_total") }
func (p *Pipeline) EmbeddingInserted() { p.inc("captionstore_embeddings_inserted_total") }
func (p *Pipeline) EmbeddingSkipped()  { p.inc("captionstore_embeddings_skipped_total") }

// IndexSize records the number of points in the vector index.
func (p *Pipeline) IndexSize(n int) {
	if p == nil {
		return
	}
	p.reg.Gauge("captionstore_index_size", "").Set(int64(n))
}

// ProviderCall records one collaborator call. kind is empty on success.
func (p *Pipeline) ProviderCall(provider, op, kind string, started time.Time) {
	if p == nil {
		return
	}
	p.reg.Counter(WithLabels("captionstore_provider_calls_total", "provider", provider, "op", op),
		"Calls made to captioning and embedding providers").Inc()
	if kind != "" {
		p.reg.Counter(WithLabels("captionstore_provider_errors_total", "provider", provider, "kind", kind),
			"Failed provider calls by error kind").Inc()
	}
	p.reg.Histogram(WithLabels("captionstore_provider_latency_seconds", "provider", provider, "op", op),
		"Provider call latency", nil).Since(started)
}

// HTTPRequest records one served request.
func (p *Pipeline) HTTPRequest(route string, status int, started time.Time) {
	if p == nil {
		return
	}
	p.reg.Counter(WithLabels("captionstore_http_requests_total", "route", route, "code", statusClass(status)),
		"HTTP requests served").Inc()
	p.reg.Histogram(WithLabels("captionstore_http_request_duration_seconds", "route", route),
		"HTTP request latency", nil).Since(started)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
