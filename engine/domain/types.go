// Package domain defines the record types, states, and validation shared by
// the caption catalog, the vector index, and the pipelines that connect them.
// It acts as the validation gate at every store boundary.
package domain

import "time"

// ImageRecord is one caption for one image under one prompt.
// Identity is (ContentHash, Prompt).
type ImageRecord struct {
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path"`
	Prompt      string    `json:"prompt"`
	Caption     string    `json:"caption"`
	CreatedAt   time.Time `json:"created_at"`
}

// Key returns the record identity.
func (r ImageRecord) Key() CaptionKey {
	return CaptionKey{Hash: r.ContentHash, Prompt: r.Prompt}
}

// CaptionKey is the (hash, prompt) identity of an ImageRecord.
type CaptionKey struct {
	Hash   string
	Prompt string
}

func (k CaptionKey) String() string { return k.Hash + "|" + k.Prompt }

// EmbeddingRecord is the searchable form of the first caption stored for an
// image. ContentHash is the primary key.
type EmbeddingRecord struct {
	ContentHash string    `json:"content_hash"`
	SourcePath  string    `json:"source_path"`
	Caption     string    `json:"caption"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// Hit is a single nearest-neighbor result. Distance is squared Euclidean,
// lower is closer.
type Hit struct {
	ContentHash string  `json:"content_hash"`
	SourcePath  string  `json:"source_path"`
	Caption     string  `json:"caption"`
	Distance    float32 `json:"distance"`
}

// PairwiseScore is an evaluation result for one subject. It is written to a
// report and never read back.
type PairwiseScore struct {
	SubjectID   string  `json:"subject_id"`
	Similarity  float64 `json:"similarity"`
	RankOverlap float64 `json:"rank_overlap"`
}

// State is the lifecycle position of an image under a prompt.
type State int

const (
	StateUnseen               State = iota // no caption for (hash, prompt)
	StateCaptioned                         // caption persisted during the current run
	StateCaptionedNoEmbedding              // caption persisted, not yet indexed
	StateEmbedded                          // caption persisted and indexed
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateCaptioned:
		return "captioned"
	case StateCaptionedNoEmbedding:
		return "captioned_no_embedding"
	case StateEmbedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// Field bounds enforced at the store boundary.
const (
	HashLength       = 64
	MaxSourcePathLen = 1024
	MaxPromptLen     = 2048
	MaxCaptionLen    = 8192
)

// ResetConfirmation is the literal token required to empty both stores.
const ResetConfirmation = "YES"
