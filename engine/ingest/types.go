package ingest

import (
	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/reconcile"
)

// Outcome is how one image left the pipeline.
type Outcome int

const (
	OutcomePending        Outcome = iota
	OutcomeCaptioned              // caption generated and stored in this run
	OutcomeAlreadyLabeled         // a caption for (hash, prompt) already existed
	OutcomeSkipped                // collaborator failed or returned an unusable caption
	OutcomeFailed                 // image could not be read
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCaptioned:
		return "captioned"
	case OutcomeAlreadyLabeled:
		return "already_labeled"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one image moving through the labeling stages.
type Item struct {
	Path    string
	Prompt  string
	Hash    string
	MIME    string
	Caption string
	Outcome Outcome
	// Err is the per-image failure behind OutcomeSkipped or OutcomeFailed.
	Err error
}

// Key is the (hash, prompt) identity the item is locked and stored under.
func (it Item) Key() domain.CaptionKey {
	return domain.CaptionKey{Hash: it.Hash, Prompt: it.Prompt}
}

// Record is the catalog row for a captioned item.
func (it Item) Record() domain.ImageRecord {
	return domain.ImageRecord{
		ContentHash: it.Hash,
		SourcePath:  it.Path,
		Prompt:      it.Prompt,
		Caption:     it.Caption,
	}
}

// Summary counts the outcomes of a Run.
type Summary struct {
	Discovered     int               `json:"discovered"`
	Captioned      int               `json:"captioned"`
	AlreadyLabeled int               `json:"already_labeled"`
	Skipped        int               `json:"skipped"`
	Failed         int               `json:"failed"`
	Sync           *reconcile.Report `json:"sync,omitempty"`
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeCaptioned:
		s.Captioned++
	case OutcomeAlreadyLabeled:
		s.AlreadyLabeled++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
