package domain

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ValidateHash checks that h is a lowercase hex SHA-256 digest.
func ValidateHash(h string) error {
	if len(h) != HashLength {
		return NewValidationError("content_hash", h, ErrInvalidHash)
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return NewValidationError("content_hash", h, ErrInvalidHash)
		}
	}
	return nil
}

// ValidateImageRecord validates a caption row before it is written.
func ValidateImageRecord(r ImageRecord) error {
	if err := ValidateHash(r.ContentHash); err != nil {
		return err
	}
	if err := validateText("source_path", r.SourcePath, MaxSourcePathLen, ErrEmptyPath); err != nil {
		return err
	}
	if err := validateText("prompt", r.Prompt, MaxPromptLen, ErrEmptyPrompt); err != nil {
		return err
	}
	return validateText("caption", r.Caption, MaxCaptionLen, ErrEmptyCaption)
}

// ValidateEmbeddingRecord validates a vector record against the index dimension.
func ValidateEmbeddingRecord(r EmbeddingRecord, dim int) error {
	if err := ValidateHash(r.ContentHash); err != nil {
		return err
	}
	if err := validateText("source_path", r.SourcePath, MaxSourcePathLen, ErrEmptyPath); err != nil {
		return err
	}
	if err := validateText("caption", r.Caption, MaxCaptionLen, ErrEmptyCaption); err != nil {
		return err
	}
	return ValidateEmbedding(r.Embedding, dim)
}

// ValidateEmbedding rejects wrong-length, empty, or non-finite vectors.
func ValidateEmbedding(v []float32, dim int) error {
	if len(v) != dim {
		return &DimensionError{Want: dim, Got: len(v)}
	}
	if len(v) == 0 {
		return NewValidationError("embedding", "[]", ErrEmptyEmbedding)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return NewValidationError("embedding", fmt.Sprintf("[%d]=%v", i, x), ErrNonFinite)
		}
	}
	return nil
}

// ValidateCaption checks a caption produced by a collaborator.
func ValidateCaption(c string) error {
	return validateText("caption", c, MaxCaptionLen, ErrEmptyCaption)
}

func validateText(field, v string, max int, empty error) error {
	if strings.TrimSpace(v) == "" {
		return NewValidationError(field, v, empty)
	}
	if len(v) > max {
		return NewValidationError(field, truncate(v, 32), ErrFieldTooLong)
	}
	if !utf8.ValidString(v) {
		return NewValidationError(field, truncate(v, 32), ErrInvalidText)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
