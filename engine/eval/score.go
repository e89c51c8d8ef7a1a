// Package eval scores captions. The functions in this file are pure and
// total: empty inputs and zero denominators score 0 instead of failing.
package eval

import (
	"math"
	"strings"
)

// Tokenize lowercases s and splits it on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// referenceVocabulary is the token set of all references joined together.
func referenceVocabulary(references []string) map[string]struct{} {
	return tokenSet(Tokenize(strings.Join(references, " ")))
}

// PRF is token-overlap precision, recall, and their harmonic mean.
type PRF struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// PrecisionRecallF1 compares the distinct tokens of generated against the
// vocabulary of the references. Precision is over generated tokens, recall
// over reference tokens.
func PrecisionRecallF1(generated string, references []string) PRF {
	gen := tokenSet(Tokenize(generated))
	ref := referenceVocabulary(references)

	common := 0
	for t := range gen {
		if _, ok := ref[t]; ok {
			common++
		}
	}
	var out PRF
	if len(gen) > 0 {
		out.Precision = float64(common) / float64(len(gen))
	}
	if len(ref) > 0 {
		out.Recall = float64(common) / float64(len(ref))
	}
	if s := out.Precision + out.Recall; s > 0 {
		out.F1 = 2 * out.Precision * out.Recall / s
	}
	return out
}

// AveragePrecision treats the generated tokens as a ranked list and the
// reference vocabulary as the relevant set. The k-th relevant token found,
// at 0-based rank pos, contributes k/(pos+1); the sum is divided by the
// vocabulary size.
func AveragePrecision(generated string, references []string) float64 {
	ref := referenceVocabulary(references)
	if len(ref) == 0 {
		return 0
	}
	var sum float64
	found := 0
	for pos, t := range Tokenize(generated) {
		if _, ok := ref[t]; !ok {
			continue
		}
		found++
		sum += float64(found) / float64(pos+1)
	}
	return sum / float64(len(ref))
}

// Pair is one generated caption with its references.
type Pair struct {
	Generated  string
	References []string
}

// MeanAveragePrecision averages AveragePrecision over pairs.
func MeanAveragePrecision(pairs []Pair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pairs {
		sum += AveragePrecision(p.Generated, p.References)
	}
	return sum / float64(len(pairs))
}

// Cosine returns dot(a,b)/(|a||b|). Absent, mismatched, or zero-norm
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TopNOverlap is the number of keys the first n entries of a and b share,
// divided by n.
func TopNOverlap(a, b []string, n int) float64 {
	if n <= 0 {
		return 0
	}
	seen := tokenSet(head(a, n))
	common := 0
	for k := range tokenSet(head(b, n)) {
		if _, ok := seen[k]; ok {
			common++
		}
	}
	return float64(common) / float64(n)
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// bleuEpsilon is the numerator substituted for an order with no matches.
const bleuEpsilon = 0.1

// BLEU is cumulative BLEU-maxN of candidate against references with
// uniform weights and a brevity penalty. Orders with no matching n-grams
// are smoothed to epsilon/total. A candidate sharing no unigram with any
// reference scores 0.
func BLEU(candidate string, references []string, maxN int) float64 {
	hyp := Tokenize(candidate)
	if maxN <= 0 || len(hyp) == 0 || len(references) == 0 {
		return 0
	}
	refs := make([][]string, len(references))
	for i, r := range references {
		refs[i] = Tokenize(r)
	}

	var logSum float64
	w := 1 / float64(maxN)
	for n := 1; n <= maxN; n++ {
		matched, total := clippedMatches(hyp, refs, n)
		if total == 0 {
			total = 1
		}
		if matched == 0 {
			if n == 1 {
				return 0
			}
			logSum += w * math.Log(bleuEpsilon/float64(total))
			continue
		}
		logSum += w * math.Log(float64(matched)/float64(total))
	}
	return brevityPenalty(len(hyp), refs) * math.Exp(logSum)
}

// clippedMatches counts candidate n-grams, each clipped to its highest
// count in any single reference.
func clippedMatches(hyp []string, refs [][]string, n int) (matched, total int) {
	counts := ngrams(hyp, n)
	maxRef := make(map[string]int)
	for _, r := range refs {
		for g, c := range ngrams(r, n) {
			if c > maxRef[g] {
				maxRef[g] = c
			}
		}
	}
	for g, c := range counts {
		total += c
		matched += min(c, maxRef[g])
	}
	return matched, total
}

func ngrams(tokens []string, n int) map[string]int {
	out := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return out
}

// brevityPenalty uses the reference length closest to the candidate,
// preferring the shorter on ties.
func brevityPenalty(c int, refs [][]string) float64 {
	r := -1
	for _, ref := range refs {
		l := len(ref)
		if r < 0 || abs(l-c) < abs(r-c) || (abs(l-c) == abs(r-c) && l < r) {
			r = l
		}
	}
	if c > r {
		return 1
	}
	return math.Exp(1 - float64(r)/float64(c))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Stats summarizes a score series.
type Stats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Summarize returns the zero Stats for an empty series.
func Summarize(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	s := Stats{Min: xs[0], Max: xs[0]}
	var sum float64
	for _, x := range xs {
		s.Min = min(s.Min, x)
		s.Max = max(s.Max, x)
		sum += x
	}
	s.Mean = sum / float64(len(xs))
	return s
}
