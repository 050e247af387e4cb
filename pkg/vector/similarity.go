// Package vector implements the numeric core of the comparability analysis:
// cosine similarity, all-pairs similarity matrices, and a 2D principal
// component projection computed by power iteration.
//
// Vectors arrive as []float32 (the format every embeddings provider returns)
// and all arithmetic is carried out in float64. Every function in this package
// is pure and safe for concurrent use.
package vector

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when vectors that take part in one
// computation do not share the same length. It is never recovered silently:
// vectors are neither truncated nor padded.
var ErrDimensionMismatch = errors.New("vector: dimension mismatch")

// ErrDuplicateLabel is returned by [Pairwise] when two inputs carry the same
// label, which would make the pair list ambiguous.
var ErrDuplicateLabel = errors.New("vector: duplicate label")

// DisplayPrecision is the number of decimal places used for similarity scores
// and projected coordinates in reports.
const DisplayPrecision = 4

// Labeled is a vector with an opaque label and an optional group tag used to
// cluster results downstream.
type Labeled struct {
	// Label identifies the vector. Must be unique within one computation.
	Label string

	// Group is an optional cluster tag (e.g., "Text A").
	Group string

	// Model is the embedding model that produced Vector. Informational only.
	Model string

	// Vector is the embedding itself.
	Vector []float32
}

// Pair is an unordered pair of labels with their cosine similarity.
type Pair struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// Summary aggregates the similarity scores of a pair list.
type Summary struct {
	Min float64 `json:"minSimilarity"`
	Avg float64 `json:"avgSimilarity"`
}

// Cosine returns the cosine similarity dot(a,b) / (‖a‖·‖b‖).
//
// It returns [ErrDimensionMismatch] when len(a) != len(b). When either vector
// has zero magnitude the similarity is undefined; Cosine returns 0 in that
// case so that NaN never reaches a JSON response.
//
// The result lies in [-1, 1] up to floating-point drift. It is not clamped.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}

// Pairwise computes the cosine similarity of every unordered pair (i, j) with
// i < j, in nested input order. For N inputs exactly N·(N−1)/2 pairs are
// returned; self-pairs are omitted. Scores are rounded to [DisplayPrecision]
// decimals after being computed at full precision.
//
// Callers needing symmetric lookup must index each pair under both (A, B) and
// (B, A).
func Pairwise(items []Labeled) ([]Pair, error) {
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if prev, ok := seen[it.Label]; ok {
			return nil, fmt.Errorf("%w: %q at indices %d and %d", ErrDuplicateLabel, it.Label, prev, i)
		}
		seen[it.Label] = i
	}

	pairs := make([]Pair, 0, len(items)*(len(items)-1)/2)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			sim, err := Cosine(items[i].Vector, items[j].Vector)
			if err != nil {
				return nil, fmt.Errorf("pair %q/%q: %w", items[i].Label, items[j].Label, err)
			}
			pairs = append(pairs, Pair{
				A:          items[i].Label,
				B:          items[j].Label,
				Similarity: Round(sim, DisplayPrecision),
			})
		}
	}
	return pairs, nil
}

// Summarize returns the minimum and mean similarity across pairs. An empty
// pair list yields a zero Summary.
func Summarize(pairs []Pair) Summary {
	if len(pairs) == 0 {
		return Summary{}
	}
	lowest := math.Inf(1)
	var sum float64
	for _, p := range pairs {
		lowest = min(lowest, p.Similarity)
		sum += p.Similarity
	}
	return Summary{
		Min: Round(lowest, DisplayPrecision),
		Avg: Round(sum/float64(len(pairs)), DisplayPrecision),
	}
}

// Round rounds v to the given number of decimal places, half away from zero.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	r := math.Round(v*scale) / scale
	if r == 0 {
		// Collapse -0 so it never serialises as "-0".
		return 0
	}
	return r
}

// dot returns the dot product of two equal-length float64 slices.
func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// norm returns the Euclidean length of v.
func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
