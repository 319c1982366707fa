package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/loanpilot/orchestrator/pkg/contracts"
)

// HashDriver is an offline embedder using signed feature hashing over word
// unigrams and bigrams. Vectors are L2-normalized, so cosine similarity
// tracks shared vocabulary. Used when no embedding provider is configured.
type HashDriver struct {
	dimensions int
}

var _ contracts.Embedder = (*HashDriver)(nil)

// NewHashDriver creates a hashing embedder with the given width.
func NewHashDriver(dimensions int) *HashDriver {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashDriver{dimensions: dimensions}
}

func (d *HashDriver) Kind() string    { return "hash" }
func (d *HashDriver) Dimensions() int { return d.dimensions }

func (d *HashDriver) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embed(t)
	}
	return out, nil
}

func (d *HashDriver) embed(text string) []float32 {
	vec := make([]float32, d.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	add := func(token string) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(d.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	for i, w := range words {
		add(w)
		if i > 0 {
			add(words[i-1] + " " + w)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
