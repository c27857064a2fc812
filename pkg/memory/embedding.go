package memory

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
)

// Embedder maps text to a unit vector. Similarity between memory texts and
// between candidate questions is cosine over these vectors.
type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const defaultEmbeddingModel = "biographer-chargram-384-v1"

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-']+`)

type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return defaultEmbeddingModel }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := NormalizeText(text)
	if normalized == "" {
		return vec
	}
	window := []rune("#" + normalized + "#")
	for i := 0; i+3 <= len(window); i++ {
		vec[bucket("g:"+string(window[i:i+3]), e.dims)] += 1
	}
	for _, token := range tokenize(normalized) {
		vec[bucket("tok:"+token, e.dims)] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func bucket(s string, dims int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(dims))
}

var activeEmbedder atomic.Pointer[Embedder]

func init() {
	SetEmbedder(nil)
}

// SetEmbedder swaps the process embedder; nil restores the default.
func SetEmbedder(e Embedder) {
	if e == nil {
		e = &chargramEmbedder{dims: 384}
	}
	activeEmbedder.Store(&e)
}

func currentEmbedder() Embedder {
	return *activeEmbedder.Load()
}

func embedText(text string) []float32 {
	return currentEmbedder().Embed(text)
}

// Similarity is the cosine similarity of two texts in [0, 1] for the
// default embedder.
func Similarity(a, b string) float64 {
	if NormalizeText(a) == NormalizeText(b) {
		return 1
	}
	return cosineSimilarity(embedText(a), embedText(b))
}

// NormalizeText lowercases, trims punctuation and collapses whitespace.
func NormalizeText(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Trim(text, " .,!?:;\"'")
	return strings.Join(strings.Fields(text), " ")
}

func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}
