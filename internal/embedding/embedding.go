package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/floats"
)

const (
	defaultDimensions        = 1024
	defaultCategoricalWeight = 0.5
	minCorpusSize            = 2
)

// ErrCorpusTooSmall is returned when training data cannot produce a useful model.
var ErrCorpusTooSmall = errors.New("embedding corpus too small")

// Document is the embeddable view of an error or cluster.
type Document struct {
	Text          string
	ExceptionType string
	Source        string
	StatusCode    int
}

// Embedder turns documents into comparable vectors. Implementations must be
// safe for concurrent Embed calls while a Train is in flight.
type Embedder interface {
	Train(ctx context.Context, corpus []Document) error
	Embed(doc Document) ([]float64, bool)
	Trained() bool
}

// HashingOptions tunes the HashingEmbedder.
type HashingOptions struct {
	Dimensions        int
	CategoricalWeight float64
}

// HashingEmbedder projects tokens and categorical features into a fixed-size
// space with feature hashing, weighting text features by learned IDF.
type HashingEmbedder struct {
	opts   HashingOptions
	logger *slog.Logger

	trainMu sync.Mutex
	mu      sync.RWMutex
	model   *hashingModel
}

type hashingModel struct {
	idf  []float64
	docs int
}

// NewHashingEmbedder returns an untrained embedder.
func NewHashingEmbedder(opts HashingOptions, logger *slog.Logger) *HashingEmbedder {
	if opts.Dimensions <= 0 {
		opts.Dimensions = defaultDimensions
	}
	if opts.CategoricalWeight <= 0 {
		opts.CategoricalWeight = defaultCategoricalWeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HashingEmbedder{opts: opts, logger: logger}
}

// Train builds a fresh model from corpus and swaps it in atomically.
func (h *HashingEmbedder) Train(ctx context.Context, corpus []Document) error {
	if len(corpus) < minCorpusSize {
		return fmt.Errorf("%w: %d documents", ErrCorpusTooSmall, len(corpus))
	}

	h.trainMu.Lock()
	defer h.trainMu.Unlock()

	df := make([]int, h.opts.Dimensions)
	seen := make(map[int]struct{})
	for i, doc := range corpus {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		clear(seen)
		for _, tok := range features(doc.Text) {
			seen[h.bucket(tok)] = struct{}{}
		}
		for idx := range seen {
			df[idx]++
		}
	}

	n := float64(len(corpus))
	model := &hashingModel{
		idf:  make([]float64, h.opts.Dimensions),
		docs: len(corpus),
	}
	for i, count := range df {
		model.idf[i] = math.Log((1+n)/(1+float64(count))) + 1
	}

	h.mu.Lock()
	h.model = model
	h.mu.Unlock()

	h.logger.Debug("embedding model trained", slog.Int("documents", len(corpus)))
	return nil
}

// Trained reports whether a model is available.
func (h *HashingEmbedder) Trained() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model != nil
}

// Embed returns an L2-normalised vector, or false when no model is trained.
func (h *HashingEmbedder) Embed(doc Document) ([]float64, bool) {
	h.mu.RLock()
	model := h.model
	h.mu.RUnlock()
	if model == nil {
		return nil, false
	}

	vec := make([]float64, h.opts.Dimensions)
	for _, tok := range features(doc.Text) {
		idx := h.bucket(tok)
		vec[idx] += model.idf[idx]
	}
	for _, cat := range categorical(doc) {
		vec[h.bucket(cat)] += h.opts.CategoricalWeight
	}

	norm := floats.Norm(vec, 2)
	if norm == 0 {
		return vec, true
	}
	floats.Scale(1/norm, vec)
	return vec, true
}

func (h *HashingEmbedder) bucket(feature string) int {
	return int(xxhash.Sum64String(feature) % uint64(h.opts.Dimensions))
}

// Cosine returns the cosine similarity of a and b, or 0 for mismatched or zero vectors.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// features yields unigram and bigram tokens of the normalized text.
func features(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '<' || r == '>' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	out := make([]string, 0, len(tokens)*2)
	for i, tok := range tokens {
		out = append(out, "t:"+tok)
		if i > 0 {
			out = append(out, "b:"+tokens[i-1]+" "+tok)
		}
	}
	return out
}

func categorical(doc Document) []string {
	var out []string
	if doc.ExceptionType != "" {
		out = append(out, "exc:"+strings.ToLower(doc.ExceptionType))
	}
	if doc.Source != "" {
		out = append(out, "src:"+strings.ToLower(doc.Source))
	}
	if doc.StatusCode > 0 {
		out = append(out, fmt.Sprintf("status:%d", doc.StatusCode), fmt.Sprintf("class:%dxx", doc.StatusCode/100))
	}
	return out
}
