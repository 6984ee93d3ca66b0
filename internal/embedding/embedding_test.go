package embedding

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
)

func corpus() []Document {
	return []Document{
		{Text: "connection refused to <ip>", ExceptionType: "SocketException", Source: "orders"},
		{Text: "connection reset by peer <ip>", ExceptionType: "SocketException", Source: "orders"},
		{Text: "null reference in order <num>", ExceptionType: "NullReferenceException", Source: "billing"},
		{Text: "timeout after <num> calling <url>", ExceptionType: "TimeoutException", Source: "gateway"},
	}
}

func TestEmbedUntrained(t *testing.T) {
	h := NewHashingEmbedder(HashingOptions{}, nil)
	if h.Trained() {
		t.Fatalf("new embedder must be untrained")
	}
	if _, ok := h.Embed(Document{Text: "x"}); ok {
		t.Fatalf("expected embed to report untrained")
	}
}

func TestTrainRejectsTinyCorpus(t *testing.T) {
	h := NewHashingEmbedder(HashingOptions{}, nil)
	err := h.Train(context.Background(), []Document{{Text: "one"}})
	if !errors.Is(err, ErrCorpusTooSmall) {
		t.Fatalf("expected ErrCorpusTooSmall, got %v", err)
	}
}

func TestEmbedSimilarity(t *testing.T) {
	h := NewHashingEmbedder(HashingOptions{Dimensions: 4096}, nil)
	if err := h.Train(context.Background(), corpus()); err != nil {
		t.Fatalf("train: %v", err)
	}

	a, _ := h.Embed(Document{Text: "connection refused to <ip>", ExceptionType: "SocketException", Source: "orders"})
	b, _ := h.Embed(Document{Text: "connection refused to <ip> port", ExceptionType: "SocketException", Source: "orders"})
	c, _ := h.Embed(Document{Text: "null reference in order <num>", ExceptionType: "NullReferenceException", Source: "billing"})

	if norm := math.Sqrt(dot(a, a)); math.Abs(norm-1) > 1e-9 {
		t.Fatalf("expected unit vector, got norm %f", norm)
	}
	near := Cosine(a, b)
	far := Cosine(a, c)
	if near <= far {
		t.Fatalf("expected related errors to score higher: near=%f far=%f", near, far)
	}
	if self := Cosine(a, a); math.Abs(self-1) > 1e-9 {
		t.Fatalf("self similarity should be 1, got %f", self)
	}
}

func TestCosineDegenerate(t *testing.T) {
	if Cosine(nil, nil) != 0 {
		t.Fatalf("expected 0 for empty vectors")
	}
	if Cosine([]float64{1, 0}, []float64{0, 0}) != 0 {
		t.Fatalf("expected 0 for zero vector")
	}
	if Cosine([]float64{1}, []float64{1, 2}) != 0 {
		t.Fatalf("expected 0 for mismatched lengths")
	}
}

func TestConcurrentEmbedDuringTrain(t *testing.T) {
	h := NewHashingEmbedder(HashingOptions{}, nil)
	if err := h.Train(context.Background(), corpus()); err != nil {
		t.Fatalf("train: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if vec, ok := h.Embed(Document{Text: "connection refused"}); !ok || len(vec) != defaultDimensions {
					t.Errorf("unexpected embed result")
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		if err := h.Train(context.Background(), corpus()); err != nil {
			t.Fatalf("retrain: %v", err)
		}
	}
	wg.Wait()
}

func TestTrainHonoursCancellation(t *testing.T) {
	h := NewHashingEmbedder(HashingOptions{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Train(ctx, corpus()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.Trained() {
		t.Fatalf("cancelled training must not install a model")
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
