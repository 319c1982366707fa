package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/loanpilot/orchestrator/internal/config"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashDriver_Deterministic(t *testing.T) {
	d := NewHashDriver(128)
	v, err := d.Embed(context.Background(), []string{"rate lock expires Friday", "rate lock expires Friday"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(v[0]) != 128 {
		t.Fatalf("len = %d, want 128", len(v[0]))
	}
	for i := range v[0] {
		if v[0][i] != v[1][i] {
			t.Fatal("Embed() not deterministic")
		}
	}
}

func TestHashDriver_SimilarTextsCloser(t *testing.T) {
	d := NewHashDriver(256)
	v, _ := d.Embed(context.Background(), []string{
		"appraisal came back at 410k for the Smith loan",
		"the appraisal for the Smith loan came back",
		"welcome to our newsletter about gardening",
	})
	if cosine(v[0], v[1]) <= cosine(v[0], v[2]) {
		t.Errorf("related texts should be closer: %.3f vs %.3f", cosine(v[0], v[1]), cosine(v[0], v[2]))
	}
}

func TestNew_FallsBackToHash(t *testing.T) {
	d := New(config.EmbeddingsConfig{Provider: "openai"})
	if d.Kind() != "hash" {
		t.Errorf("New() kind = %q, want hash without key", d.Kind())
	}
}
