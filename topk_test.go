package whiskers

import (
	"math"
	"testing"
)

func TestTopKTracker(t *testing.T) {
	topk := NewTopKTracker(3)
	for i, score := range []float64{0.1, 0.9, 0.4, 0.7, 0.2, 0.8} {
		topk.ProcessItem(SearchHit{ID: string(rune('a' + i)), Score: score})
	}

	hits := topk.GetTopK()
	if expected, actual := 3, len(hits); expected != actual {
		t.Fatalf("Expected %d hits, got %d", expected, actual)
	}
	for i, expected := range []float64{0.9, 0.8, 0.7} {
		if hits[i].Score != expected {
			t.Errorf("Expected hit %d to score %v, got %v", i, expected, hits[i].Score)
		}
	}

	// GetTopK does not consume the tracker
	if expected, actual := 3, len(topk.GetTopK()); expected != actual {
		t.Errorf("Expected %d hits on second call, got %d", expected, actual)
	}
}

func TestTopKTrackerFewerItems(t *testing.T) {
	topk := NewTopKTracker(10)
	topk.ProcessItem(SearchHit{Score: 0.3})
	topk.ProcessItem(SearchHit{Score: 0.5})

	hits := topk.GetTopK()
	if len(hits) != 2 || hits[0].Score != 0.5 {
		t.Errorf("Unexpected hits %v", hits)
	}
}

func TestTopKTrackerZero(t *testing.T) {
	topk := NewTopKTracker(0)
	topk.ProcessItem(SearchHit{Score: 1})
	if hits := topk.GetTopK(); len(hits) != 0 {
		t.Errorf("Expected no hits, got %v", hits)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero", []float32{0, 0}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Unexpected error %s", err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("Expected an error for different lengths")
	}
}
