package whiskers

import (
	"container/heap"
	"fmt"
	"math"
)

type MinHeap []SearchHit

func (h MinHeap) Len() int           { return len(h) }
func (h MinHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h MinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinHeap) Push(x any) {
	*h = append(*h, x.(SearchHit))
}

func (h *MinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// TopKTracker keeps track on the top K scoring hits
type TopKTracker struct {
	k    int
	heap MinHeap
}

func NewTopKTracker(k int) *TopKTracker {
	topk := &TopKTracker{
		k:    k,
		heap: make(MinHeap, 0, k),
	}
	heap.Init(&topk.heap)
	return topk
}

func (t *TopKTracker) ProcessItem(hit SearchHit) {
	if t.k <= 0 {
		return
	}
	if len(t.heap) < t.k {
		heap.Push(&t.heap, hit)
		return
	}

	if hit.Score > t.heap[0].Score {
		heap.Pop(&t.heap)
		heap.Push(&t.heap, hit)
	}
}

// GetTopK returns the tracked hits, highest score first.
func (t *TopKTracker) GetTopK() []SearchHit {
	tempHeap := make(MinHeap, len(t.heap))
	copy(tempHeap, t.heap)

	// Pop items in ascending order, fill from the back
	result := make([]SearchHit, len(tempHeap))
	for i := len(tempHeap) - 1; i >= 0; i-- {
		result[i] = heap.Pop(&tempHeap).(SearchHit)
	}
	return result
}

// dotp computes the unnormalized dot-product between two vectors. It assumes
// that a and b are equal length.
func dotp(a, b []float32) float64 {
	var sum float64
	for i := range len(a) {
		sum += float64(a[i]) * float64(b[i])
	}

	return sum
}

// CosineSimilarity returns the cosine of the angle between a and b. Zero
// length vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0.0, fmt.Errorf("embeddings are different lengths, %d and %d", len(a), len(b))
	}

	dot := dotp(a, b)

	ma := dotp(a, a)
	mb := dotp(b, b)
	if ma < 1e-12 || mb < 1e-12 {
		return 0, nil
	}

	return dot / (math.Sqrt(ma) * math.Sqrt(mb)), nil
}
