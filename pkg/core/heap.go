package core

// priceHeap tracks the set of occupied price levels for one side of a
// book. Bids use a max-heap (highest buy is best), asks a min-heap
// (lowest sell is best). Manipulate through container/heap.
type priceHeap struct {
	xs  []int64
	max bool
}

func (h *priceHeap) Len() int { return len(h.xs) }

func (h *priceHeap) Less(i, j int) bool {
	if h.max {
		return h.xs[i] > h.xs[j]
	}
	return h.xs[i] < h.xs[j]
}

func (h *priceHeap) Swap(i, j int) { h.xs[i], h.xs[j] = h.xs[j], h.xs[i] }

func (h *priceHeap) Push(x any) { h.xs = append(h.xs, x.(int64)) }

func (h *priceHeap) Pop() any {
	n := len(h.xs)
	x := h.xs[n-1]
	h.xs = h.xs[:n-1]
	return x
}

// peek returns the best price without removing it.
func (h *priceHeap) peek() (int64, bool) {
	if len(h.xs) == 0 {
		return 0, false
	}
	return h.xs[0], true
}

// indexOf finds a price in the heap (linear; levels are few).
func (h *priceHeap) indexOf(p int64) int {
	for i, x := range h.xs {
		if x == p {
			return i
		}
	}
	return -1
}
