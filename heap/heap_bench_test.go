package heap_test

import (
	"testing"

	"github.com/go-memkit/memkit/heap"
)

// churnSizes is a fixed pseudo-random spread of request sizes, biased small the way
// real workloads are.
func churnSizes() []int {
	sizes := make([]int, 512)
	state := uint64(0x9E3779B97F4A7C15)
	for i := range sizes {
		state = state*6364136223846793005 + 1442695040888963407
		sizes[i] = 16 + int(state>>52)%960
	}
	return sizes
}

func benchmarkChurn(b *testing.B, strategy heap.Strategy) {
	sizes := churnSizes()

	h, err := heap.New(
		heap.WithSegmentSource(heap.NewSliceSource()),
		heap.WithStrategy(strategy),
	)
	if err != nil {
		b.Fatal(err)
	}

	live := make([]heap.Pointer, 0, len(sizes))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		size := sizes[i%len(sizes)]

		p, allocErr := h.Alloc(size)
		if allocErr != nil {
			b.Fatal(allocErr)
		}
		live = append(live, p)

		// Free every other allocation out of order to keep the list fragmented.
		if len(live) >= 2 && i%2 == 0 {
			victim := live[len(live)/2]
			live = append(live[:len(live)/2], live[len(live)/2+1:]...)
			if freeErr := h.Free(victim); freeErr != nil {
				b.Fatal(freeErr)
			}
		}

		if len(live) == cap(live) {
			for _, q := range live {
				if freeErr := h.Free(q); freeErr != nil {
					b.Fatal(freeErr)
				}
			}
			live = live[:0]
		}
	}
}

func BenchmarkChurnBestFit(b *testing.B) {
	benchmarkChurn(b, heap.StrategyBestFit)
}

func BenchmarkChurnFirstFit(b *testing.B) {
	benchmarkChurn(b, heap.StrategyFirstFit)
}

func BenchmarkAllocOnly(b *testing.B) {
	h, err := heap.New(heap.WithSegmentSource(heap.NewSliceSource()))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, allocErr := h.Alloc(64); allocErr != nil {
			b.Fatal(allocErr)
		}
	}
}
