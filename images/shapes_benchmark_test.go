package images

import (
	"fmt"
	"math/rand"
	"testing"
)

// Benchmarks cover the overlap cases seen when matching predictions against labels.

// BenchmarkIoU_NonOverlapping exits on the empty intersection.
func BenchmarkIoU_NonOverlapping(b *testing.B) {
	r1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	r2 := Rect{X1: 200, Y1: 200, X2: 300, Y2: 300}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(r1, r2)
	}
}

// BenchmarkIoU_PartialOverlap is the typical prediction vs ground truth case.
func BenchmarkIoU_PartialOverlap(b *testing.B) {
	r1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	r2 := Rect{X1: 50, Y1: 50, X2: 150, Y2: 150}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(r1, r2)
	}
}

// BenchmarkCIoU_PartialOverlap adds the centre distance and aspect terms.
func BenchmarkCIoU_PartialOverlap(b *testing.B) {
	r1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 200}
	r2 := Rect{X1: 50, Y1: 40, X2: 170, Y2: 210}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CalculateCIoU(r1, r2)
	}
}

// BenchmarkCIoU_Batch compares n predictions against one label, as the assigner does per anchor.
func BenchmarkCIoU_Batch(b *testing.B) {
	for _, n := range []int{100, 1000, 8400} {
		b.Run(fmt.Sprintf("anchors_%d", n), func(b *testing.B) {
			rng := rand.New(rand.NewSource(42))
			preds := make([]Rect, n)
			for i := range preds {
				x, y := rng.Float32()*600, rng.Float32()*600
				preds[i] = Rect{X1: x, Y1: y, X2: x + 10 + rng.Float32()*100, Y2: y + 10 + rng.Float32()*100}
			}
			label := Rect{X1: 200, Y1: 150, X2: 320, Y2: 420}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				for _, p := range preds {
					_ = CalculateCIoU(p, label)
				}
			}
		})
	}
}

// BenchmarkCenterToCorner measures the per-box conversion used by NMS.
func BenchmarkCenterToCorner(b *testing.B) {
	box := [4]float32{320, 240, 64, 128}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CenterToCorner(box)
	}
}
