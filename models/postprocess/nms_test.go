package postprocess

import (
	"math/rand"
	"testing"
	"time"

	"github.com/nvr-ai/go-pose/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

// rawOutput lays out per-image candidate rows (cx, cy, w, h, scores..., extra...)
// as the (B, ch, N) channel-major tensor a detector head produces.
func rawOutput(t *testing.T, rows [][][]float32) *tensor.Dense {
	t.Helper()
	bs, n, ch := len(rows), len(rows[0]), len(rows[0][0])
	data := make([]float32, bs*ch*n)
	for b := range rows {
		require.Len(t, rows[b], n)
		for i, row := range rows[b] {
			require.Len(t, row, ch)
			for c, v := range row {
				data[b*ch*n+c*n+i] = v
			}
		}
	}
	return tensor.New(tensor.WithShape(bs, ch, n), tensor.WithBacking(data))
}

func TestNMS_SingleBox(t *testing.T) {
	raw := rawOutput(t, [][][]float32{{{30, 30, 40, 40, 0.9}}})
	cfg := DefaultNMSConfig()
	cfg.ConfThreshold = 0.25
	cfg.IoUThreshold = 0.5
	cfg.NumClasses = 1

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0], 1)

	det := out[0][0]
	assert.Equal(t, images.Rect{X1: 10, Y1: 10, X2: 50, Y2: 50}, det.Box)
	assert.InDelta(t, 0.9, det.Score, 1e-6)
	assert.Equal(t, 0, det.Class)
	assert.Empty(t, det.Extra)
}

func TestNMS_SuppressesOverlap(t *testing.T) {
	// IoU between the two boxes is 9000/10000 = 0.9
	raw := rawOutput(t, [][][]float32{{
		{50, 45, 100, 90, 0.8},
		{50, 50, 100, 100, 0.9},
		{400, 400, 50, 50, 0.7},
	}})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 1}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
	assert.InDelta(t, 0.9, out[0][0].Score, 1e-6, "the higher-confidence box wins")
	assert.Equal(t, images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}, out[0][0].Box)
	assert.InDelta(t, 0.7, out[0][1].Score, 1e-6)
}

func TestNMS_ClassesAreIndependent(t *testing.T) {
	raw := rawOutput(t, [][][]float32{{
		{50, 50, 100, 100, 0.9, 0.1},
		{50, 50, 100, 100, 0.1, 0.8},
	}})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 2}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
	assert.Equal(t, 0, out[0][0].Class)
	assert.Equal(t, 1, out[0][1].Class)

	cfg.Agnostic = true
	out, err = NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 1)
	assert.Equal(t, 0, out[0][0].Class)
}

func TestNMS_MultiLabel(t *testing.T) {
	// one candidate above the threshold for both classes
	raw := rawOutput(t, [][][]float32{{{50, 50, 100, 100, 0.6, 0.7}}})
	cfg := NMSConfig{ConfThreshold: 0.5, IoUThreshold: 0.5, NumClasses: 2}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
	assert.Equal(t, 1, out[0][0].Class)
	assert.Equal(t, 0, out[0][1].Class)
}

func TestNMS_CarriesKeypoints(t *testing.T) {
	raw := rawOutput(t, [][][]float32{{
		{30, 30, 40, 40, 0.9, 11, 12, 2, 21, 22, 0},
		{30, 30, 40, 40, 0.1, 0, 0, 0, 0, 0, 0},
	}})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 1}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 1)
	assert.Equal(t, []float32{11, 12, 2, 21, 22, 0}, out[0][0].Extra)

	kpts, err := out[0][0].Keypoints(2, 3)
	require.NoError(t, err)
	assert.Equal(t, float32(21), kpts[1].X)
	assert.False(t, kpts[1].Labeled())

	_, err = out[0][0].Keypoints(3, 3)
	assert.Error(t, err)

	table, err := ToTensor(out[0])
	require.NoError(t, err)
	assert.Equal(t, []int{1, 12}, []int(table.Shape()))
	assert.Equal(t, []float32{10, 10, 50, 50, 0.9, 0, 11, 12, 2, 21, 22, 0}, table.Data().([]float32))
}

func TestNMS_EmptyImage(t *testing.T) {
	raw := rawOutput(t, [][][]float32{
		{{30, 30, 40, 40, 0.01}},
		{{30, 30, 40, 40, 0.9}},
	})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 1}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Empty(t, out[0])
	assert.Len(t, out[1], 1)

	table, err := ToTensor(out[0])
	require.NoError(t, err)
	assert.Nil(t, table)
}

func TestNMS_TimeLimitAbortsRemainingImages(t *testing.T) {
	row := []float32{30, 30, 40, 40, 0.9}
	raw := rawOutput(t, [][][]float32{{row}, {row}, {row}})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 1, TimeLimit: time.Nanosecond}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Len(t, out[0], 1)
	assert.Empty(t, out[1])
	assert.Empty(t, out[2])
}

func TestNMS_MaxDet(t *testing.T) {
	rows := make([][]float32, 10)
	for i := range rows {
		// disjoint boxes along the x axis
		rows[i] = []float32{float32(i)*100 + 25, 25, 50, 50, 0.5 + float32(i)*0.01}
	}
	raw := rawOutput(t, [][][]float32{rows})
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 1, MaxDet: 4}

	out, err := NonMaxSuppression(raw, &cfg)
	require.NoError(t, err)
	require.Len(t, out[0], 4)
	assert.InDelta(t, 0.59, out[0][0].Score, 1e-6)
}

// TestNMS_RandomProperties checks that no two same-class survivors overlap above the
// threshold and that the output never exceeds the candidate count.
func TestNMS_RandomProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const (
		nc  = 3
		n   = 300
		thr = 0.45
	)

	for trial := 0; trial < 5; trial++ {
		rows := make([][][]float32, 2)
		for b := range rows {
			rows[b] = make([][]float32, n)
			for i := range rows[b] {
				row := []float32{
					rng.Float32() * 640, rng.Float32() * 640,
					10 + rng.Float32()*150, 10 + rng.Float32()*150,
				}
				for c := 0; c < nc; c++ {
					row = append(row, rng.Float32())
				}
				rows[b][i] = row
			}
		}

		cfg := NMSConfig{ConfThreshold: 0.3, IoUThreshold: thr, NumClasses: nc}
		out, err := NonMaxSuppression(rawOutput(t, rows), &cfg)
		require.NoError(t, err)

		for b, dets := range out {
			assert.LessOrEqual(t, len(dets), DefaultMaxDet)
			assert.LessOrEqual(t, len(dets), n*nc)
			for i := range dets {
				assert.Greater(t, dets[i].Score, cfg.ConfThreshold)
				if i > 0 {
					assert.GreaterOrEqual(t, dets[i-1].Score, dets[i].Score, "image %d not sorted", b)
				}
				for j := i + 1; j < len(dets); j++ {
					if dets[i].Class != dets[j].Class {
						continue
					}
					assert.LessOrEqual(t, images.CalculateIoU(dets[i].Box, dets[j].Box), float32(thr+1e-3))
				}
			}
		}
	}
}

func TestNMS_ShapeErrors(t *testing.T) {
	cfg := NMSConfig{ConfThreshold: 0.25, IoUThreshold: 0.5, NumClasses: 3}

	_, err := NonMaxSuppression(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(5, 4)), &cfg)
	assert.Error(t, err, "rank 2 input must be rejected")

	_, err = NonMaxSuppression(tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 5, 4)), &cfg)
	assert.Error(t, err, "5 channels cannot hold 3 classes")
}

func TestApplyGreedyNMS(t *testing.T) {
	boxes := []images.Rect{
		{X1: 0, Y1: 0, X2: 10, Y2: 10},
		{X1: 1, Y1: 1, X2: 11, Y2: 11},
		{X1: 20, Y1: 20, X2: 30, Y2: 30},
	}
	assert.Equal(t, []int{0, 2}, ApplyGreedyNMS(boxes, 0.5))
	assert.Equal(t, []int{0, 1, 2}, ApplyGreedyNMS(boxes, 0.9))
	assert.Nil(t, ApplyGreedyNMS(nil, 0.5))
}
