package inference

import (
	"image"
	"image/color"
	"testing"

	"github.com/nvr-ai/go-pose/images"
	"github.com/nvr-ai/go-pose/models/postprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLetterbox(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		want          Letterbox
	}{
		{"landscape", 1280, 720, Letterbox{Width: 1280, Height: 720, Scale: 0.5, PadX: 0, PadY: 140}},
		{"portrait", 320, 640, Letterbox{Width: 320, Height: 640, Scale: 1, PadX: 160, PadY: 0}},
		{"square", 64, 64, Letterbox{Width: 64, Height: 64, Scale: 10, PadX: 0, PadY: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewLetterbox(tt.width, tt.height, 640)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NewLetterbox(0, 10, 640)
	assert.Error(t, err)
}

func TestPrepareInput(t *testing.T) {
	// a white 8x4 image letterboxed into 8x8: rows 0-1 and 6-7 are padding
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.White)
		}
	}

	dst := make([]float32, 3*64)
	lb, err := PrepareInput(img, 8, dst)
	require.NoError(t, err)
	assert.Equal(t, float32(2), lb.PadY)

	pad := float32(PadValue) / 255
	for c := 0; c < 3; c++ {
		plane := dst[c*64 : (c+1)*64]
		assert.InDelta(t, pad, plane[0], 1e-6, "top border")
		assert.InDelta(t, 1, plane[3*8+4], 1e-6, "image centre")
		assert.InDelta(t, pad, plane[7*8+7], 1e-6, "bottom border")
	}

	_, err = PrepareInput(img, 8, make([]float32, 10))
	assert.Error(t, err)
}

func TestLetterboxRestore(t *testing.T) {
	lb, err := NewLetterbox(1280, 720, 640)
	require.NoError(t, err)

	in := []postprocess.Result{{
		Box:   images.Rect{X1: 100, Y1: 140, X2: 200, Y2: 500},
		Score: 0.8,
		Extra: []float32{150, 240, 0.9, 700, 0, 0.1},
	}}
	out := lb.Restore(in, 3)
	require.Len(t, out, 1)
	assert.Equal(t, images.Rect{X1: 200, Y1: 0, X2: 400, Y2: 720}, out[0].Box)
	assert.Equal(t, []float32{300, 200, 0.9, 1280, 0, 0.1}, out[0].Extra, "keypoints are mapped and clipped, visibility kept")
	assert.Equal(t, float32(150), in[0].Extra[0], "input must not be modified")

	boxOnly := lb.Restore(in, 0)
	assert.Equal(t, in[0].Extra, boxOnly[0].Extra)
}

func TestSessionConfig_OutputShape(t *testing.T) {
	cfg := SessionConfig{InputSize: 640, NumClasses: 1, KptShape: [2]int{17, 3}, Strides: []float32{8, 16, 32}}
	shape, err := cfg.OutputShape()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 56, 8400}, shape)

	cfg.InputSize = 100
	_, err = cfg.OutputShape()
	assert.Error(t, err)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendCPU, b)

	b, err = ParseBackend(" CUDA ")
	require.NoError(t, err)
	assert.Equal(t, BackendCUDA, b)

	_, err = ParseBackend("tpu")
	assert.Error(t, err)
}
