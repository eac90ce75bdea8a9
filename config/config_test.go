package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvr-ai/go-pose/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, float32(0.5), cfg.Loss.Cls)
	assert.Equal(t, float32(7.5), cfg.Loss.Box)
	assert.Equal(t, float32(1.5), cfg.Loss.DFL)
	assert.Equal(t, float32(12.0), cfg.Loss.Kpt)
	assert.Equal(t, float32(1.0), cfg.Loss.Obj)
	assert.Equal(t, AssignerConfig{TopK: 10, Alpha: 0.5, Beta: 6}, cfg.Assigner)
	assert.Equal(t, 300, cfg.NMS.MaxDet)
	assert.Equal(t, float32(0.7), cfg.NMS.IoUThreshold)
	assert.Equal(t, [2]int{17, 3}, cfg.Head.KptShape)
	assert.Equal(t, 640, cfg.Runtime.InputSize)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
loss:
  kpt: 10
nms:
  conf_threshold: 0.25
  time_limit: 2s
head:
  strides: [8, 16]
runtime:
  model_path: /models/pose.onnx
`))
	require.NoError(t, err)

	assert.Equal(t, float32(10), cfg.Loss.Kpt)
	assert.Equal(t, float32(7.5), cfg.Loss.Box, "untouched keys keep their default")
	assert.Equal(t, float32(0.25), cfg.NMS.ConfThreshold)
	assert.Equal(t, 2*time.Second, cfg.NMS.TimeLimit)
	assert.Equal(t, []float32{8, 16}, cfg.Head.Strides)
	assert.Equal(t, 16, cfg.Head.RegMax)
	assert.Equal(t, "/models/pose.onnx", cfg.Runtime.ModelPath)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "loss: [1, 2"},
		{"zero classes", "head: {num_classes: 0}"},
		{"bad keypoint dims", "head: {kpt_shape: [17, 4]}"},
		{"zero top k", "assigner: {top_k: 0}"},
		{"iou above one", "nms: {iou_threshold: 1.5}"},
		{"class count mismatch", "nms: {num_classes: 3}"},
		{"odd input size", "runtime: {input_size: 600}"},
		{"unknown backend", "runtime: {backend: tpu}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pose.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assigner: {top_k: 13, alpha: 1}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 13, cfg.Assigner.TopK)
	assert.Equal(t, float32(1), cfg.Assigner.Alpha)

	l, err := cfg.NewComputeLoss()
	require.NoError(t, err)
	assert.Equal(t, 13, l.Assigner.TopK)
	assert.Equal(t, float32(1), l.Assigner.Alpha)
	assert.Equal(t, 1, l.Assigner.NumClasses)
	assert.Len(t, l.PointLoss.Sigmas, 17)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSession(t *testing.T) {
	cfg, err := Parse([]byte("runtime: {model_path: pose.onnx, backend: cuda, threads: 4}\n"))
	require.NoError(t, err)

	sc := cfg.Session()
	assert.Equal(t, "pose.onnx", sc.ModelPath)
	assert.Equal(t, inference.BackendCUDA, sc.Backend)
	assert.Equal(t, 4, sc.Threads)

	shape, err := sc.OutputShape()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 56, 8400}, shape)
}
