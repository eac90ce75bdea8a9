// Package config - Hyper-parameters for training, evaluation and inference.
package config

import (
	"os"

	"github.com/nvr-ai/go-pose/assigner"
	"github.com/nvr-ai/go-pose/inference"
	"github.com/nvr-ai/go-pose/loss"
	"github.com/nvr-ai/go-pose/models/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AssignerConfig holds the label assignment settings used by the loss.
type AssignerConfig struct {
	// TopK is the number of candidate anchors per ground truth.
	TopK int `json:"top_k" yaml:"top_k"`
	// Alpha is the class-score exponent of the alignment metric.
	Alpha float32 `json:"alpha" yaml:"alpha"`
	// Beta is the overlap exponent of the alignment metric.
	Beta float32 `json:"beta" yaml:"beta"`
}

// RuntimeConfig holds the ONNX Runtime settings used for inference.
type RuntimeConfig struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the platform default.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// ModelPath is the exported pose model.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputSize is the square model input side in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`
	// Threads is the intra-op thread count. Zero lets the runtime decide.
	Threads int `json:"threads" yaml:"threads"`
	// Backend is the execution provider: cpu, coreml or cuda.
	Backend string `json:"backend" yaml:"backend"`
}

// Config is the complete set of hyper-parameters.
type Config struct {
	Loss     loss.Gains            `json:"loss" yaml:"loss"`
	Assigner AssignerConfig        `json:"assigner" yaml:"assigner"`
	NMS      postprocess.NMSConfig `json:"nms" yaml:"nms"`
	Head     loss.HeadConfig       `json:"head" yaml:"head"`
	Runtime  RuntimeConfig         `json:"runtime" yaml:"runtime"`
}

// Default returns the COCO keypoint settings: one person class, 17 keypoints with
// visibility, 16 bins per box side and strides 8, 16 and 32.
func Default() Config {
	nms := postprocess.DefaultNMSConfig()
	nms.NumClasses = 1

	return Config{
		Loss:     loss.DefaultGains(),
		Assigner: AssignerConfig{TopK: 10, Alpha: 0.5, Beta: 6.0},
		NMS:      nms,
		Head: loss.HeadConfig{
			NumClasses: 1,
			RegMax:     16,
			Strides:    []float32{8, 16, 32},
			KptShape:   [2]int{17, 3},
		},
		Runtime: RuntimeConfig{InputSize: 640, Backend: "cpu"},
	}
}

// Parse overlays YAML data on the defaults and validates the result.
//
// Arguments:
//   - data: The YAML document. Keys that are absent keep their default.
//
// Returns:
//   - The configuration, or an error if the document is malformed or invalid.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Load reads a YAML file and overlays it on the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(data)
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Head.Validate(); err != nil {
		return errors.Wrap(err, "head")
	}
	if c.Assigner.TopK <= 0 {
		return errors.Errorf("assigner: top_k must be positive, got %d", c.Assigner.TopK)
	}
	if c.Assigner.Alpha < 0 || c.Assigner.Beta < 0 {
		return errors.Errorf("assigner: exponents must not be negative, got alpha %v beta %v", c.Assigner.Alpha, c.Assigner.Beta)
	}
	if c.NMS.IoUThreshold <= 0 || c.NMS.IoUThreshold > 1 {
		return errors.Errorf("nms: iou_threshold must be in (0, 1], got %v", c.NMS.IoUThreshold)
	}
	if c.NMS.ConfThreshold < 0 || c.NMS.ConfThreshold >= 1 {
		return errors.Errorf("nms: conf_threshold must be in [0, 1), got %v", c.NMS.ConfThreshold)
	}
	if c.NMS.NumClasses != 0 && c.NMS.NumClasses != c.Head.NumClasses {
		return errors.Errorf("nms: num_classes %d disagrees with head num_classes %d", c.NMS.NumClasses, c.Head.NumClasses)
	}
	if c.Runtime.InputSize <= 0 || c.Runtime.InputSize%32 != 0 {
		return errors.Errorf("runtime: input_size must be a positive multiple of 32, got %d", c.Runtime.InputSize)
	}
	if _, err := inference.ParseBackend(c.Runtime.Backend); err != nil {
		return errors.Wrap(err, "runtime")
	}
	return nil
}

// NewComputeLoss builds the loss composer for the configured head, gains and
// assignment settings.
func (c Config) NewComputeLoss() (*loss.ComputeLoss, error) {
	l, err := loss.NewComputeLoss(c.Head, c.Loss)
	if err != nil {
		return nil, err
	}
	l.Assigner = assigner.New(c.Assigner.TopK, c.Head.NumClasses, c.Assigner.Alpha, c.Assigner.Beta)
	return l, nil
}

// Session returns the inference session settings for the configured head and runtime.
func (c Config) Session() inference.SessionConfig {
	return inference.SessionConfig{
		ModelPath:   c.Runtime.ModelPath,
		LibraryPath: c.Runtime.LibraryPath,
		InputSize:   c.Runtime.InputSize,
		NumClasses:  c.Head.NumClasses,
		KptShape:    c.Head.KptShape,
		Strides:     c.Head.Strides,
		Backend:     inference.Backend(c.Runtime.Backend),
		Threads:     c.Runtime.Threads,
	}
}
