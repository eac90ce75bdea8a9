// Package inference - ONNX Runtime sessions for exported pose models.
package inference

import (
	"image"
	"sync"
	"time"

	"github.com/nvr-ai/go-pose/models/anchors"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Logger receives the session lifecycle messages.
var Logger logrus.FieldLogger = logrus.StandardLogger()

// SessionConfig describes an exported pose model and how to run it.
type SessionConfig struct {
	// ModelPath is the .onnx file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath is the onnxruntime shared library. Empty keeps the runtime's default search.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputSize is the square input side in pixels.
	InputSize int `json:"input_size" yaml:"input_size"`
	// NumClasses is the number of class channels of the output.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// KptShape is (keypoints, values per keypoint) of the output.
	KptShape [2]int `json:"kpt_shape" yaml:"kpt_shape"`
	// Strides are the head strides; they fix the anchor count of the output.
	Strides []float32 `json:"strides" yaml:"strides"`
	// Backend selects the execution provider.
	Backend Backend `json:"backend" yaml:"backend"`
	// Threads is the intra-op thread count. Zero lets the runtime decide.
	Threads int `json:"threads" yaml:"threads"`
	// InputName and OutputName default to "images" and "output0".
	InputName  string `json:"input_name" yaml:"input_name"`
	OutputName string `json:"output_name" yaml:"output_name"`
}

// OutputShape returns the (1, 4+C+K*D, N) shape of the raw model output.
func (c SessionConfig) OutputShape() ([]int, error) {
	if c.InputSize <= 0 || len(c.Strides) == 0 {
		return nil, errors.Errorf("input size %d and %d strides cannot define an output", c.InputSize, len(c.Strides))
	}
	shapes := make([]anchors.FeatureShape, len(c.Strides))
	for i, s := range c.Strides {
		if s <= 0 || c.InputSize%int(s) != 0 {
			return nil, errors.Errorf("input size %d is not a multiple of stride %v", c.InputSize, s)
		}
		side := c.InputSize / int(s)
		shapes[i] = anchors.FeatureShape{Height: side, Width: side}
	}
	ch := 4 + c.NumClasses + c.KptShape[0]*c.KptShape[1]
	return []int{1, ch, anchors.Count(shapes)}, nil
}

// Session runs an exported pose model on single images. Run calls are serialised.
type Session struct {
	config  SessionConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	shape   []int

	mu    sync.Mutex
	runs  int64
	total time.Duration
}

var environment sync.Mutex

// NewSession initialises the runtime environment if needed and loads the model with
// preallocated input and output tensors.
//
// Arguments:
//   - config: The model description.
//
// Returns:
//   - *Session: The session. Close it to release the native resources.
//   - error: If the runtime cannot be loaded or the model does not match config.
func NewSession(config SessionConfig) (*Session, error) {
	shape, err := config.OutputShape()
	if err != nil {
		return nil, err
	}
	if config.InputName == "" {
		config.InputName = "images"
	}
	if config.OutputName == "" {
		config.OutputName = "output0"
	}

	environment.Lock()
	if !ort.IsInitialized() {
		if config.LibraryPath != "" {
			ort.SetSharedLibraryPath(config.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			environment.Unlock()
			return nil, errors.Wrap(err, "error initializing ORT environment")
		}
		Logger.WithField("library", config.LibraryPath).Info("onnxruntime environment initialized")
	}
	environment.Unlock()

	size := int64(config.InputSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(shape[0]), int64(shape[1]), int64(shape[2])))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	options, err := sessionOptions(config)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "error creating ORT session for %s", config.ModelPath)
	}

	Logger.WithFields(logrus.Fields{
		"model":   config.ModelPath,
		"input":   config.InputSize,
		"output":  shape,
		"backend": config.Backend,
	}).Info("pose session ready")

	return &Session{
		config:  config,
		session: session,
		input:   input,
		output:  output,
		shape:   shape,
	}, nil
}

// Predict letterboxes img, runs the model and returns a copy of the raw
// (1, 4+C+K*D, N) output, ready for postprocess.NonMaxSuppression.
//
// Arguments:
//   - img: The image to run.
//
// Returns:
//   - The raw output tensor.
//   - The letterbox to map detections back with.
//   - An error if preprocessing or the run fails.
func (s *Session) Predict(img image.Image) (*tensor.Dense, Letterbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, Letterbox{}, errors.New("session is closed")
	}

	lb, err := PrepareInput(img, s.config.InputSize, s.input.GetData())
	if err != nil {
		return nil, Letterbox{}, errors.Wrap(err, "failed to prepare input")
	}

	start := time.Now()
	if err := s.session.Run(); err != nil {
		return nil, Letterbox{}, errors.Wrap(err, "failed to run session")
	}
	s.runs++
	s.total += time.Since(start)

	data := append([]float32(nil), s.output.GetData()...)
	return tensor.New(tensor.WithShape(s.shape...), tensor.WithBacking(data)), lb, nil
}

// Stats returns the run count and the mean run time.
func (s *Session) Stats() (runs int64, mean time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == 0 {
		return 0, 0
	}
	return s.runs, s.total / time.Duration(s.runs)
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		if err != nil {
			return errors.Wrap(err, "error destroying ORT session")
		}
	}
	return nil
}
