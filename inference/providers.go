package inference

import (
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// BackendCPU runs on the default CPU provider.
	BackendCPU Backend = "cpu"
	// BackendCoreML runs on Apple's CoreML provider.
	BackendCoreML Backend = "coreml"
	// BackendCUDA runs on the CUDA provider, device 0.
	BackendCUDA Backend = "cuda"
)

// ParseBackend accepts the backend names case-insensitively. Empty means CPU.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendCPU:
		return BackendCPU, nil
	case BackendCoreML, BackendCUDA:
		return b, nil
	default:
		return "", errors.Errorf("unknown backend %q (want cpu, coreml or cuda)", s)
	}
}

// sessionOptions builds the session options for config: thread count, extended
// graph optimisation and the execution provider.
func sessionOptions(config SessionConfig) (*ort.SessionOptions, error) {
	backend, err := ParseBackend(string(config.Backend))
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}
	fail := func(err error, msg string) (*ort.SessionOptions, error) {
		options.Destroy()
		return nil, errors.Wrap(err, msg)
	}

	if err := options.SetIntraOpNumThreads(config.Threads); err != nil {
		return fail(err, "error setting intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return fail(err, "error setting graph optimization level")
	}

	switch backend {
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return fail(err, "error enabling CoreML")
		}
	case BackendCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fail(err, "error creating CUDA options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": "0"}); err != nil {
			return fail(err, "error configuring CUDA")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fail(err, "error enabling CUDA")
		}
	}

	return options, nil
}
