// Package postprocess - Postprocessing of raw detector output.
package postprocess

import (
	"github.com/nvr-ai/go-pose/common"
	"github.com/nvr-ai/go-pose/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, in corner form.
	Box images.Rect `json:"box"`
	// The confidence score of the result.
	Score float32 `json:"score"`
	// The predicted class index of the result.
	Class int `json:"class"`
	// Extra holds the auxiliary channels carried through NMS (flattened keypoints for pose models).
	Extra []float32 `json:"extra,omitempty"`
}

// Keypoints decodes Extra as k keypoints of dims values each (x, y[, visibility]).
//
// Arguments:
//   - k: Number of keypoints.
//   - dims: Values per keypoint, 2 or 3.
//
// Returns:
//   - The decoded keypoints. A dims of 2 yields VisibilityVisible for every point.
//   - An error if Extra does not hold k*dims values.
func (r Result) Keypoints(k, dims int) ([]common.Keypoint, error) {
	if dims != 2 && dims != 3 {
		return nil, errors.Errorf("keypoint dims must be 2 or 3, got %d", dims)
	}
	if len(r.Extra) != k*dims {
		return nil, errors.Errorf("detection carries %d auxiliary values, want %d", len(r.Extra), k*dims)
	}
	out := make([]common.Keypoint, k)
	for i := range out {
		v := r.Extra[i*dims:]
		out[i] = common.Keypoint{X: v[0], Y: v[1], Visibility: common.VisibilityVisible}
		if dims == 3 {
			out[i].Visibility = v[2]
		}
	}
	return out, nil
}

// ToTensor renders detections as an (n, 6+M) table: x1, y1, x2, y2, score, class,
// then the auxiliary channels. An empty slice yields a nil tensor.
func ToTensor(results []Result) (*tensor.Dense, error) {
	if len(results) == 0 {
		return nil, nil
	}
	m := len(results[0].Extra)
	cols := 6 + m
	data := make([]float32, 0, len(results)*cols)
	for i, r := range results {
		if len(r.Extra) != m {
			return nil, errors.Errorf("detection %d has %d auxiliary values, want %d", i, len(r.Extra), m)
		}
		data = append(data, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2, r.Score, float32(r.Class))
		data = append(data, r.Extra...)
	}
	return tensor.New(tensor.WithShape(len(results), cols), tensor.WithBacking(data)), nil
}
