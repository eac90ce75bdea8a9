// Package postprocess - provides Non-Maximum Suppression for raw detector output.
package postprocess

import (
	"sort"
	"time"

	"github.com/nvr-ai/go-pose/images"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"
)

const (
	// DefaultMaxDet caps the detections kept per image.
	DefaultMaxDet = 300
	// DefaultMaxNMS caps the candidates entering suppression per image.
	DefaultMaxNMS = 30000
	// DefaultMaxWH is the per-class coordinate offset; it must exceed any image side.
	DefaultMaxWH float32 = 7680
)

// Logger receives the warnings emitted by this package.
var Logger logrus.FieldLogger = logrus.StandardLogger()

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	// ConfThreshold is the minimum class score for a candidate.
	ConfThreshold float32 `json:"conf_threshold" yaml:"conf_threshold"`
	// IoUThreshold is the overlap above which a lower-scored box is suppressed.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// NumClasses is the number of class channels. Zero treats every non-box channel as a class.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// MaxDet is the maximum number of detections returned per image.
	MaxDet int `json:"max_det" yaml:"max_det"`
	// MaxNMS is the maximum number of candidates considered per image.
	MaxNMS int `json:"max_nms" yaml:"max_nms"`
	// MaxWH is the coordinate offset applied per class index.
	MaxWH float32 `json:"max_wh" yaml:"max_wh"`
	// Agnostic suppresses across classes when true.
	Agnostic bool `json:"agnostic" yaml:"agnostic"`
	// TimeLimit is the wall-clock budget for the whole batch. Zero means 0.5s + 0.05s per image.
	TimeLimit time.Duration `json:"time_limit" yaml:"time_limit"`
}

// DefaultNMSConfig returns the settings used for validation of pose models.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{
		ConfThreshold: 0.001,
		IoUThreshold:  0.7,
		MaxDet:        DefaultMaxDet,
		MaxNMS:        DefaultMaxNMS,
		MaxWH:         DefaultMaxWH,
	}
}

func (c *NMSConfig) budget(batch int) time.Duration {
	if c.TimeLimit > 0 {
		return c.TimeLimit
	}
	return 500*time.Millisecond + time.Duration(batch)*50*time.Millisecond
}

// NonMaxSuppression turns raw detector output into per-image detections.
//
// For every image the candidates whose best class score exceeds
// ConfThreshold are kept, their (cx, cy, w, h) boxes converted to corner form and
// (when there is more than one class) expanded to one candidate per class above the
// threshold. The highest-scored MaxNMS candidates are suppressed greedily with
// boxes shifted by class*MaxWH, so that boxes of different classes never overlap,
// and at most MaxDet survivors are returned.
//
// The batch has a wall-clock budget checked after every image. Once it is spent,
// the remaining images are returned empty and a warning is logged.
//
// Arguments:
//   - outputs: A (B, 4+C+M, N) float32 tensor: box, C class scores, M auxiliary channels.
//   - config: Thresholds and limits.
//
// Returns:
//   - One slice of detections per image, sorted by descending score.
//   - An error if the tensor shape does not fit the configuration.
//
// Example:
//
//	cfg := DefaultNMSConfig()
//	cfg.NumClasses = 1
//	dets, err := NonMaxSuppression(raw, &cfg)
func NonMaxSuppression(outputs *tensor.Dense, config *NMSConfig) ([][]Result, error) {
	shape := outputs.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("NMS input must be rank 3 (B, 4+C+M, N), got shape %v", shape)
	}
	data, ok := outputs.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("NMS input must be float32, got %v", outputs.Dtype())
	}

	bs, ch, n := shape[0], shape[1], shape[2]
	nc := config.NumClasses
	if nc == 0 {
		nc = ch - 4
	}
	if nc <= 0 || 4+nc > ch {
		return nil, errors.Errorf("%d channels cannot hold 4 box values and %d classes", ch, nc)
	}
	nm := ch - 4 - nc

	maxDet, maxNMS, maxWH := config.MaxDet, config.MaxNMS, config.MaxWH
	if maxDet <= 0 {
		maxDet = DefaultMaxDet
	}
	if maxNMS <= 0 {
		maxNMS = DefaultMaxNMS
	}
	if maxWH <= 0 {
		maxWH = DefaultMaxWH
	}

	limit := config.budget(bs)
	start := time.Now()

	output := make([][]Result, bs)
	for b := range output {
		output[b] = []Result{}
	}

	for b := 0; b < bs; b++ {
		img := data[b*ch*n : (b+1)*ch*n]
		at := func(c, i int) float32 { return img[c*n+i] }

		candidates := make([]Result, 0)
		for i := 0; i < n; i++ {
			best, bestClass := at(4, i), 0
			for j := 1; j < nc; j++ {
				if s := at(4+j, i); s > best {
					best, bestClass = s, j
				}
			}
			if best <= config.ConfThreshold {
				continue
			}

			box := images.CenterToCorner([4]float32{at(0, i), at(1, i), at(2, i), at(3, i)})
			extra := func() []float32 {
				if nm == 0 {
					return nil
				}
				e := make([]float32, nm)
				for k := range e {
					e[k] = at(4+nc+k, i)
				}
				return e
			}

			if nc > 1 {
				// multi-label: one candidate per class above the threshold
				for j := 0; j < nc; j++ {
					if s := at(4+j, i); s > config.ConfThreshold {
						candidates = append(candidates, Result{Box: box, Score: s, Class: j, Extra: extra()})
					}
				}
				continue
			}
			candidates = append(candidates, Result{Box: box, Score: best, Class: bestClass, Extra: extra()})
		}

		if len(candidates) > 0 {
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].Score > candidates[j].Score
			})
			if len(candidates) > maxNMS {
				candidates = candidates[:maxNMS]
			}

			boxes := make([]images.Rect, len(candidates))
			for i, c := range candidates {
				offset := float32(0)
				if !config.Agnostic {
					offset = float32(c.Class) * maxWH
				}
				boxes[i] = c.Box.Offset(offset)
			}

			keep := ApplyGreedyNMS(boxes, config.IoUThreshold)
			if len(keep) > maxDet {
				keep = keep[:maxDet]
			}
			kept := make([]Result, len(keep))
			for i, k := range keep {
				kept[i] = candidates[k]
			}
			output[b] = kept
		}

		if elapsed := time.Since(start); elapsed > limit {
			Logger.WithFields(logrus.Fields{
				"limit":     limit,
				"elapsed":   elapsed,
				"processed": b + 1,
				"batch":     bs,
			}).Warn("NMS time limit exceeded")
			break
		}
	}

	return output, nil
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression.
//
// Arguments:
//   - boxes: Boxes sorted by descending confidence.
//   - iouThreshold: IoU threshold above which overlapping boxes are suppressed.
//
// Returns:
//   - Indices of the kept boxes, in input order.
func ApplyGreedyNMS(boxes []images.Rect, iouThreshold float32) []int {
	n := len(boxes)
	if n == 0 {
		return nil
	}

	keep := make([]int, 0, n)
	used := make([]bool, n)

	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}

		anchor := boxes[i]
		keep = append(keep, i)
		used[i] = true

		for j := i + 1; j < n; j++ {
			if used[j] {
				continue
			}

			// Suppress if IoU exceeds threshold
			if images.CalculateIoU(anchor, boxes[j]) > iouThreshold {
				used[j] = true
			}
		}
	}

	return keep
}
