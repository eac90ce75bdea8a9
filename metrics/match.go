// Package metrics evaluates detections against ground truth: per-threshold matching
// by IoU or keypoint similarity, precision-recall curves and average precision.
package metrics

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-pose/common"
	"github.com/nvr-ai/go-pose/images"
	"github.com/nvr-ai/go-pose/models/postprocess"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// OKSAreaFactor scales the ground-truth box area into the OKS object scale.
	OKSAreaFactor = 0.53
	// similarityEps guards the OKS and IoU divisions.
	similarityEps = 1e-7
)

// IoUThresholds returns the ten COCO matching thresholds 0.50, 0.55, ..., 0.95.
func IoUThresholds() []float32 {
	span := floats.Span(make([]float64, 10), 0.5, 0.95)
	out := make([]float32, len(span))
	for i, v := range span {
		out[i] = float32(v)
	}
	return out
}

// KeypointShape selects keypoint similarity for ComputeMetric.
// The zero value selects box IoU.
type KeypointShape struct {
	// Count is the number of keypoints per instance.
	Count int
	// Dims is the number of values per keypoint in the detection's auxiliary channels (2 or 3).
	Dims int
}

// Similarity returns the (labels x detections) similarity matrix: box IoU, or OKS
// when shape.Count is set.
//
// OKS for a label and a detection is the mean over the label's labeled keypoints of
// exp(-d / (2*sigma)^2 / (area + 1e-7) / 2), with d the squared distance and area
// the label box area times OKSAreaFactor.
func Similarity(dets []postprocess.Result, labels []common.Label, shape KeypointShape) (*mat.Dense, error) {
	if len(dets) == 0 || len(labels) == 0 {
		return nil, errors.New("similarity needs at least one detection and one label")
	}
	sim := mat.NewDense(len(labels), len(dets), nil)

	if shape.Count == 0 {
		for i, l := range labels {
			for j, d := range dets {
				sim.Set(i, j, float64(images.CalculateIoU(l.Box, d.Box)))
			}
		}
		return sim, nil
	}

	sigmas := common.SigmasFor(shape.Count)
	pred := make([][]common.Keypoint, len(dets))
	for j, d := range dets {
		kpts, err := d.Keypoints(shape.Count, shape.Dims)
		if err != nil {
			return nil, errors.Wrapf(err, "detection %d", j)
		}
		pred[j] = kpts
	}

	for i, l := range labels {
		if len(l.Keypoints) != shape.Count {
			return nil, errors.Errorf("label %d has %d keypoints, want %d", i, len(l.Keypoints), shape.Count)
		}
		area := l.Box.Area() * OKSAreaFactor
		var labeled float32
		for _, k := range l.Keypoints {
			if k.Labeled() {
				labeled++
			}
		}

		for j := range dets {
			var sum float32
			for k, t := range l.Keypoints {
				if !t.Labeled() {
					continue
				}
				dx, dy := t.X-pred[j][k].X, t.Y-pred[j][k].Y
				s2 := 2 * sigmas[k]
				e := (dx*dx + dy*dy) / (s2 * s2) / (area + similarityEps) / 2
				sum += math32.Exp(-e)
			}
			sim.Set(i, j, float64(sum/(labeled+similarityEps)))
		}
	}
	return sim, nil
}

// ComputeMetric marks which detections of one image are correct at each threshold.
//
// At every threshold a (label, detection) pair is a candidate match when the classes
// agree and the similarity reaches the threshold. Candidates are ranked by
// similarity; the best-ranked pair of each detection is kept, then the best-ranked
// remaining pair of each label, so that every detection and every label is matched
// at most once.
//
// Arguments:
//   - dets: The detections of one image.
//   - labels: The ground truths of that image, in the same pixel frame.
//   - iouV: The matching thresholds, e.g. IoUThresholds().
//   - shape: Zero for box IoU, or the keypoint layout for OKS.
//
// Returns:
//   - A len(dets) x len(iouV) table of correct flags.
//   - An error if keypoints are requested but missing.
//
// Example:
//
//	correct, err := ComputeMetric(dets[0], labels, IoUThresholds(), KeypointShape{Count: 17, Dims: 3})
func ComputeMetric(dets []postprocess.Result, labels []common.Label, iouV []float32, shape KeypointShape) ([][]bool, error) {
	correct := make([][]bool, len(dets))
	for j := range correct {
		correct[j] = make([]bool, len(iouV))
	}
	if len(dets) == 0 || len(labels) == 0 {
		return correct, nil
	}

	sim, err := Similarity(dets, labels, shape)
	if err != nil {
		return nil, err
	}

	type match struct {
		label, det int
		sim        float64
	}
	for t, thr := range iouV {
		var matches []match
		for i, l := range labels {
			for j, d := range dets {
				if s := sim.At(i, j); s >= float64(thr) && l.Class == d.Class {
					matches = append(matches, match{i, j, s})
				}
			}
		}
		sort.SliceStable(matches, func(a, b int) bool {
			return matches[a].sim > matches[b].sim
		})

		seenDet := make(map[int]bool, len(matches))
		perDet := matches[:0]
		for _, m := range matches {
			if !seenDet[m.det] {
				seenDet[m.det] = true
				perDet = append(perDet, m)
			}
		}
		seenLabel := make(map[int]bool, len(perDet))
		for _, m := range perDet {
			if !seenLabel[m.label] {
				seenLabel[m.label] = true
				correct[m.det][t] = true
			}
		}
	}

	return correct, nil
}
