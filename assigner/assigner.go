// Package assigner implements task-aligned label assignment for anchor-free detectors.
//
// For every ground-truth box the assigner ranks the anchors that lie inside it by
// an alignment metric combining the predicted class score with the overlap of the
// predicted box, keeps the best TopK, and hands an anchor claimed by more than one
// box to whichever valid box containing it the prediction overlaps most, including
// boxes that did not select it. The result drives the classification, box and
// keypoint losses of a training step.
package assigner

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-pose/images"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// DefaultTopK is the number of candidate anchors per ground truth.
	DefaultTopK = 13
	// DefaultAlpha weights the classification score in the alignment metric.
	DefaultAlpha float32 = 1.0
	// DefaultBeta weights the box overlap in the alignment metric.
	DefaultBeta float32 = 6.0
	// DefaultEps guards the score normalisation.
	DefaultEps float32 = 1e-9

	// inside is the minimum distance from an anchor to every edge of a box for the
	// anchor to count as inside it.
	inside float32 = 1e-9
)

// Assigner is a task-aligned one-stage assigner. It holds configuration only and is
// safe for concurrent use.
type Assigner struct {
	// TopK anchors are selected per ground truth before conflict resolution.
	TopK int
	// NumClasses is the width of the class-score axis.
	NumClasses int
	// Alpha is the exponent of the class score.
	Alpha float32
	// Beta is the exponent of the box overlap.
	Beta float32
	// Eps guards the division of the normalised alignment metric.
	Eps float32
}

// New returns an Assigner with the given selection size, class count and exponents.
func New(topK, numClasses int, alpha, beta float32) *Assigner {
	return &Assigner{
		TopK:       topK,
		NumClasses: numClasses,
		Alpha:      alpha,
		Beta:       beta,
		Eps:        DefaultEps,
	}
}

// Assignment is the per-anchor training target of one batch.
type Assignment struct {
	// Batch, Anchors and NumClasses are the B, A and C extents.
	Batch      int
	Anchors    int
	NumClasses int
	// MaxBoxes is the padded ground-truth count M.
	MaxBoxes int

	// TargetBoxes is (B, A, 4) in corner form; background anchors hold a zero box.
	TargetBoxes *tensor.Dense
	// TargetScores is (B, A, C): a one-hot class target scaled by the normalised alignment.
	TargetScores *tensor.Dense
	// Foreground is indexed b*A + a.
	Foreground []bool
	// GTIndex is the assigned ground-truth index per anchor, indexed b*A + a.
	// It is 0 for background anchors; check Foreground first.
	GTIndex []int
	// Positive is the final (B, M, A) positive mask, indexed (b*M + m)*A + a.
	Positive []bool
}

// IsForeground reports whether anchor a of image b is assigned.
func (r *Assignment) IsForeground(b, a int) bool {
	return r.Foreground[b*r.Anchors+a]
}

// ForegroundCount returns the number of assigned anchors in the batch.
func (r *Assignment) ForegroundCount() int {
	n := 0
	for _, fg := range r.Foreground {
		if fg {
			n++
		}
	}
	return n
}

// ScoreSum returns the total target-score mass of the batch.
func (r *Assignment) ScoreSum() float32 {
	var sum float32
	for _, v := range r.TargetScores.Data().([]float32) {
		sum += v
	}
	return sum
}

func background(batch, anchors, classes, maxBoxes int) *Assignment {
	return &Assignment{
		Batch:        batch,
		Anchors:      anchors,
		NumClasses:   classes,
		MaxBoxes:     maxBoxes,
		TargetBoxes:  tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, anchors, 4)),
		TargetScores: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, anchors, classes)),
		Foreground:   make([]bool, batch*anchors),
		GTIndex:      make([]int, batch*anchors),
		Positive:     make([]bool, batch*maxBoxes*anchors),
	}
}

// Assign computes the training targets of one batch.
//
// Arguments:
//   - pdScores: (B, A, C) predicted class probabilities (after sigmoid).
//   - pdBoxes: (B, A, 4) predicted boxes in corner form, in pixels.
//   - anchors: (A, 2) anchor centres in pixels.
//   - gtLabels: (B, M, 1) class of each padded ground truth.
//   - gtBoxes: (B, M, 4) ground-truth boxes in corner form, in pixels.
//   - maskGT: (B, M, 1) 1 for real ground truths, 0 for padding.
//
// Returns:
//   - The assignment. A batch without ground truths (nil tensors or M == 0) is all
//     background.
//   - An error on shape mismatch or a class label outside [0, NumClasses).
func (s *Assigner) Assign(pdScores, pdBoxes, anchors, gtLabels, gtBoxes, maskGT *tensor.Dense) (*Assignment, error) {
	classes := s.NumClasses
	if classes <= 0 {
		classes = -1
	}
	scores, err := floats(pdScores, "pd_scores", -1, -1, classes)
	if err != nil {
		return nil, err
	}
	shape := pdScores.Shape()
	bs, na, nc := shape[0], shape[1], shape[2]

	if gtBoxes == nil || gtLabels == nil || maskGT == nil || gtBoxes.Shape()[1] == 0 {
		return background(bs, na, nc, 0), nil
	}
	nm := gtBoxes.Shape()[1]

	boxes, err := floats(pdBoxes, "pd_bboxes", bs, na, 4)
	if err != nil {
		return nil, err
	}
	points, err := floats(anchors, "anchors", na, 2)
	if err != nil {
		return nil, err
	}
	labels, err := floats(gtLabels, "gt_labels", bs, nm, 1)
	if err != nil {
		return nil, err
	}
	gts, err := floats(gtBoxes, "gt_bboxes", bs, nm, 4)
	if err != nil {
		return nil, err
	}
	valid, err := floats(maskGT, "mask_gt", bs, nm, 1)
	if err != nil {
		return nil, err
	}

	topK := min(s.TopK, na)
	eps := s.Eps
	if eps == 0 {
		eps = DefaultEps
	}
	out := background(bs, na, nc, nm)
	targetBoxes := out.TargetBoxes.Data().([]float32)
	targetScores := out.TargetScores.Data().([]float32)

	// per-image scratch, (M, A)
	inGT := make([]bool, nm*na)
	overlaps := make([]float32, nm*na)
	align := make([]float32, nm*na)
	count := make([]int, na)
	order := make([]int, na)

	for b := 0; b < bs; b++ {
		clear(overlaps)
		clear(align)

		for m := 0; m < nm; m++ {
			gt := images.RectFromArray([4]float32(gts[(b*nm+m)*4:]))
			isValid := valid[b*nm+m] > 0
			label := int(labels[b*nm+m])
			if isValid && (label < 0 || label >= nc) {
				return nil, errors.Errorf("image %d box %d has class %d outside [0, %d)", b, m, label, nc)
			}

			for a := 0; a < na; a++ {
				ax, ay := points[a*2], points[a*2+1]
				d := min(ax-gt.X1, ay-gt.Y1, gt.X2-ax, gt.Y2-ay)
				idx := m*na + a
				inGT[idx] = d > inside
				if !inGT[idx] || !isValid {
					continue
				}

				pd := images.RectFromArray([4]float32(boxes[(b*na+a)*4:]))
				ov := max(images.CalculateCIoU(gt, pd), 0)
				score := scores[(b*na+a)*nc+label]
				overlaps[idx] = ov
				align[idx] = math32.Pow(score, s.Alpha) * math32.Pow(ov, s.Beta)
			}
		}

		positive := out.Positive[b*nm*na : (b+1)*nm*na]
		for m := 0; m < nm; m++ {
			if valid[b*nm+m] <= 0 {
				continue
			}
			metric := align[m*na : (m+1)*na]

			clear(count)
			for a := range order {
				order[a] = a
			}
			sort.SliceStable(order, func(i, j int) bool {
				return metric[order[i]] > metric[order[j]]
			})
			for _, a := range order[:topK] {
				count[a]++
			}

			for a := 0; a < na; a++ {
				// an anchor drawn more than once is dropped
				positive[m*na+a] = count[a] == 1 && inGT[m*na+a]
			}
		}

		for a := 0; a < na; a++ {
			claims := 0
			for m := 0; m < nm; m++ {
				if positive[m*na+a] {
					claims++
				}
			}
			if claims > 1 {
				// every valid box containing the anchor competes, claimant or not;
				// ties go to the lowest index
				best := -1
				for m := 0; m < nm; m++ {
					if !inGT[m*na+a] || valid[b*nm+m] <= 0 {
						continue
					}
					if best < 0 || overlaps[m*na+a] > overlaps[best*na+a] {
						best = m
					}
				}
				for m := 0; m < nm; m++ {
					positive[m*na+a] = m == best
				}
			}
		}

		// normalise the alignment metric per ground truth
		posAlign := make([]float32, nm)
		posOverlap := make([]float32, nm)
		for m := 0; m < nm; m++ {
			for a := 0; a < na; a++ {
				if !positive[m*na+a] {
					continue
				}
				posAlign[m] = max(posAlign[m], align[m*na+a])
				posOverlap[m] = max(posOverlap[m], overlaps[m*na+a])
			}
		}

		for a := 0; a < na; a++ {
			i := b*na + a
			var scale float32
			for m := 0; m < nm; m++ {
				if !positive[m*na+a] {
					continue
				}
				if !out.Foreground[i] {
					out.Foreground[i] = true
					out.GTIndex[i] = m
				}
				scale = max(scale, align[m*na+a]*posOverlap[m]/(posAlign[m]+eps))
			}
			if !out.Foreground[i] {
				continue
			}

			m := out.GTIndex[i]
			copy(targetBoxes[i*4:i*4+4], gts[(b*nm+m)*4:(b*nm+m)*4+4])
			targetScores[i*nc+int(labels[b*nm+m])] = scale
		}
	}

	return out, nil
}

// floats returns the backing data of a float32 tensor after checking its shape.
// A negative extent matches any size.
func floats(t *tensor.Dense, name string, shape ...int) ([]float32, error) {
	if t == nil {
		return nil, errors.Errorf("%s: tensor is nil", name)
	}
	got := t.Shape()
	if len(got) != len(shape) {
		return nil, errors.Errorf("%s: want rank %d, got shape %v", name, len(shape), got)
	}
	for i, want := range shape {
		if want >= 0 && got[i] != want {
			return nil, errors.Errorf("%s: dimension %d is %d, want %d (shape %v)", name, i, got[i], want, got)
		}
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("%s: want float32, got %v", name, t.Dtype())
	}
	return data, nil
}
