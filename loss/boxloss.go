package loss

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-pose/images"
	"github.com/pkg/errors"
)

// BoxLoss computes the IoU and Distribution Focal Loss terms over foreground anchors.
type BoxLoss struct {
	// Bins is the number of discrete distance bins per box side.
	Bins int
}

// NewBoxLoss returns a BoxLoss for a head with the given number of bins per side.
func NewBoxLoss(bins int) *BoxLoss {
	return &BoxLoss{Bins: bins}
}

// BoxInputs holds the per-anchor tensors of one batch, flattened row-major.
// All coordinates are in grid units.
type BoxInputs struct {
	// PredDist is (B, A, 4*Bins) raw distance logits.
	PredDist []float32
	// PredBoxes is (B, A, 4) decoded predicted boxes in corner form.
	PredBoxes []float32
	// Anchors is (A, 2).
	Anchors []float32
	// TargetBoxes is (B, A, 4) assigned ground-truth boxes in corner form.
	TargetBoxes []float32
	// TargetScores is (B, A, C).
	TargetScores []float32
	// Foreground is (B, A).
	Foreground []bool
	// NumClasses is C.
	NumClasses int
}

// Compute returns the IoU loss and the DFL loss, each weighted per anchor by its
// target-score mass and divided by scoreSum.
//
// Arguments:
//   - in: The per-anchor predictions and targets.
//   - scoreSum: The total target-score mass of the batch, at least 1.
//
// Returns:
//   - iouLoss: sum((1 - CIoU) * weight) / scoreSum.
//   - dflLoss: sum(DFL * weight) / scoreSum.
//   - error: If the slices disagree in size.
func (l *BoxLoss) Compute(in BoxInputs, scoreSum float32) (iouLoss, dflLoss float32, err error) {
	n := len(in.Foreground)
	na := len(in.Anchors) / 2
	if na == 0 || n%na != 0 {
		return 0, 0, errors.Errorf("foreground mask of %d does not cover %d anchors", n, na)
	}
	if len(in.PredBoxes) != n*4 || len(in.TargetBoxes) != n*4 ||
		len(in.PredDist) != n*4*l.Bins || len(in.TargetScores) != n*in.NumClasses {
		return 0, 0, errors.New("box loss inputs disagree in size")
	}

	hi := float32(l.Bins-1) - 0.01
	for i, fg := range in.Foreground {
		if !fg {
			continue
		}

		var weight float32
		for _, v := range in.TargetScores[i*in.NumClasses : (i+1)*in.NumClasses] {
			weight += v
		}

		pred := images.RectFromArray([4]float32(in.PredBoxes[i*4:]))
		target := images.RectFromArray([4]float32(in.TargetBoxes[i*4:]))
		iouLoss += (1 - images.CalculateCIoU(pred, target)) * weight

		a := i % na
		ax, ay := in.Anchors[a*2], in.Anchors[a*2+1]
		dist := [4]float32{
			clamp(ax-target.X1, 0, hi),
			clamp(ay-target.Y1, 0, hi),
			clamp(target.X2-ax, 0, hi),
			clamp(target.Y2-ay, 0, hi),
		}
		logits := in.PredDist[i*4*l.Bins : (i+1)*4*l.Bins]
		dflLoss += DistributionFocalLoss(logits, l.Bins, dist) * weight
	}

	return iouLoss / scoreSum, dflLoss / scoreSum, nil
}

// DistributionFocalLoss scores four box-side distance distributions against
// continuous targets.
//
// Each target t is split between its bracketing bins floor(t) and floor(t)+1 in
// proportion to its proximity, so a target of 3.3 costs 0.7 x CE(bin 3) plus
// 0.3 x CE(bin 4) and an integer target reduces to a single cross-entropy. The
// result is the mean over the four sides. Targets are clamped into the bin range.
//
// Arguments:
//   - logits: 4*bins raw logits, one row of bins per side (left, top, right, bottom).
//   - bins: Number of bins per side.
//   - target: The four continuous distances in bin units.
func DistributionFocalLoss(logits []float32, bins int, target [4]float32) float32 {
	hi := float32(bins-1) - 0.01
	var sum float32
	for s := 0; s < 4; s++ {
		row := logits[s*bins : (s+1)*bins]
		t := clamp(target[s], 0, hi)
		left := int(t)
		wl := float32(left+1) - t
		wr := 1 - wl
		sum += crossEntropy(row, left)*wl + crossEntropy(row, left+1)*wr
	}
	return sum / 4
}

// crossEntropy is -log(softmax(logits)[class]), computed stably.
func crossEntropy(logits []float32, class int) float32 {
	m := logits[0]
	for _, v := range logits[1:] {
		m = max(m, v)
	}
	var sum float32
	for _, v := range logits {
		sum += math32.Exp(v - m)
	}
	return math32.Log(sum) + m - logits[class]
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
