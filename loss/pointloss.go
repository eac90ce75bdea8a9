package loss

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-pose/common"
	"github.com/pkg/errors"
)

// PointLoss is the keypoint location loss: an OKS-shaped error bounded by
// 1 - exp(-e) and counted only on labeled keypoints.
type PointLoss struct {
	// Sigmas holds one OKS constant per keypoint type.
	Sigmas []float32
}

// NewPointLoss returns a PointLoss for k keypoints, using the COCO constants when
// k is 17 and uniform ones otherwise.
func NewPointLoss(k int) *PointLoss {
	return &PointLoss{Sigmas: common.SigmasFor(k)}
}

// Compute returns the keypoint location loss of n instances.
//
// For keypoint j of instance i the squared distance d is normalised as
// e = d / (2*sigma_j)^2 / (area_i + 1e-9) / 2. The mean of (1 - exp(-e)) over all
// n*K slots, with unlabeled slots contributing zero, is scaled by
// n*K / (labeled + 1e-9) so that sparsely labeled batches are not under-weighted.
//
// Arguments:
//   - pred: n*K predicted keypoints; only X and Y are used.
//   - truth: n*K ground-truth keypoints.
//   - area: n box areas, in the same units as the keypoints.
//
// Returns:
//   - The loss, and an error if the sizes disagree.
func (l *PointLoss) Compute(pred, truth []common.Keypoint, area []float32) (float32, error) {
	k := len(l.Sigmas)
	n := len(area)
	if len(pred) != n*k || len(truth) != n*k {
		return 0, errors.Errorf("point loss wants %d keypoints for %d instances, got %d predicted and %d true",
			n*k, n, len(pred), len(truth))
	}
	if n == 0 {
		return 0, nil
	}

	var sum, labeled float32
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			p, t := pred[i*k+j], truth[i*k+j]
			if !t.Labeled() {
				continue
			}
			labeled++
			dx, dy := p.X-t.X, p.Y-t.Y
			s2 := 2 * l.Sigmas[j]
			e := (dx*dx + dy*dy) / (s2 * s2) / (area[i] + 1e-9) / 2
			sum += 1 - math32.Exp(-e)
		}
	}

	total := float32(n * k)
	factor := total / (labeled + 1e-9)
	return factor * sum / total, nil
}
