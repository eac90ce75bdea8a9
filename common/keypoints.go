// Package common - Data model shared by training and evaluation.
package common

import "github.com/nvr-ai/go-pose/images"

// NumCOCOKeypoints is the keypoint count of the COCO person skeleton.
const NumCOCOKeypoints = 17

// KeypointSigmas are the per-keypoint COCO OKS constants (nose, eyes, ears,
// shoulders, elbows, wrists, hips, knees, ankles), already divided by 10.
var KeypointSigmas = []float32{
	.026, .025, .025,
	.035, .035, .079,
	.079, .072, .072,
	.062, .062, .107,
	.107, .087, .087,
	.089, .089,
}

// SigmasFor returns the OKS constants for a skeleton of k keypoints: the COCO
// table for 17 keypoints and a uniform 1/k otherwise.
func SigmasFor(k int) []float32 {
	out := make([]float32, k)
	if k == NumCOCOKeypoints {
		copy(out, KeypointSigmas)
		return out
	}
	for i := range out {
		out[i] = 1 / float32(k)
	}
	return out
}

// Visibility flags as they appear in COCO annotations.
const (
	// VisibilityAbsent marks an unlabeled keypoint.
	VisibilityAbsent float32 = 0
	// VisibilityOccluded marks a labeled but hidden keypoint.
	VisibilityOccluded float32 = 1
	// VisibilityVisible marks a labeled, visible keypoint.
	VisibilityVisible float32 = 2
)

// Keypoint is a single skeleton joint.
type Keypoint struct {
	X          float32 `json:"x" yaml:"x"`
	Y          float32 `json:"y" yaml:"y"`
	Visibility float32 `json:"visibility" yaml:"visibility"`
}

// Labeled reports whether the keypoint takes part in losses and OKS.
// Any non-zero visibility counts, occluded included.
func (k Keypoint) Labeled() bool {
	return k.Visibility != VisibilityAbsent
}

// Instance is one ground-truth object of a training batch.
type Instance struct {
	// Batch is the index of the image this instance belongs to.
	Batch int `json:"batch" yaml:"batch"`
	// Class is the object class index.
	Class int `json:"class" yaml:"class"`
	// Box is (cx, cy, w, h) normalised to [0, 1] by the image size.
	Box [4]float32 `json:"box" yaml:"box"`
	// Keypoints are normalised to [0, 1] by the image size.
	Keypoints []Keypoint `json:"keypoints" yaml:"keypoints"`
}

// Label is a ground-truth object in pixel coordinates, as used by evaluation.
type Label struct {
	Class     int         `json:"class"`
	Box       images.Rect `json:"box"`
	Keypoints []Keypoint  `json:"keypoints,omitempty"`
}

// LabeledMask returns Labeled() for each keypoint.
func LabeledMask(kpts []Keypoint) []bool {
	mask := make([]bool, len(kpts))
	for i, k := range kpts {
		mask[i] = k.Labeled()
	}
	return mask
}
