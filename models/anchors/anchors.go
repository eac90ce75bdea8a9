// Package anchors - Dense anchor grids over multi-resolution feature maps.
package anchors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// DefaultOffset places each anchor in the middle of its grid cell.
const DefaultOffset float32 = 0.5

// FeatureShape is the spatial extent of one feature map.
type FeatureShape struct {
	Height int
	Width  int
}

// ShapeOf reads the feature shape of a (B, C, H, W) tensor.
func ShapeOf(t *tensor.Dense) (FeatureShape, error) {
	s := t.Shape()
	if len(s) != 4 {
		return FeatureShape{}, errors.Errorf("feature map must be rank 4 (B, C, H, W), got shape %v", s)
	}
	return FeatureShape{Height: s[2], Width: s[3]}, nil
}

// Count returns the total number of anchors over all levels.
func Count(shapes []FeatureShape) int {
	n := 0
	for _, s := range shapes {
		n += s.Height * s.Width
	}
	return n
}

// MakeAnchors builds one anchor per grid cell for every feature level.
//
// Anchors of a level are emitted row-major at (col+offset, row+offset) in that
// level's grid coordinates, and levels are concatenated in order. A parallel
// tensor holds the stride of the level each anchor came from.
//
// Arguments:
//   - shapes: The spatial size of each feature map.
//   - strides: Pixels per grid cell of each feature map.
//   - offset: Position of the anchor inside its cell, usually DefaultOffset.
//
// Returns:
//   - points: An (A, 2) float32 tensor of (x, y) anchor centres.
//   - strideTensor: An (A, 1) float32 tensor of strides.
//   - error: If shapes and strides disagree in length or a level is empty.
//
// Example:
//
//	points, strides, err := MakeAnchors(
//	    []FeatureShape{{80, 80}, {40, 40}, {20, 20}},
//	    []float32{8, 16, 32},
//	    DefaultOffset,
//	)
//	// points.Shape() == (8400, 2)
func MakeAnchors(shapes []FeatureShape, strides []float32, offset float32) (points, strideTensor *tensor.Dense, err error) {
	if len(shapes) != len(strides) {
		return nil, nil, errors.Errorf("got %d feature maps but %d strides", len(shapes), len(strides))
	}

	total := Count(shapes)
	if total == 0 {
		return nil, nil, errors.New("no anchors: feature maps are empty")
	}

	xy := make([]float32, 0, total*2)
	st := make([]float32, 0, total)
	for i, s := range shapes {
		if s.Height <= 0 || s.Width <= 0 {
			return nil, nil, errors.Errorf("feature map %d has empty shape %dx%d", i, s.Height, s.Width)
		}
		for row := 0; row < s.Height; row++ {
			for col := 0; col < s.Width; col++ {
				xy = append(xy, float32(col)+offset, float32(row)+offset)
				st = append(st, strides[i])
			}
		}
	}

	points = tensor.New(tensor.WithShape(total, 2), tensor.WithBacking(xy))
	strideTensor = tensor.New(tensor.WithShape(total, 1), tensor.WithBacking(st))
	return points, strideTensor, nil
}
