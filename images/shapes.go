// Package images - Box geometry shared by the assigner, the losses, NMS and evaluation.
package images

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Eps guards every IoU division against an empty union.
const Eps float32 = 1e-7

// Rect is a box in corner form.
type Rect struct {
	// X1,Y1 is the top-left corner, X2,Y2 the bottom-right corner.
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the box.
func (r Rect) Width() float32 { return r.X2 - r.X1 }

// Height returns the vertical extent of the box.
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

// Area returns width*height. Degenerate boxes yield zero or a negative value.
func (r Rect) Area() float32 { return r.Width() * r.Height() }

// Offset shifts the box by d along both axes.
func (r Rect) Offset(d float32) Rect {
	return Rect{X1: r.X1 + d, Y1: r.Y1 + d, X2: r.X2 + d, Y2: r.Y2 + d}
}

// Array returns the box as (x1, y1, x2, y2).
func (r Rect) Array() [4]float32 { return [4]float32{r.X1, r.Y1, r.X2, r.Y2} }

// RectFromArray builds a Rect from (x1, y1, x2, y2).
func RectFromArray(b [4]float32) Rect {
	return Rect{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}
}

// CenterToCorner converts (cx, cy, w, h) to corner form.
//
// Arguments:
//   - b: The box as centre x, centre y, width and height.
//
// Returns:
//   - The same box as a Rect.
//
// Example:
//
//	r := CenterToCorner([4]float32{30, 30, 40, 40}) // Rect{10, 10, 50, 50}
func CenterToCorner(b [4]float32) Rect {
	return Rect{
		X1: b[0] - b[2]/2,
		Y1: b[1] - b[3]/2,
		X2: b[0] + b[2]/2,
		Y2: b[1] + b[3]/2,
	}
}

// CornerToCenter converts a Rect to (cx, cy, w, h). It is the inverse of CenterToCorner.
func CornerToCenter(r Rect) [4]float32 {
	return [4]float32{
		(r.X1 + r.X2) / 2,
		(r.Y1 + r.Y2) / 2,
		r.X2 - r.X1,
		r.Y2 - r.Y1,
	}
}

// CenterToCornerTensor converts every box of a (..., 4) tensor from centre form to
// corner form and returns a new tensor of the same shape.
//
// Arguments:
//   - t: A float32 tensor whose innermost dimension is 4.
//
// Returns:
//   - The converted tensor.
//   - An error if the tensor is not float32 or its last dimension is not 4.
func CenterToCornerTensor(t *tensor.Dense) (*tensor.Dense, error) {
	return convertBoxes(t, func(b [4]float32) [4]float32 {
		return CenterToCorner(b).Array()
	})
}

// CornerToCenterTensor is the tensor form of CornerToCenter.
func CornerToCenterTensor(t *tensor.Dense) (*tensor.Dense, error) {
	return convertBoxes(t, func(b [4]float32) [4]float32 {
		return CornerToCenter(RectFromArray(b))
	})
}

func convertBoxes(t *tensor.Dense, fn func([4]float32) [4]float32) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != 4 {
		return nil, errors.Errorf("box tensor must end in a dimension of 4, got shape %v", shape)
	}
	src, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("box tensor must be float32, got %v", t.Dtype())
	}

	dst := make([]float32, len(src))
	for i := 0; i+4 <= len(src); i += 4 {
		out := fn([4]float32{src[i], src[i+1], src[i+2], src[i+3]})
		copy(dst[i:i+4], out[:])
	}

	return tensor.New(tensor.WithShape(shape.Clone()...), tensor.WithBacking(dst)), nil
}

// CalculateIoU measures how much two boxes overlap, as intersection area divided
// by union area.
//
// The union carries an additive Eps so that two degenerate boxes give 0 rather
// than NaN. The result lies in [0, 1]; identical boxes give 1 (minus the Eps
// contribution) and disjoint or edge-touching boxes give 0.
//
// Arguments:
//   - r: The first box.
//   - o: The second box.
//
// Returns:
//   - float32: The IoU score.
//
// Example:
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
func CalculateIoU(r, o Rect) float32 {
	inter := intersection(r, o)
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter + Eps
	return inter / union
}

func intersection(r, o Rect) float32 {
	w := min(r.X2, o.X2) - max(r.X1, o.X1)
	h := min(r.Y2, o.Y2) - max(r.Y1, o.Y1)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// CalculateCIoU returns the Complete IoU of two boxes: IoU minus a penalty for the
// normalised distance between the box centres and a penalty for aspect-ratio
// mismatch.
//
// The aspect term is v = 4/pi^2 * (atan(w2/h2) - atan(w1/h1))^2, weighted by
// alpha = v / (v - iou + 1 + eps). Training treats alpha as a constant with respect
// to the boxes; this package has no gradient tape so the value is simply used.
//
// The result lies in [-1, 1]; callers that need a similarity clamp it at 0.
func CalculateCIoU(b1, b2 Rect) float32 {
	w1, h1 := b1.X2-b1.X1, b1.Y2-b1.Y1+Eps
	w2, h2 := b2.X2-b2.X1, b2.Y2-b2.Y1+Eps

	inter := max(min(b1.X2, b2.X2)-max(b1.X1, b2.X1), 0) *
		max(min(b1.Y2, b2.Y2)-max(b1.Y1, b2.Y1), 0)
	union := w1*h1 + w2*h2 - inter + Eps
	iou := inter / union

	// smallest enclosing box
	cw := max(b1.X2, b2.X2) - min(b1.X1, b2.X1)
	ch := max(b1.Y2, b2.Y2) - min(b1.Y1, b2.Y1)
	c2 := cw*cw + ch*ch + Eps

	dx := b2.X1 + b2.X2 - b1.X1 - b1.X2
	dy := b2.Y1 + b2.Y2 - b1.Y1 - b1.Y2
	rho2 := (dx*dx + dy*dy) / 4

	da := math32.Atan(w2/h2) - math32.Atan(w1/h1)
	v := (4 / (math32.Pi * math32.Pi)) * da * da
	alpha := v / (v - iou + (1 + Eps))

	return iou - (rho2/c2 + v*alpha)
}
