// Package loss computes the training loss of a keypoint detector: classification,
// box IoU, distribution focal, keypoint location and keypoint visibility terms.
//
// Everything here is a forward computation over float32 tensors. The label
// assignment feeding the box and keypoint terms is a discrete decision and takes
// no part in differentiation.
package loss

import (
	"github.com/nvr-ai/go-pose/assigner"
	"github.com/nvr-ai/go-pose/common"
	"github.com/nvr-ai/go-pose/images"
	"github.com/nvr-ai/go-pose/models/anchors"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HeadConfig describes the layout of the detector head output.
type HeadConfig struct {
	// NumClasses is the number of object classes.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// RegMax is the number of distance bins per box side.
	RegMax int `json:"reg_max" yaml:"reg_max"`
	// Strides are the pixels per cell of each detection level.
	Strides []float32 `json:"strides" yaml:"strides"`
	// KptShape is (keypoints, values per keypoint), e.g. (17, 3).
	KptShape [2]int `json:"kpt_shape" yaml:"kpt_shape"`
}

// Channels returns the per-level channel count of the detection branch.
func (h HeadConfig) Channels() int {
	return 4*h.RegMax + h.NumClasses
}

// Validate checks the head layout.
func (h HeadConfig) Validate() error {
	switch {
	case h.NumClasses <= 0:
		return errors.Errorf("num_classes must be positive, got %d", h.NumClasses)
	case h.RegMax < 2:
		return errors.Errorf("reg_max must be at least 2, got %d", h.RegMax)
	case len(h.Strides) == 0:
		return errors.New("at least one stride is required")
	case h.KptShape[0] <= 0 || (h.KptShape[1] != 2 && h.KptShape[1] != 3):
		return errors.Errorf("kpt_shape must be (K>0, 2|3), got %v", h.KptShape)
	}
	for i, s := range h.Strides {
		if s <= 0 {
			return errors.Errorf("stride %d must be positive, got %v", i, s)
		}
	}
	return nil
}

// Gains are the per-term loss multipliers.
type Gains struct {
	Cls float32 `json:"cls" yaml:"cls"`
	Box float32 `json:"box" yaml:"box"`
	DFL float32 `json:"dfl" yaml:"dfl"`
	Kpt float32 `json:"kpt" yaml:"kpt"`
	Obj float32 `json:"obj" yaml:"obj"`
}

// DefaultGains are the gains used for COCO keypoint training.
func DefaultGains() Gains {
	return Gains{Cls: 0.5, Box: 7.5, DFL: 1.5, Kpt: 12.0, Obj: 1.0}
}

// Outputs is the raw output of the detector head for one batch.
type Outputs struct {
	// Det holds one (B, 4*RegMax+C, H, W) tensor per level.
	Det []*tensor.Dense
	// Kpt is (B, K*D, A) with A the anchor count over all levels.
	Kpt *tensor.Dense
}

// Result holds the five gained loss terms.
type Result struct {
	Cls float32 `json:"cls"`
	Box float32 `json:"box"`
	DFL float32 `json:"dfl"`
	Kpt float32 `json:"kpt"`
	Obj float32 `json:"obj"`
}

// Total returns the sum of the terms, the value a trainer back-propagates.
func (r Result) Total() float32 {
	return r.Cls + r.Box + r.DFL + r.Kpt + r.Obj
}

// ComputeLoss composes assignment and the five loss terms.
type ComputeLoss struct {
	Head      HeadConfig
	Gains     Gains
	Assigner  *assigner.Assigner
	BoxLoss   *BoxLoss
	PointLoss *PointLoss
}

// NewComputeLoss builds a ComputeLoss with a top-10, alpha 0.5, beta 6 assigner.
//
// Arguments:
//   - head: The head layout.
//   - gains: The per-term gains.
//
// Returns:
//   - The composer, or an error if the head layout is invalid.
func NewComputeLoss(head HeadConfig, gains Gains) (*ComputeLoss, error) {
	if err := head.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid head config")
	}
	return &ComputeLoss{
		Head:      head,
		Gains:     gains,
		Assigner:  assigner.New(10, head.NumClasses, 0.5, 6.0),
		BoxLoss:   NewBoxLoss(head.RegMax),
		PointLoss: NewPointLoss(head.KptShape[0]),
	}, nil
}

// batch is the flattened, anchor-major view of one forward pass.
type batch struct {
	bs, na        int
	imgW, imgH    float32
	shapes        []anchors.FeatureShape
	predDist      []float32 // (B, A, 4*RegMax)
	predScores    []float32 // (B, A, C)
	predKpt       []float32 // (B, A, K*D)
	anchorPoints  []float32 // (A, 2)
	anchorStrides []float32 // (A)
	perImage      [][]common.Instance
	gtLabels      *tensor.Dense
	gtBoxes       *tensor.Dense
	maskGT        *tensor.Dense
	predBoxes     []float32 // (B, A, 4) grid units
	decodedKpt    []float32 // (B, A, K*D) grid units
}

// Compute returns the loss terms of one batch.
//
// The detection levels are flattened to anchors, boxes are decoded from their bin
// distributions and keypoints from their offsets, ground truths are padded per
// image and assigned to anchors, and the five terms are computed and gained. A
// batch without foreground anchors only has a classification term.
//
// Arguments:
//   - out: The raw head output.
//   - targets: The ground-truth instances of the batch, normalised to [0, 1].
//
// Returns:
//   - The gained loss terms.
//   - An error if the tensors do not match the head layout or a target is out of range.
func (c *ComputeLoss) Compute(out Outputs, targets []common.Instance) (Result, error) {
	var res Result

	in, err := c.flatten(out)
	if err != nil {
		return res, err
	}
	if err := c.padTargets(in, targets); err != nil {
		return res, err
	}

	in.predBoxes, err = decodeBoxes(in.anchorPoints, in.predDist, c.Head.RegMax)
	if err != nil {
		return res, err
	}
	k, dims := c.Head.KptShape[0], c.Head.KptShape[1]
	in.decodedKpt = decodeKeypoints(in.anchorPoints, in.predKpt, k, dims)

	assigned, err := c.assign(in)
	if err != nil {
		return res, errors.Wrap(err, "assign targets")
	}

	scoreSum := max(assigned.ScoreSum(), 1)
	targetScores := assigned.TargetScores.Data().([]float32)
	for i, x := range in.predScores {
		res.Cls += bceWithLogits(x, targetScores[i])
	}
	res.Cls /= scoreSum

	if assigned.ForegroundCount() > 0 {
		targetBoxes := assigned.TargetBoxes.Data().([]float32)
		for i := 0; i < in.bs*in.na; i++ {
			s := in.anchorStrides[i%in.na]
			for j := 0; j < 4; j++ {
				targetBoxes[i*4+j] /= s
			}
		}

		res.Box, res.DFL, err = c.BoxLoss.Compute(BoxInputs{
			PredDist:     in.predDist,
			PredBoxes:    in.predBoxes,
			Anchors:      in.anchorPoints,
			TargetBoxes:  targetBoxes,
			TargetScores: targetScores,
			Foreground:   assigned.Foreground,
			NumClasses:   c.Head.NumClasses,
		}, scoreSum)
		if err != nil {
			return res, err
		}

		res.Kpt, res.Obj, err = c.keypointLoss(in, assigned, targetBoxes)
		if err != nil {
			return res, err
		}
	}

	res.Cls *= c.Gains.Cls
	res.Box *= c.Gains.Box
	res.DFL *= c.Gains.DFL
	res.Kpt *= c.Gains.Kpt / float32(in.bs)
	res.Obj *= c.Gains.Obj / float32(in.bs)
	return res, nil
}

// flatten validates the head output and lays it out anchor-major.
func (c *ComputeLoss) flatten(out Outputs) (*batch, error) {
	if len(out.Det) != len(c.Head.Strides) {
		return nil, errors.Errorf("got %d detection levels for %d strides", len(out.Det), len(c.Head.Strides))
	}

	no := c.Head.Channels()
	in := &batch{shapes: make([]anchors.FeatureShape, len(out.Det))}
	for l, t := range out.Det {
		s := t.Shape()
		if len(s) != 4 || s[1] != no {
			return nil, errors.Errorf("detection level %d: want (B, %d, H, W), got %v", l, no, s)
		}
		if l == 0 {
			in.bs = s[0]
		} else if s[0] != in.bs {
			return nil, errors.Errorf("detection level %d has batch %d, want %d", l, s[0], in.bs)
		}
		in.shapes[l] = anchors.FeatureShape{Height: s[2], Width: s[3]}
	}

	points, strides, err := anchors.MakeAnchors(in.shapes, c.Head.Strides, anchors.DefaultOffset)
	if err != nil {
		return nil, err
	}
	in.anchorPoints = points.Data().([]float32)
	in.anchorStrides = strides.Data().([]float32)
	in.na = len(in.anchorStrides)
	in.imgH = float32(in.shapes[0].Height) * c.Head.Strides[0]
	in.imgW = float32(in.shapes[0].Width) * c.Head.Strides[0]

	nd, nc := 4*c.Head.RegMax, c.Head.NumClasses
	in.predDist = make([]float32, in.bs*in.na*nd)
	in.predScores = make([]float32, in.bs*in.na*nc)

	offset := 0
	for l, t := range out.Det {
		data, ok := t.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("detection level %d must be float32, got %v", l, t.Dtype())
		}
		hw := in.shapes[l].Height * in.shapes[l].Width
		for b := 0; b < in.bs; b++ {
			for ch := 0; ch < no; ch++ {
				src := data[(b*no+ch)*hw : (b*no+ch+1)*hw]
				for p, v := range src {
					a := b*in.na + offset + p
					if ch < nd {
						in.predDist[a*nd+ch] = v
					} else {
						in.predScores[a*nc+ch-nd] = v
					}
				}
			}
		}
		offset += hw
	}

	if out.Kpt == nil {
		return nil, errors.New("keypoint output is nil")
	}
	kd := c.Head.KptShape[0] * c.Head.KptShape[1]
	ks := out.Kpt.Shape()
	if len(ks) != 3 || ks[0] != in.bs || ks[1] != kd || ks[2] != in.na {
		return nil, errors.Errorf("keypoint output: want (%d, %d, %d), got %v", in.bs, kd, in.na, ks)
	}
	kdata, ok := out.Kpt.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("keypoint output must be float32, got %v", out.Kpt.Dtype())
	}
	in.predKpt = make([]float32, len(kdata))
	for b := 0; b < in.bs; b++ {
		for ch := 0; ch < kd; ch++ {
			for a := 0; a < in.na; a++ {
				in.predKpt[(b*in.na+a)*kd+ch] = kdata[(b*kd+ch)*in.na+a]
			}
		}
	}

	return in, nil
}

// padTargets groups the instances per image and builds the (B, M, ...) padded
// ground-truth tensors in pixels; M is the largest per-image count.
func (c *ComputeLoss) padTargets(in *batch, targets []common.Instance) error {
	in.perImage = make([][]common.Instance, in.bs)
	k := c.Head.KptShape[0]
	for i, t := range targets {
		if t.Batch < 0 || t.Batch >= in.bs {
			return errors.Errorf("target %d belongs to image %d of a batch of %d", i, t.Batch, in.bs)
		}
		if t.Class < 0 || t.Class >= c.Head.NumClasses {
			return errors.Errorf("target %d has class %d outside [0, %d)", i, t.Class, c.Head.NumClasses)
		}
		if len(t.Keypoints) != k {
			return errors.Errorf("target %d has %d keypoints, want %d", i, len(t.Keypoints), k)
		}
		in.perImage[t.Batch] = append(in.perImage[t.Batch], t)
	}

	nm := 0
	for _, insts := range in.perImage {
		nm = max(nm, len(insts))
	}
	if nm == 0 {
		return nil
	}

	labels := make([]float32, in.bs*nm)
	boxes := make([]float32, in.bs*nm*4)
	mask := make([]float32, in.bs*nm)
	for b, insts := range in.perImage {
		for m, t := range insts {
			i := b*nm + m
			labels[i] = float32(t.Class)
			r := images.CenterToCorner([4]float32{
				t.Box[0] * in.imgW, t.Box[1] * in.imgH,
				t.Box[2] * in.imgW, t.Box[3] * in.imgH,
			})
			copy(boxes[i*4:], []float32{r.X1, r.Y1, r.X2, r.Y2})
			if r.X1+r.Y1+r.X2+r.Y2 > 0 {
				mask[i] = 1
			}
		}
	}

	in.gtLabels = tensor.New(tensor.WithShape(in.bs, nm, 1), tensor.WithBacking(labels))
	in.gtBoxes = tensor.New(tensor.WithShape(in.bs, nm, 4), tensor.WithBacking(boxes))
	in.maskGT = tensor.New(tensor.WithShape(in.bs, nm, 1), tensor.WithBacking(mask))
	return nil
}

// assign runs the assigner on detached copies: probabilities instead of logits and
// pixel instead of grid coordinates.
func (c *ComputeLoss) assign(in *batch) (*assigner.Assignment, error) {
	scores := make([]float32, len(in.predScores))
	for i, x := range in.predScores {
		scores[i] = sigmoid(x)
	}
	boxes := make([]float32, len(in.predBoxes))
	for i, v := range in.predBoxes {
		boxes[i] = v * in.anchorStrides[(i/4)%in.na]
	}
	points := make([]float32, len(in.anchorPoints))
	for i, v := range in.anchorPoints {
		points[i] = v * in.anchorStrides[i/2]
	}

	return c.Assigner.Assign(
		tensor.New(tensor.WithShape(in.bs, in.na, c.Head.NumClasses), tensor.WithBacking(scores)),
		tensor.New(tensor.WithShape(in.bs, in.na, 4), tensor.WithBacking(boxes)),
		tensor.New(tensor.WithShape(in.na, 2), tensor.WithBacking(points)),
		in.gtLabels, in.gtBoxes, in.maskGT,
	)
}

// keypointLoss returns the ungained location and visibility terms, summed over
// the images of the batch. targetBoxes are in grid units.
func (c *ComputeLoss) keypointLoss(in *batch, assigned *assigner.Assignment, targetBoxes []float32) (kpt, obj float32, err error) {
	k, dims := c.Head.KptShape[0], c.Head.KptShape[1]
	kd := k * dims

	for b := 0; b < in.bs; b++ {
		var (
			pred, truth []common.Keypoint
			area        []float32
			vis         []float32
		)
		for a := 0; a < in.na; a++ {
			i := b*in.na + a
			if !assigned.Foreground[i] {
				continue
			}
			m := assigned.GTIndex[i]
			if m >= len(in.perImage[b]) {
				continue
			}

			s := in.anchorStrides[a]
			r := images.RectFromArray([4]float32(targetBoxes[i*4:]))
			area = append(area, r.Area())

			for j, kp := range in.perImage[b][m].Keypoints {
				truth = append(truth, common.Keypoint{
					X:          kp.X * in.imgW / s,
					Y:          kp.Y * in.imgH / s,
					Visibility: kp.Visibility,
				})
				v := in.decodedKpt[i*kd+j*dims:]
				pred = append(pred, common.Keypoint{X: v[0], Y: v[1]})
				if dims == 3 {
					vis = append(vis, v[2])
				}
			}
		}
		if len(area) == 0 {
			continue
		}

		l, err := c.PointLoss.Compute(pred, truth, area)
		if err != nil {
			return 0, 0, err
		}
		kpt += l

		if dims == 3 {
			var sum float32
			for j, x := range vis {
				target := float32(0)
				if truth[j].Labeled() {
					target = 1
				}
				sum += bceWithLogits(x, target)
			}
			obj += sum / float32(len(vis))
		}
	}

	return kpt, obj, nil
}
