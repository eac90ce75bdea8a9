package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// projection returns the bin centres 0..bins-1.
func projection(bins int) []float32 {
	p := make([]float32, bins)
	for i := range p {
		p[i] = float32(i)
	}
	return p
}

// expectedDistances turns rows of bin logits into continuous distances: a softmax
// over each row followed by the expectation against project.
//
// Arguments:
//   - dist: rows*bins logits.
//   - rows: Number of distributions.
//   - project: The value of each bin.
//
// Returns:
//   - rows distances.
func expectedDistances(dist []float32, rows int, project []float32) ([]float32, error) {
	bins := len(project)
	if rows == 0 || len(dist) != rows*bins {
		return nil, errors.Errorf("got %d logits for %d rows of %d bins", len(dist), rows, bins)
	}

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32,
		G.WithShape(rows, bins),
		G.WithName("dist"),
		G.WithValue(tensor.New(tensor.WithShape(rows, bins), tensor.WithBacking(append([]float32(nil), dist...)))),
	)
	p := G.NewVector(g, tensor.Float32,
		G.WithShape(bins),
		G.WithName("project"),
		G.WithValue(tensor.New(tensor.WithShape(bins), tensor.WithBacking(append([]float32(nil), project...)))),
	)

	probs, err := G.SoftMax(x)
	if err != nil {
		return nil, errors.Wrap(err, "softmax over distance bins")
	}
	expect, err := G.Mul(probs, p)
	if err != nil {
		return nil, errors.Wrap(err, "project distance bins")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run box decode graph")
	}

	out, ok := expect.Value().Data().([]float32)
	if !ok || len(out) != rows {
		return nil, errors.Errorf("box decode produced %v", expect.Value().Shape())
	}
	return append([]float32(nil), out...), nil
}

// decodeBoxes converts (N, 4*bins) distance logits at the given anchors into
// corner-form boxes: (ax - l, ay - t, ax + r, ay + b). Anchor i%na serves row i.
func decodeBoxes(anchors []float32, dist []float32, bins int) ([]float32, error) {
	rows := len(dist) / bins
	d, err := expectedDistances(dist, rows, projection(bins))
	if err != nil {
		return nil, err
	}

	na := len(anchors) / 2
	boxes := make([]float32, len(d))
	for i := 0; i < len(d)/4; i++ {
		a := i % na
		ax, ay := anchors[a*2], anchors[a*2+1]
		boxes[i*4+0] = ax - d[i*4+0]
		boxes[i*4+1] = ay - d[i*4+1]
		boxes[i*4+2] = ax + d[i*4+2]
		boxes[i*4+3] = ay + d[i*4+3]
	}
	return boxes, nil
}

// decodeKeypoints maps raw (N, K*dims) keypoint offsets to grid coordinates:
// x = 2*raw + ax - 0.5, likewise for y. A third channel is left as a logit.
func decodeKeypoints(anchors []float32, raw []float32, k, dims int) []float32 {
	na := len(anchors) / 2
	out := append([]float32(nil), raw...)
	stride := k * dims
	for i := 0; i < len(raw)/stride; i++ {
		a := i % na
		ax, ay := anchors[a*2], anchors[a*2+1]
		for j := 0; j < k; j++ {
			v := out[i*stride+j*dims:]
			v[0] = v[0]*2 + ax - 0.5
			v[1] = v[1]*2 + ay - 0.5
		}
	}
	return out
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// bceWithLogits is the binary cross-entropy of sigmoid(x) against t, computed stably.
func bceWithLogits(x, t float32) float32 {
	return max(x, 0) - x*t + math32.Log(1+math32.Exp(-math32.Abs(x)))
}
