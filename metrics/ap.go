package metrics

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
)

const (
	// CurvePoints is the number of confidence samples of the precision and recall curves.
	CurvePoints = 1000
	// APPoints is the number of recall samples integrated for AP (COCO convention).
	APPoints = 101

	apEps = 1e-16
)

// APResult holds the per-class and mean accuracy of an evaluation set.
// Per-class values are taken at the confidence that maximises the smoothed mean F1.
type APResult struct {
	// Classes are the distinct target classes, ascending; every per-class slice follows this order.
	Classes []int `json:"classes"`
	// Targets is the number of ground truths per class.
	Targets   []int     `json:"targets"`
	Precision []float64 `json:"precision"`
	Recall    []float64 `json:"recall"`
	F1        []float64 `json:"f1"`
	// TP and FP are the true and false positive counts implied by the operating point.
	TP []float64 `json:"tp"`
	FP []float64 `json:"fp"`
	// AP50 is the AP at the first threshold, AP the mean over all thresholds.
	AP50 []float64 `json:"ap50"`
	AP   []float64 `json:"ap"`

	MeanPrecision float64 `json:"mean_precision"`
	MeanRecall    float64 `json:"mean_recall"`
	MAP50         float64 `json:"map50"`
	MAP           float64 `json:"map"`
}

// ComputeAP integrates per-class precision-recall curves into average precision.
//
// Detections are sorted by descending confidence. For each class present in the
// targets the cumulative true and false positives give recall and precision per
// detection; for every threshold column the precision envelope (the running
// maximum from high recall to low recall) is sampled at 101 recall points and
// integrated with the trapezoidal rule. Precision and recall are also sampled at
// 1000 confidence levels, and the operating point is the level with the best
// smoothed mean F1.
//
// Arguments:
//   - tp: One row of per-threshold correct flags per detection, e.g. from ComputeMetric.
//   - conf: The confidence of each detection.
//   - predCls: The class of each detection.
//   - targetCls: The class of every ground truth of the evaluation set.
//
// Returns:
//   - The result. With no targets every slice is empty and every mean is zero.
//   - An error if the detection arrays disagree in length or width.
func ComputeAP(tp [][]bool, conf []float64, predCls, targetCls []int) (*APResult, error) {
	n := len(tp)
	if len(conf) != n || len(predCls) != n {
		return nil, errors.Errorf("got %d tp rows, %d confidences and %d classes", n, len(conf), len(predCls))
	}
	nt := 1
	if n > 0 {
		nt = len(tp[0])
	}
	for i, row := range tp {
		if len(row) != nt || nt == 0 {
			return nil, errors.Errorf("tp row %d has %d thresholds, want %d", i, len(row), nt)
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return conf[order[a]] > conf[order[b]] })

	classes, counts := unique(targetCls)
	nc := len(classes)
	res := &APResult{
		Classes:   classes,
		Targets:   counts,
		Precision: make([]float64, nc),
		Recall:    make([]float64, nc),
		F1:        make([]float64, nc),
		TP:        make([]float64, nc),
		FP:        make([]float64, nc),
		AP50:      make([]float64, nc),
		AP:        make([]float64, nc),
	}
	if nc == 0 {
		return res, nil
	}

	px := floats.Span(make([]float64, CurvePoints), 0, 1)
	negPx := make([]float64, CurvePoints)
	floats.ScaleTo(negPx, -1, px)
	x := floats.Span(make([]float64, APPoints), 0, 1)

	p := make([][]float64, nc)
	r := make([][]float64, nc)
	ap := make([][]float64, nc)
	for ci, c := range classes {
		p[ci] = make([]float64, CurvePoints)
		r[ci] = make([]float64, CurvePoints)
		ap[ci] = make([]float64, nt)

		var idx []int
		for _, i := range order {
			if predCls[i] == c {
				idx = append(idx, i)
			}
		}
		nl := float64(counts[ci])
		if len(idx) == 0 || nl == 0 {
			continue
		}

		negConf := make([]float64, len(idx))
		for k, i := range idx {
			negConf[k] = -conf[i]
		}

		for j := 0; j < nt; j++ {
			hit := make([]float64, len(idx))
			miss := make([]float64, len(idx))
			for k, i := range idx {
				if tp[i][j] {
					hit[k] = 1
				} else {
					miss[k] = 1
				}
			}
			tpc := floats.CumSum(make([]float64, len(idx)), hit)
			fpc := floats.CumSum(make([]float64, len(idx)), miss)

			recall := make([]float64, len(idx))
			precision := make([]float64, len(idx))
			for k := range idx {
				recall[k] = tpc[k] / (nl + apEps)
				precision[k] = tpc[k] / (tpc[k] + fpc[k])
			}

			if j == 0 {
				for k, v := range negPx {
					r[ci][k] = Interp(v, negConf, recall, 0, recall[len(recall)-1])
					p[ci][k] = Interp(v, negConf, precision, 1, precision[len(precision)-1])
				}
			}

			ap[ci][j] = averagePrecision(recall, precision, x)
		}
	}

	f1 := make([][]float64, nc)
	meanF1 := make([]float64, CurvePoints)
	for ci := range classes {
		f1[ci] = make([]float64, CurvePoints)
		for k := range f1[ci] {
			f1[ci][k] = 2 * p[ci][k] * r[ci][k] / (p[ci][k] + r[ci][k] + apEps)
			meanF1[k] += f1[ci][k] / float64(nc)
		}
	}
	best := floats.MaxIdx(Smooth(meanF1, 0.1))

	for ci := range classes {
		res.Precision[ci] = p[ci][best]
		res.Recall[ci] = r[ci][best]
		res.F1[ci] = f1[ci][best]
		res.TP[ci] = math.RoundToEven(res.Recall[ci] * float64(counts[ci]))
		res.FP[ci] = math.RoundToEven(res.TP[ci]/(res.Precision[ci]+apEps) - res.TP[ci])
		res.AP50[ci] = ap[ci][0]
		res.AP[ci] = floats.Sum(ap[ci]) / float64(nt)
	}
	res.MeanPrecision = floats.Sum(res.Precision) / float64(nc)
	res.MeanRecall = floats.Sum(res.Recall) / float64(nc)
	res.MAP50 = floats.Sum(res.AP50) / float64(nc)
	res.MAP = floats.Sum(res.AP) / float64(nc)
	return res, nil
}

// averagePrecision integrates the precision envelope of one curve at the recall
// points x.
func averagePrecision(recall, precision, x []float64) float64 {
	mRec := make([]float64, 0, len(recall)+2)
	mRec = append(append(append(mRec, 0), recall...), 1)
	mPre := make([]float64, 0, len(precision)+2)
	mPre = append(append(append(mPre, 1), precision...), 0)

	PrecisionEnvelope(mPre)

	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = Interp(v, mRec, mPre, mPre[0], mPre[len(mPre)-1])
	}
	return integrate.Trapezoidal(x, y)
}

// PrecisionEnvelope replaces each precision value, in place, by the maximum of it
// and every value after it, making the curve non-increasing.
func PrecisionEnvelope(pre []float64) {
	for i := len(pre) - 2; i >= 0; i-- {
		pre[i] = max(pre[i], pre[i+1])
	}
}

// Interp evaluates the piecewise-linear function through (xp, fp) at x.
//
// xp must be non-decreasing. Below xp[0] the result is left and above the last knot
// it is right. A value of x equal to a repeated knot returns the value of the first
// knot at that position, where numpy.interp returns the last. On a recall curve
// this keeps the precision reached before the step, so a detector that finds every
// target with full precision scores an AP of 1.
func Interp(x float64, xp, fp []float64, left, right float64) float64 {
	n := len(xp)
	if n == 0 {
		return left
	}
	if x < xp[0] {
		return left
	}
	if x > xp[n-1] {
		return right
	}

	k := sort.SearchFloat64s(xp, x)
	if xp[k] == x {
		return fp[k]
	}
	x0, x1 := xp[k-1], xp[k]
	return fp[k-1] + (fp[k]-fp[k-1])*(x-x0)/(x1-x0)
}

// Smooth applies a box filter spanning the fraction f of y, padded with the edge
// values. The window is round(len(y)*f*2)/2 + 1 samples; when it is odd, as for the
// 1000-point curves at f = 0.1, the output has the length of y.
func Smooth(y []float64, f float64) []float64 {
	if len(y) == 0 {
		return nil
	}
	nf := int(math.RoundToEven(float64(len(y))*f*2))/2 + 1
	pad := nf / 2

	yp := make([]float64, 0, len(y)+2*pad)
	for i := 0; i < pad; i++ {
		yp = append(yp, y[0])
	}
	yp = append(yp, y...)
	for i := 0; i < pad; i++ {
		yp = append(yp, y[len(y)-1])
	}

	out := make([]float64, len(yp)-nf+1)
	for i := range out {
		out[i] = floats.Sum(yp[i:i+nf]) / float64(nf)
	}
	return out
}

// unique returns the sorted distinct values of v and their counts.
func unique(v []int) ([]int, []int) {
	counts := make(map[int]int)
	for _, c := range v {
		counts[c]++
	}
	keys := make([]int, 0, len(counts))
	for c := range counts {
		keys = append(keys, c)
	}
	sort.Ints(keys)
	n := make([]int, len(keys))
	for i, c := range keys {
		n[i] = counts[c]
	}
	return keys, n
}
