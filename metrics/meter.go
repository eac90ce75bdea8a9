package metrics

import (
	"math"
	"sync"

	"github.com/nvr-ai/go-pose/common"
	"github.com/nvr-ai/go-pose/models/postprocess"
)

// AverageMeter keeps a running weighted average. NaN updates are ignored.
type AverageMeter struct {
	Num int
	Sum float64
	Avg float64
}

// Update adds value v observed n times.
func (m *AverageMeter) Update(v float64, n int) {
	if math.IsNaN(v) {
		return
	}
	m.Num += n
	m.Sum += v * float64(n)
	if m.Num != 0 {
		m.Avg = m.Sum / float64(m.Num)
	}
}

// Stats accumulates per-image matching results over an evaluation set. It is safe
// for concurrent use.
type Stats struct {
	// Thresholds are the matching thresholds; nil means IoUThresholds().
	Thresholds []float32
	// Shape selects OKS matching when set.
	Shape KeypointShape

	mu        sync.Mutex
	tp        [][]bool
	conf      []float64
	predCls   []int
	targetCls []int
}

// Add matches the detections of one image against its labels and records the result.
func (s *Stats) Add(dets []postprocess.Result, labels []common.Label) error {
	thr := s.Thresholds
	if thr == nil {
		thr = IoUThresholds()
	}
	correct, err := ComputeMetric(dets, labels, thr, s.Shape)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range dets {
		s.tp = append(s.tp, correct[i])
		s.conf = append(s.conf, float64(d.Score))
		s.predCls = append(s.predCls, d.Class)
	}
	for _, l := range labels {
		s.targetCls = append(s.targetCls, l.Class)
	}
	return nil
}

// Compute returns the average precision of everything added so far.
func (s *Stats) Compute() (*APResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeAP(s.tp, s.conf, s.predCls, s.targetCls)
}
