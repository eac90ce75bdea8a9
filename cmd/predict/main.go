// Command predict runs an exported pose model over images and prints one JSON line per image.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/nvr-ai/go-pose/common"
	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/inference"
	"github.com/nvr-ai/go-pose/models/postprocess"
	"github.com/nvr-ai/go-pose/profiler"
	"github.com/nvr-ai/go-pose/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Detection is one person (or other class) in the JSON output.
type Detection struct {
	Box       [4]float32        `json:"box"`
	Score     float32           `json:"score"`
	Class     int               `json:"class"`
	Keypoints []common.Keypoint `json:"keypoints,omitempty"`
}

// Record is the JSON line written for each image.
type Record struct {
	Image      string      `json:"image"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	inference.Logger = log
	postprocess.Logger = log

	parser := argparse.NewParser("predict", "Run a pose model over images and print detections as JSON lines")
	model := parser.String("m", "model", &argparse.Options{Help: "Path to the exported .onnx pose model"})
	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML config overlaid on the defaults"})
	input := parser.String("i", "images", &argparse.Options{Help: "Image file or directory of images", Required: true})
	library := parser.String("l", "library", &argparse.Options{Help: "Path to the onnxruntime shared library"})
	conf := parser.Float("", "conf", &argparse.Options{Help: "Confidence threshold, overrides the config", Default: -1.0})
	iou := parser.Float("", "iou", &argparse.Options{Help: "NMS IoU threshold, overrides the config", Default: -1.0})
	backend := parser.String("b", "backend", &argparse.Options{Help: "Execution provider: cpu, coreml or cuda"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
	}
	if *model != "" {
		cfg.Runtime.ModelPath = *model
	}
	if *library != "" {
		cfg.Runtime.LibraryPath = *library
	}
	if *backend != "" {
		cfg.Runtime.Backend = *backend
	}
	if *conf >= 0 {
		cfg.NMS.ConfThreshold = float32(*conf)
	}
	if *iou >= 0 {
		cfg.NMS.IoUThreshold = float32(*iou)
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid settings")
	}
	if cfg.Runtime.ModelPath == "" {
		log.Fatal("no model given: pass --model or set runtime.model_path")
	}

	if err := run(cfg, *input, os.Stdout, log); err != nil {
		log.WithError(err).Fatal("prediction failed")
	}
}

func run(cfg config.Config, input string, w io.Writer, log logrus.FieldLogger) error {
	files, err := util.LoadImageFiles(input)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no images found in %s", input)
	}

	session, err := inference.NewSession(cfg.Session())
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("failed to close session")
		}
	}()

	enc := json.NewEncoder(w)
	prof := profiler.NewStageProfiler(0)
	start := time.Now()
	people := 0
	for _, f := range files {
		done := prof.StartOperation("decode")
		img, err := f.Decode()
		done()
		if err != nil {
			log.WithError(err).Warn("skipping image")
			continue
		}

		done = prof.StartOperation("predict")
		raw, lb, err := session.Predict(img)
		done()
		if err != nil {
			return errors.Wrapf(err, "failed to predict %s", f.Path)
		}

		done = prof.StartOperation("nms")
		nms := cfg.NMS
		batches, err := postprocess.NonMaxSuppression(raw, &nms)
		done()
		if err != nil {
			return errors.Wrapf(err, "failed to postprocess %s", f.Path)
		}
		results := lb.Restore(batches[0], cfg.Head.KptShape[1])

		rec, err := newRecord(f.Path, lb, results, cfg.Head.KptShape)
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return errors.Wrap(err, "failed to write output")
		}
		people += len(rec.Detections)
	}

	runs, mean := session.Stats()
	log.WithFields(logrus.Fields{
		"images":     len(files),
		"detections": people,
		"runs":       runs,
		"mean_run":   mean,
		"elapsed":    time.Since(start),
	}).Info("done")
	prof.Log(log)
	return nil
}

// newRecord converts the restored detections of one image into its output record.
func newRecord(path string, lb inference.Letterbox, results []postprocess.Result, kptShape [2]int) (Record, error) {
	rec := Record{Image: path, Width: lb.Width, Height: lb.Height, Detections: make([]Detection, 0, len(results))}
	for _, r := range results {
		d := Detection{Box: r.Box.Array(), Score: r.Score, Class: r.Class}
		if kptShape[0] > 0 {
			kpts, err := r.Keypoints(kptShape[0], kptShape[1])
			if err != nil {
				return Record{}, errors.Wrapf(err, "bad detection in %s", path)
			}
			d.Keypoints = kpts
		}
		rec.Detections = append(rec.Detections, d)
	}
	return rec, nil
}
