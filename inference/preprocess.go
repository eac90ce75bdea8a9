package inference

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-pose/images"
	"github.com/nvr-ai/go-pose/models/postprocess"
	"github.com/pkg/errors"
)

// PadValue is the grey level of the letterbox border.
const PadValue = 114

// Letterbox records how an image was fitted into the square model input, so that
// detections can be mapped back to the original pixels.
type Letterbox struct {
	// Width and Height are the original image size.
	Width  int `json:"width"`
	Height int `json:"height"`
	// Scale is the resize factor applied to both axes.
	Scale float32 `json:"scale"`
	// PadX and PadY are the left and top border widths in model pixels.
	PadX float32 `json:"pad_x"`
	PadY float32 `json:"pad_y"`
}

// NewLetterbox computes the fit of a width x height image into a size x size input:
// the longer side is scaled to size and the shorter side is centred on whole pixels.
func NewLetterbox(width, height, size int) (Letterbox, error) {
	if width <= 0 || height <= 0 || size <= 0 {
		return Letterbox{}, errors.Errorf("cannot letterbox %dx%d into %d", width, height, size)
	}
	scale := float32(size) / float32(max(width, height))
	newW, newH := scaled(width, scale), scaled(height, scale)
	return Letterbox{
		Width:  width,
		Height: height,
		Scale:  scale,
		PadX:   float32((size - newW) / 2),
		PadY:   float32((size - newH) / 2),
	}, nil
}

func scaled(n int, scale float32) int {
	return max(1, int(float32(n)*scale+0.5))
}

// PrepareInput letterboxes img into a size x size RGB image and writes it to dst
// as planar CHW float32 values in [0, 1].
//
// Arguments:
//   - img: The image to prepare.
//   - size: The model input side in pixels.
//   - dst: The destination buffer, at least 3*size*size values.
//
// Returns:
//   - The letterbox used, for Restore.
//   - An error if dst is too small or the image is empty.
func PrepareInput(img image.Image, size int, dst []float32) (Letterbox, error) {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return Letterbox{}, errors.Errorf("destination holds %d floats, needs %d", len(dst), channelSize*3)
	}

	b := img.Bounds()
	lb, err := NewLetterbox(b.Dx(), b.Dy(), size)
	if err != nil {
		return Letterbox{}, err
	}

	newW, newH := scaled(lb.Width, lb.Scale), scaled(lb.Height, lb.Scale)
	resized := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.RGBA{R: PadValue, G: PadValue, B: PadValue, A: 255}}, image.Point{}, draw.Src)
	offset := image.Pt(int(lb.PadX), int(lb.PadY))
	draw.Draw(canvas, resized.Bounds().Sub(resized.Bounds().Min).Add(offset), resized, resized.Bounds().Min, draw.Src)

	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := canvas.Pix[canvas.PixOffset(x, y):]
			red[i] = float32(p[0]) / 255.0
			green[i] = float32(p[1]) / 255.0
			blue[i] = float32(p[2]) / 255.0
			i++
		}
	}

	return lb, nil
}

// Point maps a model-input coordinate back to the original image, clipped to it.
func (l Letterbox) Point(x, y float32) (float32, float32) {
	ox := (x - l.PadX) / l.Scale
	oy := (y - l.PadY) / l.Scale
	return min(max(ox, 0), float32(l.Width)), min(max(oy, 0), float32(l.Height))
}

// Restore maps detections from model-input pixels back to the original image.
// Boxes are always mapped; when kptDims is 2 or 3 the auxiliary channels are
// treated as keypoints and their coordinates are mapped too.
func (l Letterbox) Restore(results []postprocess.Result, kptDims int) []postprocess.Result {
	out := make([]postprocess.Result, len(results))
	for i, r := range results {
		x1, y1 := l.Point(r.Box.X1, r.Box.Y1)
		x2, y2 := l.Point(r.Box.X2, r.Box.Y2)
		r.Box = images.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}

		if len(r.Extra) > 0 && (kptDims == 2 || kptDims == 3) && len(r.Extra)%kptDims == 0 {
			extra := append([]float32(nil), r.Extra...)
			for k := 0; k < len(extra); k += kptDims {
				extra[k], extra[k+1] = l.Point(extra[k], extra[k+1])
			}
			r.Extra = extra
		}
		out[i] = r
	}
	return out
}
