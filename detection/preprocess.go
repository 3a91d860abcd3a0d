package detection

import (
	"context"
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// FillValue is the normalized letterbox padding value (mid-gray 144).
const FillValue = float32(144.0 / 255.0)

// Preprocessor turns a batch of images into one NCHW float32 tensor with
// values in [0,1]. Slots are processed independently and in parallel; only
// the final per-slot index placement in the tensor matters.
type Preprocessor struct {
	cfg ModelConfig
}

func NewPreprocessor(cfg ModelConfig) *Preprocessor {
	return &Preprocessor{cfg: cfg}
}

// Run builds the input tensor of shape (batch, 3, H, W). A nil or empty
// image (a faulted slot's placeholder) leaves its batch entry at the fill
// value.
func (p *Preprocessor) Run(ctx context.Context, imgs []*image.RGBA) (*tensor.Dense, error) {
	n := p.cfg.Batch
	if len(imgs) != n {
		return nil, fmt.Errorf("batch has %d images, model expects %d", len(imgs), n)
	}

	w, h := p.cfg.Width, p.cfg.Height
	data := make([]float32, n*3*h*w)
	for i := range data {
		data[i] = FillValue
	}

	g, _ := errgroup.WithContext(ctx)
	plane := h * w
	for slot, img := range imgs {
		if img == nil || img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
			continue
		}
		slot, img := slot, img
		g.Go(func() error {
			p.fillSlot(data[slot*3*plane:(slot+1)*3*plane], img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return tensor.New(tensor.WithShape(n, 3, h, w), tensor.WithBacking(data)), nil
}

// fillSlot letterboxes one image and writes it channel-first into dst, which
// holds the 3*H*W values of one batch entry, pre-filled with FillValue.
func (p *Preprocessor) fillSlot(dst []float32, img *image.RGBA) {
	w, h := p.cfg.Width, p.cfg.Height

	var resized *image.RGBA
	if p.cfg.Task == Classify {
		// Classification is trained on stretched inputs; no letterboxing.
		resized = scaleTo(img, w, h, xdraw.BiLinear)
	} else {
		b := img.Bounds()
		_, newW, newH := ScaleRatio(float32(b.Dx()), float32(b.Dy()), float32(w), float32(h))
		resized = scaleTo(img, int(newW), int(newH), p.scaler())
	}

	// Anchored at the origin: everything right of and below the resized
	// image keeps the fill value.
	rb := resized.Bounds()
	plane := h * w
	for y := 0; y < min(rb.Dy(), h); y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < min(rb.Dx(), w); x++ {
			pos := y*w + x
			dst[pos] = float32(row[x*4]) / 255.0
			dst[plane+pos] = float32(row[x*4+1]) / 255.0
			dst[2*plane+pos] = float32(row[x*4+2]) / 255.0
		}
	}
}

// scaler picks the interpolation filter: segmentation masks benefit from the
// sharper Catmull-Rom kernel, everything else uses bilinear.
func (p *Preprocessor) scaler() xdraw.Scaler {
	if p.cfg.Task == Segment {
		return xdraw.CatmullRom
	}
	return xdraw.BiLinear
}

func scaleTo(src image.Image, w, h int, scaler xdraw.Scaler) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		xdraw.Copy(dst, image.Point{}, src, b, xdraw.Src, nil)
		return dst
	}
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
