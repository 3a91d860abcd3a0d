package detection

import (
	"context"
	"fmt"
	"image"
	"sort"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// candidate is one anchor that survived the confidence filter, before NMS.
type candidate struct {
	det   Detection
	kpts  []Keypoint
	coefs []float32
}

// Postprocessor decodes raw engine output into per-slot Results. The decode
// function is fixed per task at construction time; there is no runtime task
// branching inside the anchor walk beyond what the variant itself needs.
type Postprocessor struct {
	cfg    ModelConfig
	decode func(slot int, outs []*tensor.Dense, orig image.Point) (Result, error)
}

func NewPostprocessor(cfg ModelConfig) (*Postprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Postprocessor{cfg: cfg}
	switch cfg.Task {
	case Detect:
		p.decode = p.decodeDetect
	case Pose:
		p.decode = p.decodePose
	case Segment:
		p.decode = p.decodeSegment
	case Classify:
		p.decode = p.decodeClassify
	default:
		return nil, fmt.Errorf("unsupported task %s", cfg.Task)
	}
	return p, nil
}

// Run decodes every batch slot independently and in parallel. origSizes maps
// slot index to the original image dimensions; a zero size marks a faulted
// slot, which yields an empty Result without touching the tensors.
func (p *Postprocessor) Run(ctx context.Context, outs []*tensor.Dense, origSizes []image.Point) ([]Result, error) {
	if len(outs) == 0 {
		return nil, fmt.Errorf("engine returned no output tensors")
	}
	if len(origSizes) != p.cfg.Batch {
		return nil, fmt.Errorf("got %d slot sizes, batch is %d", len(origSizes), p.cfg.Batch)
	}

	results := make([]Result, p.cfg.Batch)
	g, _ := errgroup.WithContext(ctx)
	for slot := 0; slot < p.cfg.Batch; slot++ {
		slot := slot
		if origSizes[slot].X == 0 || origSizes[slot].Y == 0 {
			continue
		}
		g.Go(func() error {
			r, err := p.decode(slot, outs, origSizes[slot])
			if err != nil {
				return fmt.Errorf("slot %d: %w", slot, err)
			}
			results[slot] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Postprocessor) decodeClassify(slot int, outs []*tensor.Dense, _ image.Point) (Result, error) {
	preds := outs[0]
	shape := preds.Shape()
	if len(shape) != 2 || shape[0] != p.cfg.Batch {
		return Result{}, fmt.Errorf("unexpected classification output shape %v", shape)
	}
	data := preds.Data().([]float32)
	c := shape[1]
	emb := make([]float32, c)
	copy(emb, data[slot*c:(slot+1)*c])
	return Result{Embedding: emb}, nil
}

func (p *Postprocessor) decodeDetect(slot int, outs []*tensor.Dense, orig image.Point) (Result, error) {
	cands, err := p.anchors(slot, outs[0], orig)
	if err != nil {
		return Result{}, err
	}
	cands = nonMaxSuppression(cands, p.cfg.IoU)

	res := Result{Boxes: make([]Detection, 0, len(cands))}
	for _, c := range cands {
		res.Boxes = append(res.Boxes, c.det)
	}
	return res, nil
}

func (p *Postprocessor) decodePose(slot int, outs []*tensor.Dense, orig image.Point) (Result, error) {
	cands, err := p.anchors(slot, outs[0], orig)
	if err != nil {
		return Result{}, err
	}
	cands = nonMaxSuppression(cands, p.cfg.IoU)

	res := Result{
		Boxes:     make([]Detection, 0, len(cands)),
		Keypoints: make([][]Keypoint, 0, len(cands)),
	}
	for _, c := range cands {
		res.Boxes = append(res.Boxes, c.det)
		res.Keypoints = append(res.Keypoints, c.kpts)
	}
	return res, nil
}

func (p *Postprocessor) decodeSegment(slot int, outs []*tensor.Dense, orig image.Point) (Result, error) {
	if len(outs) < 2 {
		return Result{}, fmt.Errorf("segmentation model produced no proto tensor")
	}
	cands, err := p.anchors(slot, outs[0], orig)
	if err != nil {
		return Result{}, err
	}
	cands = nonMaxSuppression(cands, p.cfg.IoU)

	res := Result{
		Boxes: make([]Detection, 0, len(cands)),
		Masks: make([][]uint8, 0, len(cands)),
	}
	for _, c := range cands {
		mask, err := p.decodeMask(slot, c.coefs, outs[1], c.det.Box, orig)
		if err != nil {
			return Result{}, err
		}
		res.Boxes = append(res.Boxes, c.det)
		res.Masks = append(res.Masks, mask)
	}
	return res, nil
}

// anchors walks the prediction tensor's anchor dimension for one slot,
// applies the confidence filter and rescales surviving boxes (and keypoints)
// back into original-image coordinates.
func (p *Postprocessor) anchors(slot int, preds *tensor.Dense, orig image.Point) ([]candidate, error) {
	shape := preds.Shape()
	if len(shape) != 3 || shape[0] != p.cfg.Batch {
		return nil, fmt.Errorf("unexpected prediction tensor shape %v", shape)
	}
	rows, cols := shape[1], shape[2]
	if want := 4 + p.cfg.NC + p.cfg.extraRows(); rows != want {
		return nil, fmt.Errorf("prediction tensor has %d attributes, task %s expects %d", rows, p.cfg.Task, want)
	}

	data := preds.Data().([]float32)
	base := slot * rows * cols

	w0 := float32(orig.X)
	h0 := float32(orig.Y)
	ratio, _, _ := ScaleRatio(w0, h0, float32(p.cfg.Width), float32(p.cfg.Height))

	at := func(row, col int) float32 { return data[base+row*cols+col] }

	var cands []candidate
	for a := 0; a < cols; a++ {
		class := 0
		score := at(4, a)
		for c := 1; c < p.cfg.NC; c++ {
			if s := at(4+c, a); s > score {
				score = s
				class = c
			}
		}
		if score < p.cfg.Conf {
			continue
		}

		cx := at(0, a) / ratio
		cy := at(1, a) / ratio
		w := at(2, a) / ratio
		h := at(3, a) / ratio
		det := Detection{
			Box: Box{
				X: clamp(cx-w/2, 0, w0),
				Y: clamp(cy-h/2, 0, h0),
				W: w,
				H: h,
			},
			Class: class,
			Conf:  score,
		}

		cand := candidate{det: det}
		switch p.cfg.Task {
		case Pose:
			off := 4 + p.cfg.NC
			cand.kpts = make([]Keypoint, p.cfg.NK)
			for k := 0; k < p.cfg.NK; k++ {
				kc := at(off+3*k+2, a)
				if kc < p.cfg.KConf {
					// Below-threshold keypoints stay in the list as zero
					// points so the count per detection is stable.
					continue
				}
				cand.kpts[k] = Keypoint{
					X:    clamp(at(off+3*k, a)/ratio, 0, w0),
					Y:    clamp(at(off+3*k+1, a)/ratio, 0, h0),
					Conf: kc,
				}
			}
		case Segment:
			off := 4 + p.cfg.NC
			cand.coefs = make([]float32, p.cfg.NM)
			for m := 0; m < p.cfg.NM; m++ {
				cand.coefs[m] = at(off+m, a)
			}
		}
		cands = append(cands, cand)
	}
	return cands, nil
}

// nonMaxSuppression greedily keeps the highest-confidence candidates,
// dropping any whose IoU with an already-kept box exceeds the threshold.
// The sort is stable, so confidence ties break by original anchor order.
// Quadratic in survivors, which is small after the confidence filter.
func nonMaxSuppression(cands []candidate, iou float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].det.Conf > cands[j].det.Conf
	})

	kept := cands[:0]
	for _, c := range cands {
		overlap := false
		for _, k := range kept {
			if k.det.Box.IoU(c.det.Box) > iou {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, c)
		}
	}
	return kept
}

// decodeMask collapses the mask coefficients against the proto tensor's
// spatial planes, upscales the plane to original-image size and blanks
// everything outside the detection's own bounding box.
func (p *Postprocessor) decodeMask(slot int, coefs []float32, protos *tensor.Dense, box Box, orig image.Point) ([]uint8, error) {
	shape := protos.Shape()
	if len(shape) != 4 || shape[0] != p.cfg.Batch {
		return nil, fmt.Errorf("unexpected proto tensor shape %v", shape)
	}
	nm, mh, mw := shape[1], shape[2], shape[3]
	if nm != len(coefs) {
		return nil, fmt.Errorf("proto tensor has %d planes, detection carries %d coefficients", nm, len(coefs))
	}

	pd := protos.Data().([]float32)
	start := slot * nm * mh * mw
	protoMat := tensor.New(tensor.WithShape(nm, mh*mw), tensor.WithBacking(pd[start:start+nm*mh*mw]))
	coefMat := tensor.New(tensor.WithShape(1, nm), tensor.WithBacking(coefs))

	prod, err := tensor.MatMul(coefMat, protoMat)
	if err != nil {
		return nil, fmt.Errorf("mask matrix product: %w", err)
	}
	plane := prod.(*tensor.Dense).Data().([]float32)

	small := image.NewGray(image.Rect(0, 0, mw, mh))
	for i, v := range plane {
		small.Pix[i] = uint8(clamp(v, 0, 1) * 255)
	}

	// Only the unpadded region of the proto plane corresponds to the image;
	// crop it with the same ratio rule used for letterboxing.
	w0, h0 := float32(orig.X), float32(orig.Y)
	_, validW, validH := ScaleRatio(w0, h0, float32(mw), float32(mh))
	valid := small.SubImage(image.Rect(0, 0, int(validW), int(validH)))

	full := image.NewGray(image.Rect(0, 0, orig.X, orig.Y))
	p.maskScaler().Scale(full, full.Bounds(), valid, valid.Bounds(), xdraw.Src, nil)

	// Masks are bbox-local: zero every pixel outside the detection's box.
	for y := 0; y < orig.Y; y++ {
		fy := float32(y)
		for x := 0; x < orig.X; x++ {
			fx := float32(x)
			if fx < box.X || fx > box.MaxX() || fy < box.Y || fy > box.MaxY() {
				full.Pix[y*full.Stride+x] = 0
			}
		}
	}
	return full.Pix, nil
}

func (p *Postprocessor) maskScaler() xdraw.Scaler {
	if p.cfg.Task == Segment {
		return xdraw.CatmullRom
	}
	return xdraw.BiLinear
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
