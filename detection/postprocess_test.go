package detection

import (
	"context"
	"image"
	"math"
	"testing"

	"gorgonia.org/tensor"
)

// predTensor builds a prediction tensor of shape (batch, rows, cols) with
// every value set through the given function.
func predTensor(batch, rows, cols int, at func(slot, row, col int) float32) *tensor.Dense {
	data := make([]float32, batch*rows*cols)
	for s := 0; s < batch; s++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				data[s*rows*cols+r*cols+c] = at(s, r, c)
			}
		}
	}
	return tensor.New(tensor.WithShape(batch, rows, cols), tensor.WithBacking(data))
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestPostprocessor_ConfidenceBoundaryAndRescale(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Detect, Batch: 1, Width: 512, Height: 512, NC: 1, Conf: 0.5, IoU: 0.5}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// 640x480 into 512x512 scales by 0.8. Anchor 0 scores exactly at the
	// threshold and must be kept; anchor 1 is just below and must be dropped.
	vals := map[[2]int]float32{
		{0, 0}: 80, {1, 0}: 80, {2, 0}: 160, {3, 0}: 160, {4, 0}: 0.5,
		{0, 1}: 80, {1, 1}: 80, {2, 1}: 160, {3, 1}: 160, {4, 1}: 0.499,
	}
	preds := predTensor(1, 5, 2, func(_, r, c int) float32 { return vals[[2]int{r, c}] })

	res, err := post.Run(context.Background(), []*tensor.Dense{preds}, []image.Point{image.Pt(640, 480)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Boxes) != 1 {
		t.Fatalf("expected 1 surviving box, got %d", len(res[0].Boxes))
	}
	box := res[0].Boxes[0].Box
	if !approx(box.X, 0) || !approx(box.Y, 0) || !approx(box.W, 200) || !approx(box.H, 200) {
		t.Errorf("unexpected rescaled box %+v", box)
	}
	if res[0].Boxes[0].Conf != 0.5 {
		t.Errorf("expected conf 0.5, got %v", res[0].Boxes[0].Conf)
	}
}

func TestPostprocessor_NMSDropsOverlap(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Detect, Batch: 1, Width: 100, Height: 100, NC: 1, Conf: 0.5, IoU: 0.5}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Model size equals image size, so coordinates pass through unscaled.
	// A=(10,10,20,20)@0.9 and B=(12,12,20,20)@0.8 overlap with IoU ~0.68,
	// so B must be suppressed; C is disjoint and survives.
	vals := map[[2]int]float32{
		{0, 0}: 20, {1, 0}: 20, {2, 0}: 20, {3, 0}: 20, {4, 0}: 0.9,
		{0, 1}: 22, {1, 1}: 22, {2, 1}: 20, {3, 1}: 20, {4, 1}: 0.8,
		{0, 2}: 70, {1, 2}: 70, {2, 2}: 10, {3, 2}: 10, {4, 2}: 0.7,
	}
	preds := predTensor(1, 5, 3, func(_, r, c int) float32 { return vals[[2]int{r, c}] })

	res, err := post.Run(context.Background(), []*tensor.Dense{preds}, []image.Point{image.Pt(100, 100)})
	if err != nil {
		t.Fatal(err)
	}
	boxes := res[0].Boxes
	if len(boxes) != 2 {
		t.Fatalf("expected 2 boxes after NMS, got %d", len(boxes))
	}
	if !approx(boxes[0].Conf, 0.9) || !approx(boxes[1].Conf, 0.7) {
		t.Errorf("unexpected survivors: %+v", boxes)
	}
}

func TestNonMaxSuppression_StableTieBreak(t *testing.T) {
	t.Parallel()

	a := candidate{det: Detection{Box: Box{X: 10, Y: 10, W: 20, H: 20}, Class: 0, Conf: 0.8}}
	b := candidate{det: Detection{Box: Box{X: 11, Y: 11, W: 20, H: 20}, Class: 1, Conf: 0.8}}

	kept := nonMaxSuppression([]candidate{a, b}, 0.5)
	if len(kept) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(kept))
	}
	if kept[0].det.Class != 0 {
		t.Error("equal-confidence tie must keep the earlier candidate")
	}
}

func TestNonMaxSuppression_Idempotent(t *testing.T) {
	t.Parallel()

	cands := []candidate{
		{det: Detection{Box: Box{X: 0, Y: 0, W: 10, H: 10}, Conf: 0.9}},
		{det: Detection{Box: Box{X: 50, Y: 50, W: 10, H: 10}, Conf: 0.6}},
	}
	once := nonMaxSuppression(cands, 0.5)
	onceCopy := make([]candidate, len(once))
	copy(onceCopy, once)
	twice := nonMaxSuppression(onceCopy, 0.5)
	if len(once) != len(twice) {
		t.Fatalf("second pass changed survivor count: %d vs %d", len(once), len(twice))
	}
}

func TestPostprocessor_PoseKeypointThreshold(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Pose, Batch: 1, Width: 100, Height: 100, NC: 1, NK: 2, Conf: 0.5, IoU: 0.5, KConf: 0.5}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// rows: 4 box + 1 class + 2*3 keypoints. Keypoint 0 passes the keypoint
	// threshold, keypoint 1 does not and must come back as the zero point.
	vals := map[[2]int]float32{
		{0, 0}: 50, {1, 0}: 50, {2, 0}: 20, {3, 0}: 20, {4, 0}: 0.9,
		{5, 0}: 40, {6, 0}: 40, {7, 0}: 0.9,
		{8, 0}: 60, {9, 0}: 60, {10, 0}: 0.3,
	}
	preds := predTensor(1, 11, 1, func(_, r, c int) float32 { return vals[[2]int{r, c}] })

	res, err := post.Run(context.Background(), []*tensor.Dense{preds}, []image.Point{image.Pt(100, 100)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Keypoints) != 1 {
		t.Fatalf("expected keypoints for 1 detection, got %d", len(res[0].Keypoints))
	}
	kpts := res[0].Keypoints[0]
	if len(kpts) != 2 {
		t.Fatalf("keypoint count must stay fixed at nk, got %d", len(kpts))
	}
	if !approx(kpts[0].X, 40) || !approx(kpts[0].Y, 40) || !approx(kpts[0].Conf, 0.9) {
		t.Errorf("unexpected keypoint 0: %+v", kpts[0])
	}
	if (kpts[1] != Keypoint{}) {
		t.Errorf("sub-threshold keypoint must be zeroed, got %+v", kpts[1])
	}
}

func TestPostprocessor_SegmentMaskBoundedByBox(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Segment, Batch: 1, Width: 8, Height: 8, NC: 1, NM: 2, Conf: 0.5, IoU: 0.5}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// One detection at (2,2,4,4) with coefficients (1,0) against a proto
	// whose first plane is all ones: the mask saturates inside the box and
	// must be zero everywhere outside it.
	vals := map[[2]int]float32{
		{0, 0}: 4, {1, 0}: 4, {2, 0}: 4, {3, 0}: 4, {4, 0}: 0.9,
		{5, 0}: 1, {6, 0}: 0,
	}
	preds := predTensor(1, 7, 1, func(_, r, c int) float32 { return vals[[2]int{r, c}] })

	protoData := make([]float32, 2*8*8)
	for i := 0; i < 8*8; i++ {
		protoData[i] = 1
		protoData[8*8+i] = 0.5
	}
	protos := tensor.New(tensor.WithShape(1, 2, 8, 8), tensor.WithBacking(protoData))

	res, err := post.Run(context.Background(), []*tensor.Dense{preds, protos}, []image.Point{image.Pt(8, 8)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Masks) != 1 {
		t.Fatalf("expected 1 mask, got %d", len(res[0].Masks))
	}
	mask := res[0].Masks[0]
	if len(mask) != 8*8 {
		t.Fatalf("mask must cover the full frame, got %d values", len(mask))
	}
	if mask[4*8+4] < 200 {
		t.Errorf("pixel inside the box should be near saturation, got %d", mask[4*8+4])
	}
	if mask[0] != 0 || mask[7*8+7] != 0 {
		t.Errorf("pixels outside the box must be zero, got %d and %d", mask[0], mask[7*8+7])
	}
}

func TestPostprocessor_FaultedSlotYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Detect, Batch: 2, Width: 100, Height: 100, NC: 1, Conf: 0.5, IoU: 0.5}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	preds := predTensor(2, 5, 1, func(slot, r, c int) float32 {
		if r == 4 {
			return 0.9
		}
		return 50
	})

	res, err := post.Run(context.Background(), []*tensor.Dense{preds},
		[]image.Point{image.Pt(100, 100), {}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Boxes) != 1 {
		t.Errorf("live slot should decode, got %d boxes", len(res[0].Boxes))
	}
	if len(res[1].Boxes) != 0 {
		t.Errorf("faulted slot must decode to nothing, got %d boxes", len(res[1].Boxes))
	}
}

func TestPostprocessor_ClassifyEmbedding(t *testing.T) {
	t.Parallel()

	cfg := ModelConfig{Task: Classify, Batch: 2, Width: 64, Height: 64, NC: 3}
	post, err := NewPostprocessor(cfg)
	if err != nil {
		t.Fatal(err)
	}

	preds := tensor.New(tensor.WithShape(2, 3),
		tensor.WithBacking([]float32{0.1, 0.2, 0.7, 0.6, 0.3, 0.1}))
	res, err := post.Run(context.Background(), []*tensor.Dense{preds},
		[]image.Point{image.Pt(64, 64), image.Pt(64, 64)})
	if err != nil {
		t.Fatal(err)
	}
	if !approx(res[1].Embedding[0], 0.6) {
		t.Errorf("slot 1 embedding mismatch: %v", res[1].Embedding)
	}
}

func TestBoxIoU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Box
		want float32
	}{
		{"identical", Box{0, 0, 10, 10}, Box{0, 0, 10, 10}, 1},
		{"disjoint", Box{0, 0, 10, 10}, Box{20, 20, 10, 10}, 0},
		{"half-shift", Box{10, 10, 20, 20}, Box{12, 12, 20, 20}, 324.0 / 476.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IoU(tt.b); !approx(got, tt.want) {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}
