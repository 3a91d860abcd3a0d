package overlay

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"gridcam/detection"
)

func blackFrame(w, h int) *image.RGBA {
	// NewRGBA is already zeroed; alpha stays 0, which is fine for tests.
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func isBlack(img *image.RGBA, x, y int) bool {
	c := img.RGBAAt(x, y)
	return c.R == 0 && c.G == 0 && c.B == 0
}

func oneBox(x, y, w, h float32, conf float32) detection.Result {
	return detection.Result{Boxes: []detection.Detection{
		{Box: detection.Box{X: x, Y: y, W: w, H: h}, Class: 0, Conf: conf},
	}}
}

func TestRenderer_DrawsHollowBox(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer(detection.Detect, []string{"thing"}, "")
	if err != nil {
		t.Fatal(err)
	}

	img := blackFrame(60, 60)
	r.Annotate(img, oneBox(10, 10, 20, 20, 0.9))

	for _, p := range []image.Point{{10, 10}, {30, 10}, {10, 30}, {20, 30}} {
		if isBlack(img, p.X, p.Y) {
			t.Errorf("box edge pixel (%d,%d) was not drawn", p.X, p.Y)
		}
	}
	if !isBlack(img, 20, 20) {
		t.Error("box interior must stay untouched")
	}
	if !isBlack(img, 55, 55) {
		t.Error("pixels far from the box must stay untouched")
	}
}

func TestRenderer_NoDetectionsLeavesFrame(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer(detection.Detect, []string{"thing"}, "")
	if err != nil {
		t.Fatal(err)
	}

	img := blackFrame(40, 40)
	before := append([]uint8(nil), img.Pix...)
	r.Annotate(img, detection.Result{})
	if !bytes.Equal(before, img.Pix) {
		t.Error("empty result must not modify the frame")
	}
}

func TestRenderer_DeterministicAcrossInstances(t *testing.T) {
	t.Parallel()

	res := oneBox(5, 15, 20, 15, 0.75)
	var frames [2]*image.RGBA
	for i := range frames {
		r, err := NewRenderer(detection.Detect, []string{"a", "b", "c"}, "")
		if err != nil {
			t.Fatal(err)
		}
		frames[i] = blackFrame(50, 50)
		r.Annotate(frames[i], res)
	}
	if !bytes.Equal(frames[0].Pix, frames[1].Pix) {
		t.Error("two renderers with the same classes must draw identically")
	}
}

func TestRenderer_PoseKeypoints(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer(detection.Pose, []string{"person"}, "")
	if err != nil {
		t.Fatal(err)
	}

	res := oneBox(40, 40, 15, 15, 0.9)
	res.Keypoints = [][]detection.Keypoint{{
		{X: 10, Y: 10, Conf: 0.9},
		{}, // absent keypoint, must not be drawn
	}}

	img := blackFrame(60, 60)
	r.Annotate(img, res)

	if isBlack(img, 10, 10) {
		t.Error("present keypoint was not drawn")
	}
	if !isBlack(img, 25, 25) {
		t.Error("no skeleton segment should reach a point with one absent end")
	}
}

func TestRenderer_MaskTint(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer(detection.Segment, []string{"blob"}, "")
	if err != nil {
		t.Fatal(err)
	}

	const size = 40
	res := oneBox(8, 8, 16, 16, 0.9)
	mask := make([]uint8, size*size)
	for y := 10; y < 20; y++ {
		for x := 10; x < 20; x++ {
			mask[y*size+x] = 255
		}
	}
	res.Masks = [][]uint8{mask}

	img := blackFrame(size, size)
	// Seed the frame with a known color so blending is observable.
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 100
	}
	r.Annotate(img, res)

	in := img.RGBAAt(15, 15)
	if in.R == 100 && in.G == 0 && in.B == 0 {
		t.Error("mask pixel was not tinted")
	}
	out := img.RGBAAt(35, 35)
	if (out != color.RGBA{R: 100}) {
		t.Errorf("pixel outside mask and box changed: %+v", out)
	}
}
