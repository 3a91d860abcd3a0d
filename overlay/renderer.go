// Package overlay draws decoded detection results onto source frames:
// hollow class-colored boxes with confidence labels, pose keypoints with
// skeleton segments, and segmentation mask tints.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"gridcam/detection"
)

// skeleton is the COCO keypoint connectivity used for pose rendering.
var skeleton = [16][2]int{
	{0, 1}, {0, 2}, {1, 3}, {2, 4},
	{5, 6}, {5, 11}, {6, 12}, {11, 12},
	{5, 7}, {6, 8}, {7, 9}, {8, 10},
	{11, 13}, {12, 14}, {13, 15}, {14, 16},
}

// Renderer annotates frames. It is built once at pipeline start and holds
// no mutable state afterwards, so it may be used from several goroutines.
type Renderer struct {
	task    detection.Task
	names   []string
	palette []color.RGBA
	ttf     *opentype.Font
	labelPx int
}

// NewRenderer builds a renderer for the given class names. The per-class
// palette is sampled once from a fixed seed so a class keeps its color
// across runs. fontPath may point at a TTF file; when empty or unreadable a
// built-in bitmap face is used.
func NewRenderer(task detection.Task, names []string, fontPath string) (*Renderer, error) {
	rng := rand.New(rand.NewSource(1))
	palette := make([]color.RGBA, len(names))
	for i := range palette {
		palette[i] = color.RGBA{
			R: uint8(rng.Intn(256)),
			G: uint8(rng.Intn(256)),
			B: uint8(rng.Intn(256)),
			A: 255,
		}
	}

	r := &Renderer{task: task, names: names, palette: palette, labelPx: 14}
	if fontPath != "" {
		data, err := os.ReadFile(fontPath)
		if err != nil {
			return nil, fmt.Errorf("read font %s: %w", fontPath, err)
		}
		ttf, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse font %s: %w", fontPath, err)
		}
		r.ttf = ttf
	}
	return r, nil
}

// Annotate draws one slot's result onto its source image in place.
func (r *Renderer) Annotate(img *image.RGBA, res detection.Result) {
	if len(res.Boxes) == 0 {
		return
	}

	// Faces cache glyph state internally and are not safe to share across
	// goroutines, so each call gets its own.
	face := r.newFace()
	height := face.Metrics().Height.Ceil()

	for i, det := range res.Boxes {
		col := r.colorFor(det.Class)

		if i < len(res.Masks) && res.Masks[i] != nil {
			r.tintMask(img, res.Masks[i], col)
		}

		x0 := int(det.Box.X)
		y0 := int(det.Box.Y)
		x1 := int(det.Box.MaxX())
		y1 := int(det.Box.MaxY())
		drawHollowRect(img, x0, y0, x1, y1, col)

		label := fmt.Sprintf("%s %.0f%%", r.nameFor(det.Class), det.Conf*100)
		ly := y0 - 2
		if y0-height < 0 {
			// Box touches the top edge; drop the label inside it instead.
			ly = y0 + height + 2
		}
		d := font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(col),
			Face: face,
			Dot:  fixed.P(x0, ly),
		}
		d.DrawString(label)

		if i < len(res.Keypoints) {
			r.drawPose(img, res.Keypoints[i], col)
		}
	}
}

func (r *Renderer) newFace() font.Face {
	if r.ttf == nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(r.ttf, &opentype.FaceOptions{
		Size:    float64(r.labelPx),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

func (r *Renderer) colorFor(class int) color.RGBA {
	if class >= 0 && class < len(r.palette) {
		return r.palette[class]
	}
	return color.RGBA{R: 255, A: 255}
}

func (r *Renderer) nameFor(class int) string {
	if class >= 0 && class < len(r.names) {
		return r.names[class]
	}
	return fmt.Sprintf("class%d", class)
}

// drawPose renders keypoint dots and the skeleton segments between
// present keypoints. Zero keypoints are absent and skipped.
func (r *Renderer) drawPose(img *image.RGBA, kpts []detection.Keypoint, col color.RGBA) {
	for _, k := range kpts {
		if k.Conf == 0 {
			continue
		}
		drawDot(img, int(k.X), int(k.Y), 2, col)
	}
	for _, pair := range skeleton {
		if pair[0] >= len(kpts) || pair[1] >= len(kpts) {
			continue
		}
		a, b := kpts[pair[0]], kpts[pair[1]]
		if a.Conf == 0 || b.Conf == 0 {
			continue
		}
		drawLine(img, int(a.X), int(a.Y), int(b.X), int(b.Y), col)
	}
}

// tintMask blends the class color into mask pixels. The mask is a full-frame
// luma plane already zeroed outside the detection's box.
func (r *Renderer) tintMask(img *image.RGBA, mask []uint8, col color.RGBA) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if len(mask) < w*h {
		return
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask[y*w+x] < 128 {
				continue
			}
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			img.Pix[off] = uint8((uint16(img.Pix[off]) + uint16(col.R)) / 2)
			img.Pix[off+1] = uint8((uint16(img.Pix[off+1]) + uint16(col.G)) / 2)
			img.Pix[off+2] = uint8((uint16(img.Pix[off+2]) + uint16(col.B)) / 2)
		}
	}
}

func setPixel(img *image.RGBA, x, y int, col color.RGBA) {
	b := img.Bounds()
	if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
		img.SetRGBA(x, y, col)
	}
}

func drawHollowRect(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	for x := x0; x <= x1; x++ {
		setPixel(img, x, y0, col)
		setPixel(img, x, y1, col)
	}
	for y := y0; y <= y1; y++ {
		setPixel(img, x0, y, col)
		setPixel(img, x1, y, col)
	}
}

func drawDot(img *image.RGBA, cx, cy, radius int, col color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, col)
			}
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		setPixel(img, x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
