package capture

import (
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"
)

// gocvDevice wraps a gocv video capture handle. The scratch Mat is reused
// across reads and released together with the handle.
type gocvDevice struct {
	cap   *gocv.VideoCapture
	index int
	mat   gocv.Mat
}

// OpenDevice opens the camera at the given index through OpenCV and applies
// the configured properties. It satisfies the Opener signature.
func OpenDevice(index int, props Properties) (Device, error) {
	cam, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", index, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return nil, fmt.Errorf("camera %d is not available", index)
	}

	cam.Set(gocv.VideoCaptureFrameWidth, float64(props.Width))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(props.Height))
	cam.Set(gocv.VideoCaptureFPS, float64(props.FPS))

	return &gocvDevice{cap: cam, index: index, mat: gocv.NewMat()}, nil
}

func (d *gocvDevice) Grab() (*image.RGBA, error) {
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, fmt.Errorf("%w: camera %d returned no frame, check the connection", ErrRead, d.index)
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: camera %d: %v", ErrConvert, d.index, err)
	}
	return toRGBA(img), nil
}

func (d *gocvDevice) Close() error {
	d.mat.Close()
	return d.cap.Close()
}

// Probe scans device indices [0, max) and returns those that can be opened.
// Each probe handle is released immediately.
func Probe(max int) []int {
	var indices []int
	for i := 0; i < max; i++ {
		cam, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			indices = append(indices, i)
		}
		cam.Close()
	}
	return indices
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
