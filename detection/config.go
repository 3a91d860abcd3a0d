// Package detection implements the numeric half of the pipeline: batch
// preprocessing into a model input tensor, the inference engine contract,
// and decoding of raw model output into per-slot detection results.
package detection

import (
	"fmt"
	"math"
)

// Task selects the decode variant. The set is closed: each task has its own
// decode function chosen once at pipeline construction.
type Task int

const (
	Detect Task = iota
	Segment
	Pose
	Classify
)

func (t Task) String() string {
	switch t {
	case Detect:
		return "detect"
	case Segment:
		return "segment"
	case Pose:
		return "pose"
	case Classify:
		return "classify"
	default:
		return fmt.Sprintf("task(%d)", int(t))
	}
}

// ParseTask converts a config string into a Task.
func ParseTask(s string) (Task, error) {
	switch s {
	case "detect":
		return Detect, nil
	case "segment":
		return Segment, nil
	case "pose":
		return Pose, nil
	case "classify":
		return Classify, nil
	default:
		return 0, fmt.Errorf("unknown task %q", s)
	}
}

// ModelConfig carries the per-run model parameters. It is set once when the
// pipeline is built and never mutated afterwards.
type ModelConfig struct {
	Task  Task
	Batch int

	// Model input dimensions.
	Width  int
	Height int

	NC int // classes
	NK int // keypoints per detection (pose)
	NM int // mask coefficients per detection (segment)

	Conf  float32 // confidence threshold, inclusive
	IoU   float32 // NMS overlap threshold
	KConf float32 // keypoint confidence threshold

	Names []string
}

// Validate checks that the config carries what its task's decoder needs.
func (c ModelConfig) Validate() error {
	if c.Batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", c.Batch)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("input size %dx%d is invalid", c.Width, c.Height)
	}
	if c.NC <= 0 {
		return fmt.Errorf("nc must be positive, got %d", c.NC)
	}
	switch c.Task {
	case Pose:
		if c.NK <= 0 {
			return fmt.Errorf("pose task requires nk > 0")
		}
	case Segment:
		if c.NM <= 0 {
			return fmt.Errorf("segment task requires nm > 0")
		}
	}
	return nil
}

// extraRows is the number of task-specific trailing rows in the prediction
// tensor's attribute dimension.
func (c ModelConfig) extraRows() int {
	switch c.Task {
	case Pose:
		return 3 * c.NK
	case Segment:
		return c.NM
	default:
		return 0
	}
}

// ScaleRatio computes the aspect-preserving scale from (w0,h0) to fit inside
// (w1,h1), together with the rounded scaled dimensions. The same ratio is
// used to letterbox on the way in and to de-normalize box coordinates on the
// way out; the two must agree exactly.
func ScaleRatio(w0, h0, w1, h1 float32) (r, newW, newH float32) {
	r = min(w1/w0, h1/h0)
	newW = float32(math.Round(float64(w0 * r)))
	newH = float32(math.Round(float64(h0 * r)))
	return r, newW, newH
}
