package detection

// Box is an axis-aligned bounding box in original-image coordinates, corner
// form with width and height.
type Box struct {
	X float32
	Y float32
	W float32
	H float32
}

// MaxX returns the right edge of the box.
func (b Box) MaxX() float32 { return b.X + b.W }

// MaxY returns the bottom edge of the box.
func (b Box) MaxY() float32 { return b.Y + b.H }

// IoU returns the intersection-over-union overlap with another box.
func (b Box) IoU(o Box) float32 {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.MaxX(), o.MaxX())
	y2 := min(b.MaxY(), o.MaxY())

	iw := max(x2-x1, 0)
	ih := max(y2-y1, 0)
	inter := iw * ih

	union := b.W*b.H + o.W*o.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one decoded object: bounding box, class id and confidence.
type Detection struct {
	Box   Box
	Class int
	Conf  float32
}

// Keypoint is one pose point. A zero value marks a point whose own
// confidence fell below the keypoint threshold; it stays in the list so the
// keypoint count per detection is fixed.
type Keypoint struct {
	X    float32
	Y    float32
	Conf float32
}

// Result is the decoded output for one camera slot in one cycle. Keypoints
// and Masks, when present, are parallel to Boxes. Embedding is set only for
// the classification task, in which case Boxes is empty.
type Result struct {
	Boxes     []Detection
	Keypoints [][]Keypoint
	Masks     [][]uint8
	Embedding []float32
}
