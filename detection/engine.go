package detection

import "gorgonia.org/tensor"

// Engine is the inference collaborator: one input tensor in, one or more
// output tensors out. The first output is the prediction tensor; a second,
// when present, is the segmentation proto tensor. Engines are synchronous
// and any error is fatal to the current cycle; callers must propagate it
// rather than substitute empty results.
type Engine interface {
	Run(input *tensor.Dense) ([]*tensor.Dense, error)
	Close() error
}
