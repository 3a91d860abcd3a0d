package detection

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// OrtEngine runs an ONNX model through ONNX Runtime. Input and output names
// are read from the model itself, so it works with exported YOLO models
// regardless of how the graph nodes are named.
type OrtEngine struct {
	session     *ort.DynamicAdvancedSession
	opts        *ort.SessionOptions
	inputName   string
	outputNames []string
	info        ProviderInfo
}

// NewOrtEngine loads the model at modelPath. libraryPath optionally points
// at the onnxruntime shared library; when empty the platform default is
// used. The environment is initialized once per process.
func NewOrtEngine(modelPath, libraryPath string, provider Provider) (*OrtEngine, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", modelPath, err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model %s has %d inputs, expected 1", modelPath, len(inputs))
	}
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	opts, info, err := sessionOptions(provider)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, outputNames, opts)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}

	return &OrtEngine{
		session:     session,
		opts:        opts,
		inputName:   inputs[0].Name,
		outputNames: outputNames,
		info:        info,
	}, nil
}

// ProviderInfo reports the execution provider the session runs on.
func (e *OrtEngine) ProviderInfo() ProviderInfo { return e.info }

// Run executes one forward pass. Output tensors are copied out of
// runtime-owned memory before being returned, so callers own them outright.
func (e *OrtEngine) Run(input *tensor.Dense) ([]*tensor.Dense, error) {
	shape := input.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}

	in, err := ort.NewTensor(ort.NewShape(dims...), input.Data().([]float32))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	outs := make([]ort.Value, len(e.outputNames))
	if err := e.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	results := make([]*tensor.Dense, 0, len(outs))
	for _, o := range outs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			o.Destroy()
			return nil, fmt.Errorf("model produced a non-float32 output tensor")
		}
		src := t.GetData()
		data := make([]float32, len(src))
		copy(data, src)

		oshape := t.GetShape()
		ints := make([]int, len(oshape))
		for i, d := range oshape {
			ints[i] = int(d)
		}
		results = append(results, tensor.New(tensor.WithShape(ints...), tensor.WithBacking(data)))
		t.Destroy()
	}
	return results, nil
}

func (e *OrtEngine) Close() error {
	err := e.session.Destroy()
	if e.opts != nil {
		e.opts.Destroy()
	}
	return err
}
