package detection

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// Provider selects the ONNX Runtime execution provider. Auto tries CUDA
// first when the host shows a usable NVIDIA GPU and falls back to CPU.
type Provider string

const (
	ProviderAuto Provider = "auto"
	ProviderCPU  Provider = "cpu"
	ProviderCUDA Provider = "cuda"
)

// ParseProvider converts a config string into a Provider. The empty string
// means auto.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case "":
		return ProviderAuto, nil
	case ProviderAuto, ProviderCPU, ProviderCUDA:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// ProviderInfo describes which execution provider the session ended up on.
type ProviderInfo struct {
	Type     string
	Device   string
	InitTime time.Duration
}

// hasGPUCapability reports whether the host has a visible NVIDIA GPU. A
// missing or failing nvidia-smi means CPU.
func hasGPUCapability() (string, bool) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return "", false
	}
	out, err := exec.Command(path, "-L").Output()
	if err != nil {
		return "", false
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	if !strings.HasPrefix(line, "GPU") {
		return "", false
	}
	return line, true
}

// sessionOptions builds the runtime session options for the requested
// provider. With auto, a failed CUDA setup degrades to CPU instead of
// failing the whole engine.
func sessionOptions(p Provider) (*ort.SessionOptions, ProviderInfo, error) {
	start := time.Now()

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, ProviderInfo{}, fmt.Errorf("create session options: %w", err)
	}

	if p == ProviderCPU {
		return opts, ProviderInfo{Type: "CPU", Device: "cpu", InitTime: time.Since(start)}, nil
	}

	device, hasGPU := hasGPUCapability()
	if !hasGPU {
		if p == ProviderCUDA {
			opts.Destroy()
			return nil, ProviderInfo{}, fmt.Errorf("provider cuda requested but no NVIDIA GPU is visible")
		}
		return opts, ProviderInfo{Type: "CPU", Device: "cpu", InitTime: time.Since(start)}, nil
	}

	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err == nil {
		err = opts.AppendExecutionProviderCUDA(cudaOpts)
		cudaOpts.Destroy()
	}
	if err != nil {
		if p == ProviderCUDA {
			opts.Destroy()
			return nil, ProviderInfo{}, fmt.Errorf("enable CUDA provider: %w", err)
		}
		// Auto mode: GPU is present but the CUDA provider is not usable,
		// continue on CPU.
		return opts, ProviderInfo{Type: "CPU", Device: "cpu", InitTime: time.Since(start)}, nil
	}

	return opts, ProviderInfo{Type: "GPU", Device: device, InitTime: time.Since(start)}, nil
}
