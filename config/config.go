// Package config loads and validates the immutable runtime configuration for
// the gridcam pipeline. The configuration is read once at startup; changing
// model parameters requires tearing the pipeline down and rebuilding it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "2s" or "500ms". Plain integers are
// taken as nanoseconds, matching time.Duration's underlying unit.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Task names accepted in the model section.
const (
	TaskDetect   = "detect"
	TaskSegment  = "segment"
	TaskPose     = "pose"
	TaskClassify = "classify"
)

// CaptureSettings are the properties applied to every opened camera device.
type CaptureSettings struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// ModelSettings describe the ONNX model and its decode parameters.
type ModelSettings struct {
	// Path to the ONNX model file.
	Path string `yaml:"path"`

	// Task selects the decode variant: detect, segment, pose or classify.
	Task string `yaml:"task"`

	// Names are the class names, indexed by class id. When shorter than NC
	// the remainder is filled with "class<N>" placeholders.
	Names []string `yaml:"names"`

	NC int `yaml:"nc"` // number of classes
	NK int `yaml:"nk"` // number of keypoints (pose only)
	NM int `yaml:"nm"` // number of mask coefficients (segment only)

	// Width and Height are the model input dimensions.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Conf is the confidence threshold. Candidates scoring exactly Conf are
	// kept; strictly below are dropped.
	Conf float32 `yaml:"conf"`

	// IoU is the non-max suppression overlap threshold.
	IoU float32 `yaml:"iou"`

	// KConf is the per-keypoint confidence threshold (pose only).
	KConf float32 `yaml:"kconf"`
}

// ServerSettings configure the websocket/metrics HTTP server.
type ServerSettings struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ORTSettings configure the ONNX Runtime shared library and execution
// provider.
type ORTSettings struct {
	LibraryPath string `yaml:"library_path"`

	// Provider is auto, cpu or cuda. Auto (the default) prefers CUDA when
	// an NVIDIA GPU is visible and falls back to CPU.
	Provider string `yaml:"provider"`
}

// Config is the full runtime configuration.
type Config struct {
	// Cameras maps batch slot index to the initial camera device index.
	// Its length fixes the batch size for the whole run.
	Cameras []int `yaml:"cameras"`

	Capture CaptureSettings `yaml:"capture"`
	Model   ModelSettings   `yaml:"model"`
	Server  ServerSettings  `yaml:"server"`
	ORT     ORTSettings     `yaml:"ort"`

	// FontPath is an optional TTF file for annotation labels. When empty a
	// built-in bitmap face is used.
	FontPath string `yaml:"font_path"`

	// SlotTimeout bounds how long one cycle waits for a single camera slot
	// before substituting a stall marker.
	SlotTimeout Duration `yaml:"slot_timeout"`

	// PollInterval is how often available camera indices are probed and
	// published to connected clients.
	PollInterval Duration `yaml:"poll_interval"`

	// Plot enables drawing annotations onto the outgoing frames.
	Plot bool `yaml:"plot"`

	// Profile enables per-stage duration logging.
	Profile bool `yaml:"profile"`
}

// Default returns the configuration used when a field is absent from the
// file. Capture and model defaults follow the original deployment: 640x480
// capture at 30 fps feeding a 512x512 model with 0.5 thresholds.
func Default() *Config {
	return &Config{
		Cameras: []int{0, 0, 0},
		Capture: CaptureSettings{Width: 640, Height: 480, FPS: 30},
		Model: ModelSettings{
			Path:   "./models/yolov8n.onnx",
			Task:   TaskDetect,
			NC:     5,
			Width:  512,
			Height: 512,
			Conf:   0.5,
			IoU:    0.5,
			KConf:  0.5,
		},
		Server:       ServerSettings{ListenAddr: ":8080"},
		SlotTimeout:  Duration(2 * time.Second),
		PollInterval: Duration(30 * time.Second),
		Plot:         true,
	}
}

// Load reads the YAML file at path, merges it over the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements, in particular that the selected
// task carries the fields its decoder needs.
func (c *Config) Validate() error {
	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera slot is required")
	}
	for slot, idx := range c.Cameras {
		if idx < 0 {
			return fmt.Errorf("camera slot %d: negative device index %d", slot, idx)
		}
	}

	m := &c.Model
	switch m.Task {
	case TaskDetect, TaskClassify:
	case TaskSegment:
		if m.NM <= 0 {
			return fmt.Errorf("task %q requires nm > 0", m.Task)
		}
	case TaskPose:
		if m.NK <= 0 {
			return fmt.Errorf("task %q requires nk > 0", m.Task)
		}
	default:
		return fmt.Errorf("unknown task %q", m.Task)
	}

	if m.NC <= 0 {
		return fmt.Errorf("nc must be positive, got %d", m.NC)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("model input size %dx%d is invalid", m.Width, m.Height)
	}
	for name, v := range map[string]float32{"conf": m.Conf, "iou": m.IoU, "kconf": m.KConf} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.SlotTimeout <= 0 {
		return fmt.Errorf("slot_timeout must be positive")
	}
	return nil
}

// ClassNames returns the class name table padded to nc entries.
func (c *Config) ClassNames() []string {
	names := make([]string, c.Model.NC)
	for i := range names {
		if i < len(c.Model.Names) {
			names[i] = c.Model.Names[i]
		} else {
			names[i] = fmt.Sprintf("class%d", i)
		}
	}
	return names
}
