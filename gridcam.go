package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"gridcam/broadcast"
	"gridcam/capture"
	"gridcam/config"
	"gridcam/detection"
	"gridcam/observe"
	"gridcam/overlay"
	"gridcam/pipeline"
)

const version = "0.3.0"

var (
	configPath = flag.String("config", "gridcam.yaml", "Path to the YAML configuration file")
	logLevel   = flag.String("log-level", "info", "Minimum log level: debug, info, warn or error")
	profile    = flag.Bool("profile", false, "Log per-stage cycle timings (overrides the config file)")
)

func main() {
	flag.Parse()

	log := newLogger(*logLevel)
	if err := run(log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log.Warn("config file missing, using defaults", "path", *configPath)
		cfg = config.Default()
	}
	if *profile {
		cfg.Profile = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, version)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("build instruments: %w", err)
	}

	task, err := detection.ParseTask(cfg.Model.Task)
	if err != nil {
		return err
	}
	modelCfg := detection.ModelConfig{
		Task:   task,
		Batch:  len(cfg.Cameras),
		Width:  cfg.Model.Width,
		Height: cfg.Model.Height,
		NC:     cfg.Model.NC,
		NK:     cfg.Model.NK,
		NM:     cfg.Model.NM,
		Conf:   cfg.Model.Conf,
		IoU:    cfg.Model.IoU,
		KConf:  cfg.Model.KConf,
		Names:  cfg.ClassNames(),
	}
	if err := modelCfg.Validate(); err != nil {
		return err
	}

	provider, err := detection.ParseProvider(cfg.ORT.Provider)
	if err != nil {
		return err
	}
	engine, err := detection.NewOrtEngine(cfg.Model.Path, cfg.ORT.LibraryPath, provider)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer engine.Close()
	info := engine.ProviderInfo()
	log.Info("model loaded",
		"path", cfg.Model.Path,
		"task", task,
		"input", fmt.Sprintf("%dx%d", cfg.Model.Width, cfg.Model.Height),
		"classes", cfg.Model.NC,
		"conf", cfg.Model.Conf,
		"iou", cfg.Model.IoU,
		"provider", info.Type,
		"device", info.Device,
	)

	post, err := detection.NewPostprocessor(modelCfg)
	if err != nil {
		return err
	}
	renderer, err := overlay.NewRenderer(task, modelCfg.Names, cfg.FontPath)
	if err != nil {
		return err
	}

	props := capture.Properties{
		Width:  cfg.Capture.Width,
		Height: cfg.Capture.Height,
		FPS:    cfg.Capture.FPS,
	}
	workers := make([]*capture.Worker, len(cfg.Cameras))
	for slot, devIndex := range cfg.Cameras {
		workers[slot] = capture.NewWorker(slot, devIndex, capture.OpenDevice, props, log)
	}
	log.Info("capture workers configured", "slots", len(workers), "devices", cfg.Cameras)

	hub := broadcast.NewHub(log)
	pipe := pipeline.New(pipeline.Params{
		Workers:     workers,
		Pre:         detection.NewPreprocessor(modelCfg),
		Post:        post,
		Engine:      engine,
		Renderer:    renderer,
		Emitter:     hub,
		Metrics:     metrics,
		Log:         log,
		SlotTimeout: cfg.SlotTimeout.Std(),
		Plot:        cfg.Plot,
		Profile:     cfg.Profile,
	})
	hub.SetReconfigurer(pipe)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Serve(ctx, cfg.Server.ListenAddr) })
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error {
		pollCameras(ctx, hub, cfg.PollInterval.Std(), log)
		return nil
	})

	log.Info("gridcam started", "version", version, "addr", cfg.Server.ListenAddr)
	err = g.Wait()
	log.Info("gridcam stopped")
	return err
}

// pollCameras periodically probes which device indices answer and announces
// the set to connected clients, so the viewer's camera picker stays current
// as devices come and go.
func pollCameras(ctx context.Context, hub *broadcast.Hub, interval time.Duration, log *slog.Logger) {
	const maxProbe = 10

	hub.AnnounceCameras(capture.Probe(maxProbe))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			indices := capture.Probe(maxProbe)
			log.Debug("camera probe", "available", indices)
			hub.AnnounceCameras(indices)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
