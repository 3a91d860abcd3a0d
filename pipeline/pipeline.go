// Package pipeline assembles the per-cycle batch from the capture workers
// and drives it through preprocessing, inference, decoding and annotation,
// handing the annotated frames to the emission boundary.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"gridcam/capture"
	"gridcam/detection"
	"gridcam/observe"
	"gridcam/overlay"
)

// Slot holds one camera's contribution to a batch: either a frame or a
// fault, never both. A faulted slot flows downstream as a placeholder that
// decodes to zero detections.
type Slot struct {
	Image *image.RGBA
	Fault *capture.Fault
}

// Batch is the fixed-size, ordered per-cycle collection. Slot order is
// stable for the batch's lifetime and maps 1:1 to camera identity.
type Batch struct {
	Slots []Slot
}

// Emitter is the display/transport boundary. It receives, per cycle, one
// annotated image or an error string per slot. Implementations must not
// block the pipeline on slow consumers.
type Emitter interface {
	EmitFrame(slot int, img *image.RGBA, errMsg string)
}

// Params carries the pipeline's collaborators, all constructed once before
// the run.
type Params struct {
	Workers     []*capture.Worker
	Pre         *detection.Preprocessor
	Post        *detection.Postprocessor
	Engine      detection.Engine
	Renderer    *overlay.Renderer
	Emitter     Emitter
	Metrics     *observe.Metrics
	Log         *slog.Logger
	SlotTimeout time.Duration
	Plot        bool
	Profile     bool
}

// Pipeline runs the capture-to-emission loop.
type Pipeline struct {
	workers     []*capture.Worker
	pre         *detection.Preprocessor
	post        *detection.Postprocessor
	engine      detection.Engine
	renderer    *overlay.Renderer
	emitter     Emitter
	metrics     *observe.Metrics
	log         *slog.Logger
	slotTimeout time.Duration
	plot        bool
	profile     bool

	lastDropped []int64
}

func New(p Params) *Pipeline {
	return &Pipeline{
		workers:     p.Workers,
		pre:         p.Pre,
		post:        p.Post,
		engine:      p.Engine,
		renderer:    p.Renderer,
		emitter:     p.Emitter,
		metrics:     p.Metrics,
		log:         p.Log,
		slotTimeout: p.SlotTimeout,
		plot:        p.Plot,
		profile:     p.Profile,
		lastDropped: make([]int64, len(p.Workers)),
	}
}

// Reconfigure routes a camera-change request to the owning worker. Invalid
// slot indices are ignored.
func (p *Pipeline) Reconfigure(slot, device int) {
	if slot < 0 || slot >= len(p.workers) {
		p.log.Warn("ignoring reconfiguration for invalid slot", "slot", slot, "device", device)
		return
	}
	p.log.Info("reconfiguring camera", "slot", slot, "device", device)
	p.workers[slot].Reconfigure(device)
	p.metrics.Reconfigurations.Add(context.Background(), 1)
}

// Run starts all capture workers and loops cycles until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *capture.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	defer wg.Wait()

	p.log.Info("pipeline running", "cameras", len(p.workers))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.cycle(ctx)
	}
}

// cycle performs one full batch iteration. Camera faults are contained at
// the slot level; an engine failure abandons the cycle and the next one
// starts fresh.
func (p *Pipeline) cycle(ctx context.Context) {
	cycleStart := time.Now()

	batch := p.gather(ctx)
	gatherTime := time.Since(cycleStart)
	p.metrics.GatherDuration.Record(ctx, gatherTime.Seconds())
	p.recordDrops(ctx)
	if ctx.Err() != nil {
		return
	}

	n := len(batch.Slots)
	imgs := make([]*image.RGBA, n)
	sizes := make([]image.Point, n)
	for i, s := range batch.Slots {
		if s.Fault != nil {
			continue
		}
		imgs[i] = s.Image
		b := s.Image.Bounds()
		sizes[i] = image.Pt(b.Dx(), b.Dy())
	}

	start := time.Now()
	input, err := p.pre.Run(ctx, imgs)
	if err != nil {
		p.log.Error("preprocess failed, abandoning cycle", "err", err)
		p.metrics.CyclesAbandoned.Add(ctx, 1)
		return
	}
	preTime := time.Since(start)
	p.metrics.PreprocessDuration.Record(ctx, preTime.Seconds())

	start = time.Now()
	outs, err := p.engine.Run(input)
	if err != nil {
		p.log.Error("inference failed, abandoning cycle", "err", err)
		p.metrics.CyclesAbandoned.Add(ctx, 1)
		return
	}
	runTime := time.Since(start)
	p.metrics.InferenceDuration.Record(ctx, runTime.Seconds())

	start = time.Now()
	results, err := p.post.Run(ctx, outs, sizes)
	if err != nil {
		p.log.Error("postprocess failed, abandoning cycle", "err", err)
		p.metrics.CyclesAbandoned.Add(ctx, 1)
		return
	}
	postTime := time.Since(start)
	p.metrics.PostprocessDuration.Record(ctx, postTime.Seconds())

	start = time.Now()
	g, _ := errgroup.WithContext(ctx)
	for i := range batch.Slots {
		i := i
		g.Go(func() error {
			s := batch.Slots[i]
			if s.Fault != nil {
				p.emitter.EmitFrame(i, nil, s.Fault.Error())
				return nil
			}
			if p.plot {
				p.renderer.Annotate(s.Image, results[i])
			}
			p.emitter.EmitFrame(i, s.Image, "")
			return nil
		})
	}
	g.Wait()
	annotateTime := time.Since(start)
	p.metrics.AnnotateDuration.Record(ctx, annotateTime.Seconds())

	total := time.Since(cycleStart)
	p.metrics.CycleDuration.Record(ctx, total.Seconds())
	if p.profile {
		p.log.Info("cycle timing",
			"gather", gatherTime,
			"preprocess", preTime,
			"inference", runTime,
			"postprocess", postTime,
			"annotate", annotateTime,
			"total", total,
		)
	}
}

// gather performs one receive per slot, across all slots simultaneously, so
// one slow camera delays the batch by at most the slot timeout instead of
// serializing behind every earlier slot. A slot that delivers nothing in
// time is filled with a stall marker; every cycle fills all slots.
func (p *Pipeline) gather(ctx context.Context) Batch {
	slots := make([]Slot, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *capture.Worker) {
			defer wg.Done()
			timer := time.NewTimer(p.slotTimeout)
			defer timer.Stop()
			select {
			case r := <-w.Frames():
				if r.Fault != nil {
					slots[i] = Slot{Fault: r.Fault}
				} else {
					slots[i] = Slot{Image: r.Image}
				}
			case <-timer.C:
				slots[i] = Slot{Fault: &capture.Fault{
					Kind: capture.FaultStalled,
					Slot: i,
					Msg:  fmt.Sprintf("no frame within %s", p.slotTimeout),
				}}
			case <-ctx.Done():
				slots[i] = Slot{Fault: &capture.Fault{
					Kind: capture.FaultStalled,
					Slot: i,
					Msg:  "shutting down",
				}}
			}
		}(i, w)
	}
	wg.Wait()

	for i, s := range slots {
		if s.Fault != nil {
			p.metrics.CaptureFaults.Add(ctx, 1, metric.WithAttributes(
				attribute.Int("slot", i),
				attribute.String("kind", s.Fault.Kind.String()),
			))
		}
	}
	return Batch{Slots: slots}
}

// recordDrops publishes the per-worker backpressure drop deltas since the
// previous cycle.
func (p *Pipeline) recordDrops(ctx context.Context) {
	for i, w := range p.workers {
		d := w.Dropped()
		if delta := d - p.lastDropped[i]; delta > 0 {
			p.metrics.DroppedFrames.Add(ctx, delta, metric.WithAttributes(attribute.Int("slot", i)))
		}
		p.lastDropped[i] = d
	}
}
