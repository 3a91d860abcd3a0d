// Package capture runs one worker goroutine per camera slot. Each worker
// exclusively owns its device handle and communicates with the rest of the
// pipeline only through channels: a bounded frame channel with a
// drop-newest policy and a dedicated single-slot reconfiguration channel, so
// a pending camera change can never be starved by a full frame channel.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sentinel errors returned by Device implementations. Workers map them to
// fault kinds with errors.Is.
var (
	ErrRead    = errors.New("could not read frame from device")
	ErrConvert = errors.New("could not convert frame to image")
)

// FaultKind tags a capture fault.
type FaultKind int

const (
	// FaultDeviceMissing means the slot has no open device; reconfiguration
	// is the only way out.
	FaultDeviceMissing FaultKind = iota

	// FaultReadFailed means the device refused to deliver a frame.
	FaultReadFailed

	// FaultConversionFailed means a frame was read but could not be decoded
	// into an image.
	FaultConversionFailed

	// FaultStalled is produced by the aggregator, not by workers, when a
	// slot delivers nothing within the cycle's slot timeout.
	FaultStalled
)

func (k FaultKind) String() string {
	switch k {
	case FaultDeviceMissing:
		return "device-missing"
	case FaultReadFailed:
		return "read-failed"
	case FaultConversionFailed:
		return "conversion-failed"
	case FaultStalled:
		return "stalled"
	default:
		return fmt.Sprintf("fault(%d)", int(k))
	}
}

// Fault is a per-camera recoverable error. It never terminates the pipeline;
// the slot keeps reporting faults until a capture attempt succeeds.
type Fault struct {
	Kind FaultKind
	Slot int
	Msg  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("camera slot %d [%s]: %s", f.Slot, f.Kind, f.Msg)
}

// Result is one message on a worker's frame channel: exactly one of Image or
// Fault is set.
type Result struct {
	Slot  int
	Image *image.RGBA
	Fault *Fault
}

// Properties are the device properties applied when a camera is opened.
type Properties struct {
	Width  int
	Height int
	FPS    int
}

// Device is an open camera handle. Implementations are owned by exactly one
// worker and are never shared.
type Device interface {
	// Grab reads and decodes the next frame. Failures wrap ErrRead or
	// ErrConvert.
	Grab() (*image.RGBA, error)
	Close() error
}

// Opener opens the camera at the given device index.
type Opener func(index int, props Properties) (Device, error)

const (
	// dropBackoff is the pause after discarding a frame because the
	// aggregator has not consumed the previous one yet.
	dropBackoff = 10 * time.Millisecond

	// faultBackoff is the pause after a failed or impossible capture.
	faultBackoff = 75 * time.Millisecond
)

// Worker continuously captures frames for one camera slot. The zero value is
// not usable; construct with NewWorker.
type Worker struct {
	slot  int
	open  Opener
	props Properties
	log   *slog.Logger

	frames chan Result
	reconf chan int

	dev      Device
	devIndex int

	dropped atomic.Int64

	// Backoff intervals, overridable in tests.
	DropBackoff  time.Duration
	FaultBackoff time.Duration
}

// NewWorker creates a worker for the given slot. The initial device is opened
// lazily inside Run via the reconfiguration path, so a camera that is absent
// at startup behaves exactly like one unplugged later.
func NewWorker(slot, initialIndex int, open Opener, props Properties, log *slog.Logger) *Worker {
	w := &Worker{
		slot:         slot,
		open:         open,
		props:        props,
		log:          log.With("slot", slot),
		frames:       make(chan Result, 1),
		reconf:       make(chan int, 1),
		DropBackoff:  dropBackoff,
		FaultBackoff: faultBackoff,
	}
	w.reconf <- initialIndex
	return w
}

// Frames is the worker's outbound channel, consumed by the aggregator.
func (w *Worker) Frames() <-chan Result { return w.frames }

// Dropped reports how many frames were discarded due to backpressure.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// Reconfigure asks the worker to switch to a new device index. A still
// pending request is replaced rather than queued; only the latest choice
// matters.
func (w *Worker) Reconfigure(index int) {
	select {
	case <-w.reconf:
	default:
	}
	select {
	case w.reconf <- index:
	default:
	}
}

// Run executes the capture loop until ctx is cancelled. Device failures are
// reported as faults and retried forever; only cancellation terminates the
// worker.
func (w *Worker) Run(ctx context.Context) {
	defer w.closeDevice()

	for {
		select {
		case <-ctx.Done():
			return
		case index := <-w.reconf:
			w.swapDevice(index)
		default:
		}

		if w.dev == nil {
			if !w.sendFault(ctx, FaultDeviceMissing, "no open device, awaiting reconfiguration") {
				return
			}
			if !sleepCtx(ctx, w.FaultBackoff) {
				return
			}
			continue
		}

		img, err := w.dev.Grab()
		if err != nil {
			kind := FaultReadFailed
			if errors.Is(err, ErrConvert) {
				kind = FaultConversionFailed
			}
			if !w.sendFault(ctx, kind, err.Error()) {
				return
			}
			if !sleepCtx(ctx, w.FaultBackoff) {
				return
			}
			continue
		}

		select {
		case w.frames <- Result{Slot: w.slot, Image: img}:
		default:
			// Downstream still holds the previous frame; latest-available
			// semantics say discard rather than queue.
			w.dropped.Add(1)
			if !sleepCtx(ctx, w.DropBackoff) {
				return
			}
		}
	}
}

// sendFault delivers a fault with a blocking send. Fault reporting must not
// be dropped; only cancellation releases the worker.
func (w *Worker) sendFault(ctx context.Context, kind FaultKind, msg string) bool {
	f := &Fault{Kind: kind, Slot: w.slot, Msg: msg}
	select {
	case w.frames <- Result{Slot: w.slot, Fault: f}:
		return true
	case <-ctx.Done():
		return false
	}
}

// swapDevice replaces the camera handle wholesale. On open failure the slot
// is left without a device and reports FaultDeviceMissing until the next
// successful reconfiguration.
func (w *Worker) swapDevice(index int) {
	w.closeDevice()

	dev, err := w.open(index, w.props)
	if err != nil {
		w.log.Warn("camera open failed", "device", index, "err", err)
		return
	}
	w.dev = dev
	w.devIndex = index
	w.log.Info("camera opened", "device", index)
}

func (w *Worker) closeDevice() {
	if w.dev != nil {
		if err := w.dev.Close(); err != nil {
			w.log.Warn("camera close failed", "device", w.devIndex, "err", err)
		}
		w.dev = nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
