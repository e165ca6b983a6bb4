package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/liverelay/logger"
)

// SourceHandler is a Handler backed by an Opener. At most one source is live;
// starting another stops the current one first.
type SourceHandler struct {
	opener  Opener
	sampler *Sampler

	mu      sync.Mutex
	current Source
	webcam  bool
	screen  bool
	front   bool
	onFrame func([]byte)
	gen     uint64
}

// NewSourceHandler creates a handler sampling frames every interval.
func NewSourceHandler(opener Opener, interval time.Duration) *SourceHandler {
	return &SourceHandler{
		opener:  opener,
		sampler: NewSampler(interval),
		front:   true,
	}
}

// StartWebcam opens the front or rear camera.
func (h *SourceHandler) StartWebcam(ctx context.Context, front bool) error {
	src, err := h.opener.OpenWebcam(ctx, front)
	if err != nil {
		return fmt.Errorf("webcam access error: %w", err)
	}
	h.install(src)

	h.mu.Lock()
	h.webcam = true
	h.front = front
	h.mu.Unlock()
	return nil
}

// StartScreenShare opens a screen capture source. If the source ends by
// itself, everything is stopped.
func (h *SourceHandler) StartScreenShare(ctx context.Context) error {
	src, err := h.opener.OpenScreen(ctx)
	if err != nil {
		return fmt.Errorf("screen share error: %w", err)
	}
	gen := h.install(src)

	h.mu.Lock()
	h.screen = true
	h.mu.Unlock()

	if e, ok := src.(Ender); ok {
		go func() {
			<-e.Done()
			h.stopIfCurrent(gen)
		}()
	}
	return nil
}

// SwitchCamera restarts the webcam with the other facing mode and resumes
// frame capture if it was running.
func (h *SourceHandler) SwitchCamera(ctx context.Context) error {
	h.mu.Lock()
	active, front, onFrame := h.webcam, h.front, h.onFrame
	h.mu.Unlock()
	if !active {
		return ErrWebcamInactive
	}

	h.StopAll()
	if err := h.StartWebcam(ctx, !front); err != nil {
		return err
	}
	if onFrame != nil {
		h.StartFrameCapture(onFrame)
	}
	return nil
}

// StartFrameCapture samples the current source into onFrame.
func (h *SourceHandler) StartFrameCapture(onFrame func([]byte)) {
	h.mu.Lock()
	h.onFrame = onFrame
	src := h.current
	h.mu.Unlock()

	if src == nil {
		return
	}
	h.sampler.Start(src, onFrame)
}

// StopAll stops frame capture and closes the current source.
func (h *SourceHandler) StopAll() {
	h.sampler.Stop()

	h.mu.Lock()
	src := h.current
	h.current = nil
	h.webcam = false
	h.screen = false
	h.gen++
	h.mu.Unlock()

	if src != nil {
		if err := src.Close(); err != nil {
			logger.Debug("closing video source", "error", err)
		}
	}
}

func (h *SourceHandler) install(src Source) uint64 {
	h.mu.Lock()
	had := h.current != nil
	h.mu.Unlock()
	if had {
		h.StopAll()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = src
	h.gen++
	return h.gen
}

func (h *SourceHandler) stopIfCurrent(gen uint64) {
	h.mu.Lock()
	current := h.gen == gen
	h.mu.Unlock()
	if current {
		h.StopAll()
	}
}

// WebcamActive reports whether a webcam source is live.
func (h *SourceHandler) WebcamActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.webcam
}

// ScreenActive reports whether a screen share is live.
func (h *SourceHandler) ScreenActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.screen
}

// FrontCamera reports the facing mode of the last started webcam.
func (h *SourceHandler) FrontCamera() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.front
}
