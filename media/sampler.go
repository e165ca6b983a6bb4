package media

import (
	"sync"
	"time"

	"github.com/AltairaLabs/liverelay/logger"
)

// Sampler takes a snapshot from a Source every interval and hands it to a
// callback. Failed snapshots are skipped.
type Sampler struct {
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSampler creates a Sampler. A non-positive interval uses DefaultFrameInterval.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Sampler{interval: interval}
}

// Start begins sampling src, replacing any previous run.
func (s *Sampler) Start(src Source, onFrame func([]byte)) {
	s.Stop()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.stop, s.done = stop, done
	s.mu.Unlock()

	go s.run(src, onFrame, stop, done)
}

func (s *Sampler) run(src Source, onFrame func([]byte), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, err := src.Snapshot()
			if err != nil {
				logger.Debug("frame snapshot failed", "error", err)
				continue
			}
			if len(frame) > 0 {
				onFrame(frame)
			}
		}
	}
}

// Stop ends sampling and waits for the sampling goroutine to exit.
// It must not be called from the frame callback.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the sampler is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}
