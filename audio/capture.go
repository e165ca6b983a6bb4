package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AltairaLabs/liverelay/logger"
)

// Capture defaults.
const (
	DefaultChunkSamples = 2048
	DefaultChunkDepth   = 64
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCaptureSampleRate sets the microphone sample rate.
func WithCaptureSampleRate(rate int) RecorderOption {
	return func(r *Recorder) { r.sampleRate = rate }
}

// WithChunkSamples sets the number of samples per emitted chunk.
func WithChunkSamples(n int) RecorderOption {
	return func(r *Recorder) { r.chunkSamples = n }
}

// WithChunkDepth sets how many chunks may wait for delivery before new ones are dropped.
func WithChunkDepth(n int) RecorderOption {
	return func(r *Recorder) { r.depth = n }
}

// WithCaptureMeter taps every captured frame into m.
func WithCaptureMeter(m *VolumeMeter) RecorderOption {
	return func(r *Recorder) { r.meter = m }
}

// Recorder captures microphone audio and emits fixed-size PCM16 chunks.
type Recorder struct {
	devices      Devices
	sampleRate   int
	chunkSamples int
	depth        int
	meter        *VolumeMeter

	flight singleflight.Group

	mu        sync.Mutex
	mic       Microphone
	sink      FrameSink
	enc       *encoder
	done      chan struct{}
	finished  chan struct{} // closed when the delivery goroutine exits
	starting  int           // Start calls past the recording check
	started   *sync.Cond    // signalled when starting drops to zero
	recording bool
	muted     bool

	// delivering is held while the handler runs.
	delivering sync.Mutex
	handler    atomic.Pointer[func(Chunk)]

	dropped atomic.Uint64
	lastLog atomic.Int64
}

// NewRecorder creates a Recorder over devices.
func NewRecorder(devices Devices, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		devices:      devices,
		sampleRate:   SampleRate16kHz,
		chunkSamples: DefaultChunkSamples,
		depth:        DefaultChunkDepth,
	}
	r.started = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnData sets the chunk handler. It runs on a delivery goroutine, never on the
// device goroutine, and receives chunks in capture order. It must not call Stop.
func (r *Recorder) OnData(fn func(Chunk)) {
	if fn == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&fn)
}

// Detach clears the chunk handler and waits for a delivery already in progress
// to return. No chunk reaches the previous handler once Detach returns. It must
// not be called from the handler.
func (r *Recorder) Detach() {
	r.handler.Store(nil)
	r.delivering.Lock()
	defer r.delivering.Unlock()
}

// Start acquires the microphone and begins emitting chunks. Concurrent callers
// share one acquisition; calling Start while recording is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	r.starting++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.starting--
		if r.starting == 0 {
			r.started.Broadcast()
		}
		r.mu.Unlock()
	}()

	_, err, _ := r.flight.Do("start", func() (any, error) {
		return nil, r.start(ctx)
	})
	return err
}

func (r *Recorder) start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	mic, err := r.devices.AcquireMicrophone(ctx, r.sampleRate)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	chunks := make(chan Chunk, r.depth)
	done := make(chan struct{})
	enc := newEncoder(r.chunkSamples, func(c Chunk) {
		select {
		case chunks <- c:
		default:
			r.drop()
		}
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	r.enc = enc
	r.sink = enc
	if r.meter != nil {
		r.sink = teeSink{enc, r.meter}
	}
	r.mic = mic
	r.done = done
	r.finished = make(chan struct{})
	go r.deliver(chunks, done, r.finished)

	mic.Connect(r.sink)
	r.recording = true
	r.muted = false
	logger.Debug("recording started", "sample_rate", r.sampleRate, "chunk_samples", r.chunkSamples)
	return nil
}

func (r *Recorder) deliver(chunks <-chan Chunk, done <-chan struct{}, finished chan<- struct{}) {
	defer close(finished)
	for {
		select {
		case <-done:
			return
		case c := <-chunks:
			r.delivering.Lock()
			if h := r.handler.Load(); h != nil {
				(*h)(c)
			}
			r.delivering.Unlock()
		}
	}
}

func (r *Recorder) drop() {
	n := r.dropped.Add(1)
	now := time.Now().UnixNano()
	last := r.lastLog.Load()
	if now-last > int64(time.Second) && r.lastLog.CompareAndSwap(last, now) {
		logger.Warn("dropping audio chunks, consumer is too slow", "dropped", n)
	}
}

// Mute stops feeding the encoder without releasing the microphone.
func (r *Recorder) Mute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mic == nil || r.muted {
		return
	}
	r.mic.Disconnect()
	r.muted = true
}

// Unmute reconnects the microphone to the encoder. Buffered samples are kept.
func (r *Recorder) Unmute() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mic == nil || !r.muted {
		return
	}
	r.mic.Connect(r.sink)
	r.muted = false
}

// Stop waits for in-flight Start calls, then releases the microphone and resets
// all capture state. It is safe to call when idle.
func (r *Recorder) Stop() {
	r.mu.Lock()
	for r.starting > 0 {
		r.started.Wait()
	}
	mic, done, finished, enc := r.mic, r.done, r.finished, r.enc
	r.mic, r.done, r.finished, r.enc, r.sink = nil, nil, nil, nil, nil
	r.recording = false
	r.muted = false
	r.mu.Unlock()

	if mic != nil {
		mic.Disconnect()
		if err := mic.Close(); err != nil {
			logger.Warn("failed to release microphone", "error", err)
		}
	}
	if done != nil {
		close(done)
		<-finished
	}
	if enc != nil {
		enc.reset()
	}
}

// Recording reports whether the microphone is held.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Muted reports whether capture is muted.
func (r *Recorder) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Dropped returns how many chunks were discarded because delivery fell behind.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// encoder quantizes frames into a fixed ring and emits a chunk each time it fills.
type encoder struct {
	buf  []int16
	idx  int
	emit func(Chunk)
}

func newEncoder(size int, emit func(Chunk)) *encoder {
	if size <= 0 {
		size = DefaultChunkSamples
	}
	return &encoder{buf: make([]int16, size), emit: emit}
}

// ProcessFrame implements FrameSink.
func (e *encoder) ProcessFrame(samples []float32) {
	for _, s := range samples {
		e.buf[e.idx] = Quantize(s)
		e.idx++
		if e.idx == len(e.buf) {
			e.flush()
		}
	}
}

func (e *encoder) flush() {
	out := make([]byte, len(e.buf)*bytesPerSample)
	for i, v := range e.buf {
		out[i*bytesPerSample] = byte(v)
		out[i*bytesPerSample+1] = byte(uint16(v) >> 8) //nolint:gosec // two's complement
	}
	e.idx = 0
	e.emit(Chunk{PCM: out})
}

func (e *encoder) reset() {
	e.idx = 0
}

type teeSink []FrameSink

func (t teeSink) ProcessFrame(samples []float32) {
	for _, s := range t {
		s.ProcessFrame(samples)
	}
}
