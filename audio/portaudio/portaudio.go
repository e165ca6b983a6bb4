//go:build portaudio

// Package portaudio implements audio.Devices on top of PortAudio.
//
// Build with -tags portaudio; the PortAudio C library must be installed.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/logger"
)

const (
	// DefaultInputFrames is 100ms of audio at 16kHz.
	DefaultInputFrames = 1600
	// DefaultOutputFrames is 40ms of audio at 24kHz.
	DefaultOutputFrames = 960
)

// Devices opens PortAudio default input and output devices.
type Devices struct {
	InputFrames  int
	OutputFrames int
}

// Open initializes PortAudio. Call Close when done.
func Open() (*Devices, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &Devices{InputFrames: DefaultInputFrames, OutputFrames: DefaultOutputFrames}, nil
}

// Close terminates PortAudio.
func (d *Devices) Close() error {
	return portaudio.Terminate()
}

// AcquireMicrophone implements audio.Devices.
func (d *Devices) AcquireMicrophone(_ context.Context, sampleRate int) (audio.Microphone, error) {
	m := &microphone{}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), d.InputFrames, m.callback)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	m.stream = stream
	logger.Debug("microphone opened", "sample_rate", sampleRate, "frames", d.InputFrames)
	return m, nil
}

type sinkRef struct {
	sink audio.FrameSink
}

type microphone struct {
	stream *portaudio.Stream
	sink   atomic.Pointer[sinkRef]
	once   sync.Once
}

func (m *microphone) callback(in []float32) {
	if ref := m.sink.Load(); ref != nil {
		ref.sink.ProcessFrame(in)
	}
}

func (m *microphone) Connect(sink audio.FrameSink) {
	m.sink.Store(&sinkRef{sink: sink})
}

func (m *microphone) Disconnect() {
	m.sink.Store(nil)
}

// Close stops the stream; PortAudio returns from Stop only after the callback finished.
func (m *microphone) Close() error {
	var err error
	m.once.Do(func() {
		m.sink.Store(nil)
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// OpenOutput implements audio.Devices.
func (d *Devices) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	o := &output{rate: sampleRate, frame: make([]float32, d.OutputFrames)}
	o.gain.target = 1
	o.gain.from = 1
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), d.OutputFrames, o.frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	o.stream = stream
	return o, nil
}

type gainRamp struct {
	from, target float64
	start        time.Time
	over         time.Duration
}

func (g gainRamp) at(now time.Time) float64 {
	if g.over <= 0 || now.Sub(g.start) >= g.over {
		return g.target
	}
	frac := float64(now.Sub(g.start)) / float64(g.over)
	return g.from + (g.target-g.from)*frac
}

type output struct {
	rate   int
	stream *portaudio.Stream

	writeMu sync.Mutex // one voice writes to the stream at a time
	frame   []float32

	mu     sync.Mutex
	gain   gainRamp
	closed bool
}

func (o *output) SampleRate() int { return o.rate }

func (o *output) SetGain(g float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gain = gainRamp{from: g, target: g}
}

func (o *output) RampGain(target float64, over time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	o.gain = gainRamp{from: o.gain.at(now), target: target, start: now, over: over}
}

func (o *output) currentGain() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gain.at(time.Now())
}

func (o *output) Suspended() bool { return false }

func (o *output) Resume(context.Context) error { return nil }

func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.stream.Stop(); err != nil {
		return err
	}
	return o.stream.Close()
}

func (o *output) Play(buf *audio.Buffer, done func()) (audio.Voice, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("output closed")
	}

	v := &voice{}
	go o.write(buf, v, done)
	return v, nil
}

// write pushes buf to the stream frame by frame, applying the gain stage, and
// checks for Stop between frames.
func (o *output) write(buf *audio.Buffer, v *voice, done func()) {
	o.writeMu.Lock()
	samples := buf.Samples
	for len(samples) > 0 && !v.stopped.Load() {
		n := copy(o.frame, samples)
		for i := n; i < len(o.frame); i++ {
			o.frame[i] = 0
		}
		g := float32(o.currentGain())
		for i := 0; i < n; i++ {
			o.frame[i] *= g
		}
		if err := o.stream.Write(); err != nil {
			logger.Warn("audio output write failed", "error", err)
			break
		}
		samples = samples[n:]
	}
	o.writeMu.Unlock()

	if !v.stopped.Load() {
		done()
	}
}

type voice struct {
	stopped atomic.Bool
}

func (v *voice) Stop() { v.stopped.Store(true) }
