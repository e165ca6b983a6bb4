// Package audiotest provides in-memory audio devices for tests and headless clients.
package audiotest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AltairaLabs/liverelay/audio"
)

// Devices is a fake audio.Devices. The zero value hands out working devices.
type Devices struct {
	// Unavailable makes AcquireMicrophone fail with audio.ErrDeviceUnavailable.
	Unavailable bool
	// AcquireGate, when non-nil, blocks AcquireMicrophone until it is closed.
	AcquireGate chan struct{}

	acquired atomic.Int32

	mu     sync.Mutex
	mics   []*Microphone
	output *Output
}

// AcquireMicrophone implements audio.Devices.
func (d *Devices) AcquireMicrophone(ctx context.Context, _ int) (audio.Microphone, error) {
	d.acquired.Add(1)
	if d.AcquireGate != nil {
		select {
		case <-d.AcquireGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Unavailable {
		return nil, audio.ErrDeviceUnavailable
	}
	m := &Microphone{}
	d.mu.Lock()
	d.mics = append(d.mics, m)
	d.mu.Unlock()
	return m, nil
}

// OpenOutput implements audio.Devices. The same Output is returned on every call.
func (d *Devices) OpenOutput(_ context.Context, sampleRate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.output == nil {
		d.output = NewOutput(sampleRate)
	}
	return d.output, nil
}

// Acquisitions returns how many times AcquireMicrophone was called.
func (d *Devices) Acquisitions() int {
	return int(d.acquired.Load())
}

// Mic returns the most recently acquired microphone, or nil.
func (d *Devices) Mic() *Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.mics) == 0 {
		return nil
	}
	return d.mics[len(d.mics)-1]
}

// Output returns the opened output, or nil.
func (d *Devices) Output() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

// Microphone is a fake capture stream fed by the test.
type Microphone struct {
	mu     sync.Mutex
	sink   audio.FrameSink
	closed bool
}

// Connect implements audio.Microphone.
func (m *Microphone) Connect(sink audio.FrameSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Disconnect implements audio.Microphone.
func (m *Microphone) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
}

// Close implements audio.Microphone.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
	m.closed = true
	return nil
}

// Feed delivers samples to the connected sink, as the device goroutine would.
// It reports whether a sink received them.
func (m *Microphone) Feed(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil || m.closed {
		return false
	}
	m.sink.ProcessFrame(samples)
	return true
}

// Connected reports whether a sink is attached.
func (m *Microphone) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink != nil
}

// Closed reports whether the stream was released.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ErrPlayFailed is returned by Play when a failure was scheduled with FailNext.
var ErrPlayFailed = errors.New("play failed")

// Output is a fake playback context. Buffers never finish on their own; the test
// ends them with Finish.
type Output struct {
	rate int

	mu        sync.Mutex
	voices    []*Voice
	failNext  int
	gain      float64
	ramps     []float64
	suspended bool
	resumed   int
	closed    bool
}

// NewOutput returns an Output at full gain.
func NewOutput(sampleRate int) *Output {
	return &Output{rate: sampleRate, gain: 1}
}

// SampleRate implements audio.Output.
func (o *Output) SampleRate() int { return o.rate }

// Play implements audio.Output.
func (o *Output) Play(buf *audio.Buffer, done func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failNext > 0 {
		o.failNext--
		return nil, ErrPlayFailed
	}
	v := &Voice{Buffer: buf, done: done}
	o.voices = append(o.voices, v)
	return v, nil
}

// SetGain implements audio.Output.
func (o *Output) SetGain(g float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gain = g
}

// RampGain implements audio.Output; the ramp completes instantly.
func (o *Output) RampGain(target float64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gain = target
	o.ramps = append(o.ramps, target)
}

// Suspended implements audio.Output.
func (o *Output) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Resume implements audio.Output.
func (o *Output) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspended = false
	o.resumed++
	return nil
}

// Close implements audio.Output.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Suspend marks the output suspended.
func (o *Output) Suspend() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspended = true
}

// FailNext makes the next n Play calls fail.
func (o *Output) FailNext(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failNext = n
}

// Voices returns every buffer started so far, in start order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.voices...)
}

// Gain returns the current gain.
func (o *Output) Gain() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gain
}

// Ramps returns the targets of every RampGain call.
func (o *Output) Ramps() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]float64(nil), o.ramps...)
}

// Resumed returns how many times Resume was called.
func (o *Output) Resumed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resumed
}

// Voice is one started buffer.
type Voice struct {
	Buffer *audio.Buffer

	mu       sync.Mutex
	done     func()
	stopped  bool
	finished bool
}

// Stop implements audio.Voice.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Finish ends the buffer naturally and invokes the completion callback on a new
// goroutine. It returns a channel closed once the callback has returned.
// Stopped or already finished voices do nothing.
func (v *Voice) Finish() <-chan struct{} {
	ch := make(chan struct{})
	v.mu.Lock()
	if v.stopped || v.finished {
		v.mu.Unlock()
		close(ch)
		return ch
	}
	v.finished = true
	done := v.done
	v.mu.Unlock()

	go func() {
		defer close(ch)
		done()
	}()
	return ch
}
