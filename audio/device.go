package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Standard sample rates.
const (
	SampleRate16kHz = 16000 // microphone capture
	SampleRate24kHz = 24000 // model speech output
)

// ErrDeviceUnavailable is returned when no microphone or output is present or permitted.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// FrameSink consumes captured float samples in [-1, 1]. ProcessFrame runs on the
// device's real-time goroutine and must not block. The slice is only valid for the
// duration of the call.
type FrameSink interface {
	ProcessFrame(samples []float32)
}

// Devices is the host audio stack.
type Devices interface {
	// AcquireMicrophone opens the exclusive capture stream at sampleRate.
	AcquireMicrophone(ctx context.Context, sampleRate int) (Microphone, error)
	// OpenOutput opens a playback context at sampleRate.
	OpenOutput(ctx context.Context, sampleRate int) (Output, error)
}

// Microphone is an acquired capture stream.
type Microphone interface {
	// Connect routes frames to sink, replacing any previous sink.
	Connect(sink FrameSink)
	// Disconnect stops routing frames without releasing the stream.
	Disconnect()
	// Close releases the stream. After Close returns no sink is invoked again.
	Close() error
}

// Output is a playback context with a single gain stage.
type Output interface {
	SampleRate() int
	// Play starts buf and returns a handle to stop it. done is invoked once, from
	// another goroutine, when buf finishes naturally; it is not invoked after Stop.
	Play(buf *Buffer, done func()) (Voice, error)
	SetGain(gain float64)
	// RampGain moves the gain linearly to target over the given duration.
	RampGain(target float64, over time.Duration)
	Suspended() bool
	Resume(ctx context.Context) error
	Close() error
}

// Voice is one buffer being played.
type Voice interface {
	Stop()
}

// Buffer is a block of mono float samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// PlaybackError reports a buffer that could not be started.
type PlaybackError struct {
	Samples int
	Err     error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("failed to start playback of %d samples: %v", e.Samples, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
