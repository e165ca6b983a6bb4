package audio_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/audio/audiotest"
)

// chunkOf returns a PCM16 chunk whose first sample encodes id, so buffers can be
// told apart after decoding.
func chunkOf(id int, samples int) []byte {
	pcm := make([]float32, samples)
	pcm[0] = float32(id) / 100
	return audio.EncodePCM16(pcm)
}

func idOf(v *audiotest.Voice) int {
	return int(v.Buffer.Samples[0]*100 + 0.5)
}

func newPlayer(t *testing.T, opts ...audio.PlayerOption) (*audio.Player, *audiotest.Output) {
	t.Helper()
	out := audiotest.NewOutput(audio.SampleRate24kHz)
	base := []audio.PlayerOption{
		audio.WithStallDetection(0, 0),
		audio.WithFadeOut(5 * time.Millisecond),
		audio.WithRetryDelay(10 * time.Millisecond),
	}
	return audio.NewPlayer(out, append(base, opts...)...), out
}

func TestPlayer_PlaysInArrivalOrder(t *testing.T) {
	var completions atomic.Int32
	p, out := newPlayer(t, audio.WithCompletion(func() { completions.Add(1) }))

	for i := 1; i <= 5; i++ {
		p.Enqueue(chunkOf(i, 240))
	}
	assert.True(t, p.Playing())
	assert.Equal(t, 4, p.Len())

	for i := 1; i <= 5; i++ {
		voices := out.Voices()
		require.Len(t, voices, i, "exactly one buffer started per completion")
		assert.Equal(t, i, idOf(voices[i-1]))
		<-voices[i-1].Finish()
	}

	assert.False(t, p.Playing())
	assert.Equal(t, 0, p.Len())
	assert.EqualValues(t, 1, completions.Load())
}

func TestPlayer_EnqueueWhileIdleStartsImmediately(t *testing.T) {
	p, out := newPlayer(t)

	p.Enqueue(chunkOf(1, 24))
	require.Len(t, out.Voices(), 1)
	<-out.Voices()[0].Finish()
	assert.False(t, p.Playing())

	p.Enqueue(chunkOf(2, 24))
	require.Len(t, out.Voices(), 2)
	assert.Equal(t, 2, idOf(out.Voices()[1]))
}

func TestPlayer_StopDiscardsQueueAndFades(t *testing.T) {
	var completions atomic.Int32
	p, out := newPlayer(t, audio.WithCompletion(func() { completions.Add(1) }))

	for i := 1; i <= 4; i++ {
		p.Enqueue(chunkOf(i, 240))
	}
	first := out.Voices()[0]

	p.Stop()
	assert.True(t, first.Stopped())
	assert.False(t, p.Playing())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, []float64{0}, out.Ramps())

	// The stopped buffer's late callback is ignored; nothing else starts.
	<-first.Finish()
	assert.Len(t, out.Voices(), 1)
	assert.Zero(t, completions.Load())

	// Gain stage is reset after the fade settles.
	assert.Eventually(t, func() bool { return out.Gain() == 1 }, time.Second, time.Millisecond)

	// Idempotent and safe when idle.
	p.Stop()
	assert.False(t, p.Playing())
}

func TestPlayer_ResumeRestoresGainAndRestarts(t *testing.T) {
	p, out := newPlayer(t)
	out.Suspend()

	p.Enqueue(chunkOf(1, 24))
	p.Stop()
	assert.Equal(t, 0.0, out.Gain())

	require.NoError(t, p.Resume(context.Background()))
	assert.Equal(t, 1, out.Resumed())
	assert.Equal(t, 1.0, out.Gain())
	assert.False(t, p.Playing(), "nothing queued, nothing to restart")

	p.Enqueue(chunkOf(2, 24))
	assert.True(t, p.Playing())
	require.NoError(t, p.Resume(context.Background()))
	assert.Equal(t, 1, out.Resumed(), "output was not suspended")
}

func TestPlayer_CompleteOnlyWhenQueueEmpty(t *testing.T) {
	var completions atomic.Int32
	p, out := newPlayer(t, audio.WithCompletion(func() { completions.Add(1) }))

	p.Enqueue(chunkOf(1, 24))
	p.Enqueue(chunkOf(2, 24))
	p.Complete()
	assert.Zero(t, completions.Load())

	<-out.Voices()[0].Finish()
	p.Complete()
	assert.EqualValues(t, 1, completions.Load())
}

func TestPlayer_StartFailureRetriesNextBuffer(t *testing.T) {
	p, out := newPlayer(t)
	out.FailNext(1)

	p.Enqueue(chunkOf(1, 24))
	assert.False(t, p.Playing(), "failure with nothing queued leaves the player idle")
	assert.Empty(t, out.Voices())

	p.Enqueue(chunkOf(2, 24))
	p.Enqueue(chunkOf(3, 24))
	p.Enqueue(chunkOf(4, 24))
	require.Len(t, out.Voices(), 1)

	out.FailNext(1)
	<-out.Voices()[0].Finish()
	assert.Len(t, out.Voices(), 1, "buffer 3 failed to start")

	require.Eventually(t, func() bool { return len(out.Voices()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, idOf(out.Voices()[1]))
	assert.True(t, p.Playing())
}

func TestPlayer_StallRestartsFromQueueHead(t *testing.T) {
	p, out := newPlayer(t, audio.WithStallDetection(10*time.Millisecond, 20*time.Millisecond))
	defer p.Stop()

	// 24 samples at 24kHz last 1ms; the fake never finishes them on its own.
	p.Enqueue(chunkOf(1, 24))
	p.Enqueue(chunkOf(2, 24))
	p.Enqueue(chunkOf(3, 24))

	require.Eventually(t, func() bool { return len(out.Voices()) == 3 }, time.Second, 5*time.Millisecond)
	voices := out.Voices()
	assert.Equal(t, []int{1, 2, 3}, []int{idOf(voices[0]), idOf(voices[1]), idOf(voices[2])})
	assert.True(t, voices[0].Stopped())
	assert.True(t, voices[1].Stopped())

	// With the queue drained the watchdog leaves the last buffer alone.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, out.Voices(), 3)
}

func TestPlayer_ResamplesToOutputRate(t *testing.T) {
	out := audiotest.NewOutput(48000)
	p := audio.NewPlayer(out, audio.WithStallDetection(0, 0))

	p.Enqueue(chunkOf(1, 240))
	require.Len(t, out.Voices(), 1)
	buf := out.Voices()[0].Buffer
	assert.Equal(t, 48000, buf.SampleRate)
	assert.Len(t, buf.Samples, 480)
}

func TestPlayer_MeterSeesStartedBuffers(t *testing.T) {
	meter := audio.NewVolumeMeter()
	p, _ := newPlayer(t, audio.WithPlaybackMeter(meter))

	p.Enqueue(audio.EncodePCM16([]float32{0.5, -0.5}))
	assert.InDelta(t, 0.5, meter.Level(), 1e-3)
}
