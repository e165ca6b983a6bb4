package audio_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/audio/audiotest"
)

// collector gathers emitted chunks.
type collector struct {
	mu     sync.Mutex
	chunks []audio.Chunk
}

func (c *collector) add(ch audio.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *collector) get(i int) audio.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks[i]
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestRecorder_EmitsChunkPerFullRing(t *testing.T) {
	devices := &audiotest.Devices{}
	rec := audio.NewRecorder(devices)
	got := &collector{}
	rec.OnData(got.add)

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	mic := devices.Mic()
	require.NotNil(t, mic)

	// 2048 samples of 0.5 then 2048 samples at full scale, fed in 128-sample frames.
	for i := 0; i < 16; i++ {
		mic.Feed(constant(128, 0.5))
	}
	for i := 0; i < 16; i++ {
		mic.Feed(constant(128, 1.0))
	}
	mic.Feed(constant(100, 0.25)) // partial ring is not emitted

	require.Eventually(t, func() bool { return got.len() == 2 }, time.Second, 5*time.Millisecond)

	first := got.get(0)
	assert.Equal(t, audio.DefaultChunkSamples, first.Samples())
	samples := audio.DecodePCM16(first.PCM)
	assert.Equal(t, float32(0.5), samples[0])
	assert.Equal(t, float32(0.5), samples[2047])

	second := audio.DecodePCM16(got.get(1).PCM)
	assert.InDelta(t, 32767.0/32768.0, second[0], 1e-6)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, got.len())
}

func TestRecorder_ConcurrentStartSharesAcquisition(t *testing.T) {
	gate := make(chan struct{})
	devices := &audiotest.Devices{AcquireGate: gate}
	rec := audio.NewRecorder(devices)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rec.Start(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, devices.Acquisitions())
	assert.True(t, rec.Recording())

	// Starting again while recording does not touch the device.
	require.NoError(t, rec.Start(context.Background()))
	assert.Equal(t, 1, devices.Acquisitions())

	rec.Stop()
}

func TestRecorder_DeviceUnavailable(t *testing.T) {
	rec := audio.NewRecorder(&audiotest.Devices{Unavailable: true})

	err := rec.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.False(t, rec.Recording())
}

func TestRecorder_MuteKeepsState(t *testing.T) {
	devices := &audiotest.Devices{}
	rec := audio.NewRecorder(devices, audio.WithChunkSamples(8))
	got := &collector{}
	rec.OnData(got.add)

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()
	mic := devices.Mic()

	mic.Feed(constant(6, 0.1))
	rec.Mute()
	rec.Mute()
	assert.True(t, rec.Muted())
	assert.False(t, mic.Connected())
	assert.False(t, mic.Feed(constant(100, 0.9)))

	rec.Unmute()
	rec.Unmute()
	assert.False(t, rec.Muted())
	mic.Feed(constant(2, 0.2))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	samples := audio.DecodePCM16(got.get(0).PCM)
	assert.InDelta(t, 0.1, samples[5], 1e-3)
	assert.InDelta(t, 0.2, samples[7], 1e-3)
}

func TestRecorder_StopReleasesAndResets(t *testing.T) {
	devices := &audiotest.Devices{}
	rec := audio.NewRecorder(devices, audio.WithChunkSamples(4))
	got := &collector{}
	rec.OnData(got.add)

	rec.Stop() // idle stop is a no-op

	require.NoError(t, rec.Start(context.Background()))
	first := devices.Mic()
	first.Feed(constant(3, 0.5))
	rec.Stop()

	assert.True(t, first.Closed())
	assert.False(t, rec.Recording())
	assert.False(t, rec.Muted())

	// Partial ring from the previous recording is gone.
	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()
	second := devices.Mic()
	second.Feed(constant(1, 0.5))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.len())
	second.Feed(constant(3, 0.5))
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, devices.Acquisitions())
}

func TestRecorder_StopWaitsForInflightStart(t *testing.T) {
	gate := make(chan struct{})
	devices := &audiotest.Devices{AcquireGate: gate}
	rec := audio.NewRecorder(devices)

	started := make(chan error, 1)
	go func() { started <- rec.Start(context.Background()) }()
	require.Eventually(t, func() bool { return devices.Acquisitions() == 1 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		rec.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight start resolved")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-started)
	<-stopped

	assert.False(t, rec.Recording())
	assert.True(t, devices.Mic().Closed())
}

func TestRecorder_DetachWaitsForDelivery(t *testing.T) {
	devices := &audiotest.Devices{}
	rec := audio.NewRecorder(devices, audio.WithChunkSamples(1))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	rec.OnData(func(audio.Chunk) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	devices.Mic().Feed([]float32{0.1})
	<-entered

	detached := make(chan struct{})
	go func() {
		rec.Detach()
		close(detached)
	}()

	select {
	case <-detached:
		t.Fatal("Detach returned while a chunk was being delivered")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("Detach did not return after delivery finished")
	}

	devices.Mic().Feed([]float32{0.2})
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, rec.Recording())
}

func TestRecorder_MeterTap(t *testing.T) {
	devices := &audiotest.Devices{}
	meter := audio.NewVolumeMeter()
	rec := audio.NewRecorder(devices, audio.WithCaptureMeter(meter))

	require.NoError(t, rec.Start(context.Background()))
	defer rec.Stop()

	devices.Mic().Feed(constant(64, 0.5))
	assert.InDelta(t, 0.5, meter.Level(), 1e-6)
}

func TestRecorder_DropsWhenConsumerStalls(t *testing.T) {
	devices := &audiotest.Devices{}
	rec := audio.NewRecorder(devices, audio.WithChunkSamples(1), audio.WithChunkDepth(1))
	block := make(chan struct{})
	rec.OnData(func(audio.Chunk) { <-block })

	require.NoError(t, rec.Start(context.Background()))
	for i := 0; i < 10; i++ {
		devices.Mic().Feed([]float32{0.1})
	}
	assert.Positive(t, rec.Dropped())

	close(block)
	rec.Stop()
}
