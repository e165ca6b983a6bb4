package audio

import (
	"context"
	"sync"
	"time"

	"github.com/AltairaLabs/liverelay/logger"
)

// Playback defaults.
const (
	DefaultStallInterval  = time.Second
	DefaultStallThreshold = time.Second
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultFadeOut        = 100 * time.Millisecond
)

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithPlaybackSampleRate sets the rate of incoming PCM16 chunks.
func WithPlaybackSampleRate(rate int) PlayerOption {
	return func(p *Player) { p.sampleRate = rate }
}

// WithStallDetection sets how often the watchdog runs and how long playback may
// go without advancing past the current buffer's length before it is restarted.
func WithStallDetection(interval, threshold time.Duration) PlayerOption {
	return func(p *Player) {
		p.stallInterval = interval
		p.stallThreshold = threshold
	}
}

// WithRetryDelay sets the wait before trying the next buffer after a start failure.
func WithRetryDelay(d time.Duration) PlayerOption {
	return func(p *Player) { p.retryDelay = d }
}

// WithFadeOut sets the gain ramp used by Stop.
func WithFadeOut(d time.Duration) PlayerOption {
	return func(p *Player) { p.fadeOut = d }
}

// WithCompletion sets the callback fired when playback drains or Complete is called
// on an empty queue.
func WithCompletion(fn func()) PlayerOption {
	return func(p *Player) { p.onComplete = fn }
}

// WithPlaybackMeter feeds every started buffer into m.
func WithPlaybackMeter(m *VolumeMeter) PlayerOption {
	return func(p *Player) { p.meter = m }
}

// Player plays decoded model audio in arrival order.
type Player struct {
	out            Output
	sampleRate     int
	stallInterval  time.Duration
	stallThreshold time.Duration
	retryDelay     time.Duration
	fadeOut        time.Duration
	onComplete     func()
	meter          *VolumeMeter

	mu          sync.Mutex
	queue       []*Buffer
	playing     bool
	current     Voice
	currentLen  time.Duration
	token       uint64 // identifies the playing buffer; stale end callbacks are ignored
	stopGen     uint64
	lastAdvance time.Time
	retry       *time.Timer
	watchdog    chan struct{}
}

// NewPlayer creates a Player writing to out.
func NewPlayer(out Output, opts ...PlayerOption) *Player {
	p := &Player{
		out:            out,
		sampleRate:     SampleRate24kHz,
		stallInterval:  DefaultStallInterval,
		stallThreshold: DefaultStallThreshold,
		retryDelay:     DefaultRetryDelay,
		fadeOut:        DefaultFadeOut,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue decodes a PCM16 chunk and queues it, starting playback when idle.
func (p *Player) Enqueue(pcm []byte) {
	samples := DecodePCM16(pcm)
	rate := p.sampleRate
	if outRate := p.out.SampleRate(); outRate > 0 && outRate != rate {
		samples = Resample(samples, rate, outRate)
		rate = outRate
	}
	buf := &Buffer{Samples: samples, SampleRate: rate}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, buf)
	if !p.playing {
		p.playing = true
		p.lastAdvance = time.Now()
		p.playNextLocked()
	}
	p.ensureWatchdogLocked()
}

// playNextLocked starts the queue head. Callers hold p.mu.
func (p *Player) playNextLocked() {
	if p.current != nil {
		p.current.Stop()
		p.current = nil
	}
	if len(p.queue) == 0 {
		p.playing = false
		return
	}

	buf := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	p.token++
	tok := p.token
	voice, err := p.out.Play(buf, func() { p.ended(tok) })
	if err != nil {
		logger.Error("audio playback failed", "error", &PlaybackError{Samples: len(buf.Samples), Err: err})
		if len(p.queue) == 0 {
			p.playing = false
			return
		}
		gen := p.stopGen
		p.retry = time.AfterFunc(p.retryDelay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.stopGen == gen && p.playing && p.current == nil && p.token == tok {
				p.playNextLocked()
			}
		})
		return
	}

	p.current = voice
	p.currentLen = buf.Duration()
	p.lastAdvance = time.Now()
	if p.meter != nil {
		p.meter.ProcessFrame(buf.Samples)
	}
}

func (p *Player) ended(tok uint64) {
	p.mu.Lock()
	if tok != p.token || !p.playing {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.lastAdvance = time.Now()
	if len(p.queue) > 0 {
		p.playNextLocked()
		p.mu.Unlock()
		return
	}
	p.playing = false
	p.stopWatchdogLocked()
	cb := p.onComplete
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (p *Player) ensureWatchdogLocked() {
	if p.watchdog != nil || p.stallInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	p.watchdog = stop
	go p.watch(stop)
}

func (p *Player) stopWatchdogLocked() {
	if p.watchdog != nil {
		close(p.watchdog)
		p.watchdog = nil
	}
}

func (p *Player) watch(stop <-chan struct{}) {
	ticker := time.NewTicker(p.stallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.checkStall()
		}
	}
}

func (p *Player) checkStall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || len(p.queue) == 0 {
		return
	}
	if time.Since(p.lastAdvance) <= p.currentLen+p.stallThreshold {
		return
	}
	logger.Warn("playback stalled, restarting", "queued", len(p.queue))
	p.playNextLocked()
}

// Stop halts playback immediately, discards queued audio and fades the gain stage
// out. The gain stage is reset to full once the fade has settled.
func (p *Player) Stop() {
	p.mu.Lock()
	p.token++
	p.stopGen++
	gen := p.stopGen
	p.playing = false
	if p.current != nil {
		p.current.Stop()
		p.current = nil
	}
	p.queue = nil
	if p.retry != nil {
		p.retry.Stop()
		p.retry = nil
	}
	p.stopWatchdogLocked()
	p.mu.Unlock()

	p.out.RampGain(0, p.fadeOut)
	time.AfterFunc(2*p.fadeOut, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopGen == gen {
			p.out.SetGain(1)
		}
	})
}

// Resume reactivates a suspended output, restores full gain and restarts playback
// when audio is queued but idle.
func (p *Player) Resume(ctx context.Context) error {
	if p.out.Suspended() {
		if err := p.out.Resume(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastAdvance = time.Now()
	p.out.SetGain(1)
	if len(p.queue) > 0 && !p.playing {
		p.playing = true
		p.playNextLocked()
		p.ensureWatchdogLocked()
	}
	return nil
}

// Complete signals the end of a model turn. The completion callback fires only when
// nothing is left in the queue.
func (p *Player) Complete() {
	p.mu.Lock()
	if len(p.queue) > 0 {
		p.mu.Unlock()
		return
	}
	p.stopWatchdogLocked()
	cb := p.onComplete
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Len returns the number of buffers waiting behind the current one.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Playing reports whether a buffer is playing or about to.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Close stops playback and releases the output.
func (p *Player) Close() error {
	p.Stop()
	return p.out.Close()
}
