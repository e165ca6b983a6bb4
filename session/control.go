package session

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/media"
	"github.com/AltairaLabs/liverelay/protocol"
)

// StartRecording acquires the microphone and streams its chunks upstream.
// It is a no-op while already recording.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.recording {
		s.mu.Unlock()
		return nil
	}
	if s.devices == nil {
		s.mu.Unlock()
		err := fmt.Errorf("failed to start recording: %w", audio.ErrDeviceUnavailable)
		s.fail(err)
		return err
	}
	if s.recorder == nil {
		opts := append([]audio.RecorderOption{
			audio.WithCaptureSampleRate(s.cfg.CaptureSampleRate),
			audio.WithCaptureMeter(s.userMeter),
		}, s.recorderOpts...)
		s.recorder = audio.NewRecorder(s.devices, opts...)
	}
	rec := s.recorder
	s.mu.Unlock()

	rec.OnData(func(c audio.Chunk) {
		s.send(protocol.ClientAudioChunk{MimeType: protocol.MimeAudioPCM, Data: c.PCM})
	})
	if err := rec.Start(ctx); err != nil {
		rec.OnData(nil)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	already := s.recording
	s.recording = true
	s.muted = false
	s.mu.Unlock()

	if !already {
		s.hub.emit(RecordingStarted{})
	}
	return nil
}

// StopRecording detaches the microphone from the outbound path, waiting for a
// chunk already being sent, then sends an end-of-turn frame and releases the
// microphone.
func (s *Session) StopRecording() {
	s.mu.Lock()
	if !s.recording || s.recorder == nil {
		s.mu.Unlock()
		return
	}
	rec := s.recorder
	s.recording = false
	s.muted = false
	s.mu.Unlock()

	rec.Detach()
	s.send(protocol.ClientEndOfTurn{})
	rec.Stop()
	s.userMeter.Reset()
	s.hub.emit(RecordingStopped{})
}

// ToggleMute flips the capture mute state. It does nothing unless recording.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	if !s.recording || s.recorder == nil {
		s.mu.Unlock()
		return
	}
	s.muted = !s.muted
	muted, rec := s.muted, s.recorder
	s.mu.Unlock()

	if muted {
		rec.Mute()
	} else {
		rec.Unmute()
	}
	s.hub.emit(MuteToggled{Muted: muted})
}

// SendText sends a complete user text turn.
func (s *Session) SendText(text string) error {
	return s.send(protocol.ClientText{Text: text})
}

// SendToolResponse answers function calls.
func (s *Session) SendToolResponse(responses ...protocol.FunctionResponse) error {
	return s.send(protocol.ToolResponse{Responses: responses})
}

// SendFrame sends one JPEG video frame.
func (s *Session) SendFrame(jpeg []byte) error {
	return s.send(protocol.ClientVideoChunk{MimeType: protocol.MimeImageJPEG, Data: jpeg})
}

// SendCustomEvent sends an application event to the relay. Like every other
// send it is dropped when the transport is not connected.
func (s *Session) SendCustomEvent(name string, data any) error {
	if !s.transport.Connected() {
		logger.Warn("cannot send event, transport not connected", "event", name)
		return nil
	}
	env, err := protocol.NewEnvelope(name, data)
	if err != nil {
		return err
	}
	return s.transport.Send(env)
}

// send writes f as a message envelope. Frames are dropped, not queued, while
// the transport is down.
func (s *Session) send(f protocol.Frame) error {
	if !s.transport.Connected() {
		logger.Debug("dropping frame, transport not connected", "kind", f.Kind().String())
		return nil
	}
	env, err := protocol.MessageEnvelope(f)
	if err != nil {
		return err
	}
	if err := s.transport.Send(env); err != nil {
		logger.Debug("send failed", "kind", f.Kind().String(), "error", err)
		return err
	}
	return nil
}

// SetMediaHandler sets or replaces the video collaborator.
func (s *Session) SetMediaHandler(h media.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = h
}

func (s *Session) mediaHandler() (media.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return nil, ErrNoMediaHandler
	}
	return s.media, nil
}

// ToggleWebcam stops any active video, or starts the front camera and streams
// its frames. It reports whether the webcam is now active.
func (s *Session) ToggleWebcam(ctx context.Context) (bool, error) {
	h, err := s.mediaHandler()
	if err != nil {
		return false, err
	}
	if h.WebcamActive() {
		h.StopAll()
		return false, nil
	}
	if err := h.StartWebcam(ctx, true); err != nil {
		s.hub.emit(ErrorOccurred{Err: err})
		return false, err
	}
	h.StartFrameCapture(s.frameSender())
	return true, nil
}

// ToggleScreenShare stops any active video, or starts sharing the screen.
// It reports whether sharing is now active.
func (s *Session) ToggleScreenShare(ctx context.Context) (bool, error) {
	h, err := s.mediaHandler()
	if err != nil {
		return false, err
	}
	if h.ScreenActive() {
		h.StopAll()
		return false, nil
	}
	if err := h.StartScreenShare(ctx); err != nil {
		s.hub.emit(ErrorOccurred{Err: err})
		return false, err
	}
	h.StartFrameCapture(s.frameSender())
	return true, nil
}

// SwitchCamera swaps between the front and rear camera.
func (s *Session) SwitchCamera(ctx context.Context) error {
	h, err := s.mediaHandler()
	if err != nil {
		return err
	}
	return h.SwitchCamera(ctx)
}

func (s *Session) frameSender() func([]byte) {
	return func(jpeg []byte) {
		_ = s.SendFrame(jpeg)
	}
}
