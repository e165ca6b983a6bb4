// Package audio implements the capture and playback halves of a live voice session.
//
// Capture (Recorder) pulls float frames from a microphone, quantizes them to
// 16-bit PCM in a fixed ring and emits one immutable Chunk per full ring.
// Playback (Player) decodes PCM16 chunks from the model into buffers and plays
// them strictly in arrival order with gapless hand-off, stall recovery and an
// immediate interruptible stop.
//
// Hardware access goes through the Devices interface so the pipelines can run
// against PortAudio (see audio/portaudio) or in-memory fakes (see audio/audiotest).
//
// # Usage Example
//
//	rec := audio.NewRecorder(devices)
//	rec.OnData(func(c audio.Chunk) { send(c.Base64()) })
//	if err := rec.Start(ctx); err != nil {
//	    return err
//	}
//	defer rec.Stop()
package audio
