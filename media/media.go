// Package media supplies still frames (webcam or screen) to a session at a
// fixed rate. Frames are opaque JPEG bytes; capture itself is left to Source
// implementations.
package media

import (
	"context"
	"errors"
	"time"
)

// DefaultFrameInterval is how often a Sampler takes a frame.
const DefaultFrameInterval = 500 * time.Millisecond

// ErrWebcamInactive is returned by SwitchCamera when no webcam is running.
var ErrWebcamInactive = errors.New("webcam is not active")

// Source produces JPEG snapshots of a live video stream.
type Source interface {
	Snapshot() ([]byte, error)
	Close() error
}

// Ender is implemented by sources that can end on their own, such as a screen
// share the user stops from the OS. Done is closed when that happens.
type Ender interface {
	Done() <-chan struct{}
}

// Opener opens video sources.
type Opener interface {
	OpenWebcam(ctx context.Context, front bool) (Source, error)
	OpenScreen(ctx context.Context) (Source, error)
}

// Handler is the video collaborator a session drives.
type Handler interface {
	StartWebcam(ctx context.Context, front bool) error
	StartScreenShare(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	StartFrameCapture(onFrame func(jpeg []byte))
	StopAll()
	WebcamActive() bool
	ScreenActive() bool
	FrontCamera() bool
}
