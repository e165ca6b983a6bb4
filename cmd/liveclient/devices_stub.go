//go:build !portaudio

package main

import (
	"errors"

	"github.com/AltairaLabs/liverelay/audio"
)

var errNoAudio = errors.New("liveclient was built without audio support; rebuild with -tags portaudio")

func openDevices() (audio.Devices, func() error, error) {
	return nil, nil, errNoAudio
}
