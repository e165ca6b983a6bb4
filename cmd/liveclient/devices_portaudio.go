//go:build portaudio

package main

import (
	"github.com/AltairaLabs/liverelay/audio"
	"github.com/AltairaLabs/liverelay/audio/portaudio"
)

func openDevices() (audio.Devices, func() error, error) {
	d, err := portaudio.Open()
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}
