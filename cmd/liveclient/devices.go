package main

import "github.com/AltairaLabs/liverelay/audio"

// noDevices leaves the session text-only.
func noDevices() (audio.Devices, func() error) {
	return nil, func() error { return nil }
}
