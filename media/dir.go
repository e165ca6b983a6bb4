package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DirOpener serves pre-recorded JPEG frames from directories, cycling through
// them in name order. It lets headless clients exercise the video path.
type DirOpener struct {
	WebcamDir string
	// RearWebcamDir is used when the rear camera is requested; WebcamDir otherwise.
	RearWebcamDir string
	ScreenDir     string
}

// OpenWebcam opens the webcam frame directory.
func (o DirOpener) OpenWebcam(_ context.Context, front bool) (Source, error) {
	dir := o.WebcamDir
	if !front && o.RearWebcamDir != "" {
		dir = o.RearWebcamDir
	}
	return OpenDir(dir)
}

// OpenScreen opens the screen frame directory.
func (o DirOpener) OpenScreen(context.Context) (Source, error) {
	return OpenDir(o.ScreenDir)
}

// DirSource is a Source cycling through the JPEG files of a directory.
type DirSource struct {
	mu    sync.Mutex
	files []string
	next  int
}

// OpenDir lists *.jpg and *.jpeg files in dir.
func OpenDir(dir string) (*DirSource, error) {
	if dir == "" {
		return nil, fmt.Errorf("no frame directory configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.Type().IsRegular() && (ext == ".jpg" || ext == ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files}, nil
}

// Snapshot returns the next frame.
func (s *DirSource) Snapshot() ([]byte, error) {
	s.mu.Lock()
	path := s.files[s.next]
	s.next = (s.next + 1) % len(s.files)
	s.mu.Unlock()
	return os.ReadFile(path)
}

// Close is a no-op.
func (s *DirSource) Close() error { return nil }
