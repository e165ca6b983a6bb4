package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AltairaLabs/liverelay/session"
)

// controller is the part of *session.Session the console drives.
type controller interface {
	SendText(text string) error
	StartRecording(ctx context.Context) error
	StopRecording()
	Recording() bool
	ToggleMute()
	Muted() bool
	ToggleWebcam(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	SwitchCamera(ctx context.Context) error
}

const helpText = `commands:
  /mic      start or stop recording
  /mute     mute or unmute the microphone
  /cam      toggle webcam frames
  /screen   toggle screen frames
  /switch   switch between front and rear camera
  /quit     leave
anything else is sent as text`

type console struct {
	sess controller
	out  io.Writer
}

// handle runs one input line. It returns false when the user asked to quit.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.report(c.sess.SendText(line))
		return true
	}

	switch line {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/mic":
		if c.sess.Recording() {
			c.sess.StopRecording()
			fmt.Fprintln(c.out, "* recording stopped")
			return true
		}
		if err := c.sess.StartRecording(ctx); err != nil {
			c.report(err)
			return true
		}
		fmt.Fprintln(c.out, "* recording")
	case "/mute":
		c.sess.ToggleMute()
	case "/cam":
		on, err := c.sess.ToggleWebcam(ctx)
		c.toggled("webcam", on, err)
	case "/screen":
		on, err := c.sess.ToggleScreenShare(ctx)
		c.toggled("screen share", on, err)
	case "/switch":
		c.report(c.sess.SwitchCamera(ctx))
	default:
		fmt.Fprintf(c.out, "unknown command %s, try /help\n", line)
	}
	return true
}

func (c *console) toggled(what string, on bool, err error) {
	if err != nil {
		c.report(err)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	fmt.Fprintf(c.out, "* %s %s\n", what, state)
}

func (c *console) report(err error) {
	if err != nil {
		fmt.Fprintf(c.out, "! %v\n", err)
	}
}

// readLines feeds stdin lines to a channel closed at EOF.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// printEvents renders session events until the channel closes.
func printEvents(w io.Writer, events <-chan session.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case session.ConnectionStateChanged:
			fmt.Fprintf(w, "* %s\n", describeState(e))
		case session.Ready:
			fmt.Fprintln(w, "* ready")
		case session.TextReceived:
			fmt.Fprintf(w, "model: %s\n", e.Text)
		case session.TranscriptionReceived:
			fmt.Fprintf(w, "[%s] %s\n", e.Source, e.Text)
		case session.ToolCallReceived:
			for _, fc := range e.Call.FunctionCalls {
				fmt.Fprintf(w, "* tool call %s %v\n", fc.Name, fc.Args)
			}
		case session.Interrupted:
			fmt.Fprintln(w, "* interrupted")
		case session.TurnComplete:
			fmt.Fprintln(w, "* turn complete")
		case session.MuteToggled:
			if e.Muted {
				fmt.Fprintln(w, "* muted")
			} else {
				fmt.Fprintln(w, "* unmuted")
			}
		case session.ErrorOccurred:
			var relayErr *session.RelayError
			if errors.As(e.Err, &relayErr) {
				fmt.Fprintf(w, "! relay: %s\n", relayErr.Message)
			} else {
				fmt.Fprintf(w, "! %v\n", e.Err)
			}
		case session.Closed:
			fmt.Fprintf(w, "* closed (%d %s)\n", e.Code, e.Reason)
		}
	}
}

func describeState(e session.ConnectionStateChanged) string {
	st := e.State
	switch {
	case st.Error != "":
		return fmt.Sprintf("%s: %s", st.Status, st.Error)
	case st.ReconnectAttempt > 0:
		return fmt.Sprintf("%s (attempt %d)", st.Status, st.ReconnectAttempt)
	default:
		return string(st.Status)
	}
}
