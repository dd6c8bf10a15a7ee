package capture

import (
	"errors"
	"fmt"
	"time"
)

// Frame is one fixed-duration block of raw PCM (s16le) audio. A frame is
// written once by a Source and consumed once by the transcription channel.
type Frame []byte

// Format describes the PCM layout a Source produces.
type Format struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// FrameBytes returns the byte length of one frame (16-bit samples).
func (f Format) FrameBytes() int {
	samples := f.SampleRate * int(f.FrameDuration/time.Millisecond) / 1000
	return samples * f.Channels * 2
}

// ErrClosed is returned by Read after Close has been called.
var ErrClosed = errors.New("capture: source closed")

// DeviceError reports that the underlying audio device could not be opened
// or failed mid-read. It is fatal to the session.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Source yields audio frames from a microphone-like device.
//
// Read blocks until a full frame is available. Close is idempotent and
// unblocks any in-flight Read with ErrClosed.
type Source interface {
	Read() (Frame, error)
	Close() error
}

// SourceFactory opens a Source for the given format. It fails with
// *DeviceError when the device cannot be opened.
type SourceFactory func(Format) (Source, error)
