package capture

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/kikulab/kikitori/internal/capture"
)

// MicrophoneSource captures PCM s16le from the default input device via
// miniaudio. The device callback accumulates samples and emits fixed-size
// frames; Read blocks until the next frame is ready.
type MicrophoneSource struct {
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device

	frames chan capture.Frame
	done   chan struct{}

	mu         sync.Mutex
	buf        []byte
	frameBytes int
	dropped    int64
	closed     bool
}

// NewMicrophoneFactory returns a SourceFactory opening the default capture
// device.
func NewMicrophoneFactory() capture.SourceFactory {
	return func(format capture.Format) (capture.Source, error) {
		return OpenMicrophone(format)
	}
}

func OpenMicrophone(format capture.Format) (*MicrophoneSource, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &capture.DeviceError{Op: "open", Err: err}
	}

	s := &MicrophoneSource{
		audioCtx:   audioCtx,
		frames:     make(chan capture.Frame, 8),
		done:       make(chan struct{}),
		frameBytes: format.FrameBytes(),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onSamples,
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, &capture.DeviceError{Op: "open", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return nil, &capture.DeviceError{Op: "start", Err: err}
	}
	s.device = device
	slog.Info("microphone opened", "sample_rate", format.SampleRate, "channels", format.Channels, "frame_bytes", s.frameBytes)
	return s, nil
}

// onSamples runs on the audio thread and must not block: when the consumer
// falls behind, whole frames are dropped rather than queued without bound.
func (s *MicrophoneSource) onSamples(_, input []byte, _ uint32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, input...)
	var ready []capture.Frame
	for len(s.buf) >= s.frameBytes {
		frame := make(capture.Frame, s.frameBytes)
		copy(frame, s.buf[:s.frameBytes])
		s.buf = s.buf[s.frameBytes:]
		ready = append(ready, frame)
	}
	s.mu.Unlock()

	for _, frame := range ready {
		select {
		case s.frames <- frame:
		default:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			if n == 1 || n%100 == 0 {
				slog.Warn("dropping capture frame; consumer is behind", "dropped_total", n)
			}
		}
	}
}

func (s *MicrophoneSource) Read() (capture.Frame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		// Drain frames queued before Close so no captured audio is lost.
		select {
		case frame := <-s.frames:
			return frame, nil
		default:
			return nil, capture.ErrClosed
		}
	}
}

func (s *MicrophoneSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.device.Uninit()
	err := s.audioCtx.Uninit()
	s.audioCtx.Free()
	close(s.done)
	if err != nil {
		return &capture.DeviceError{Op: "close", Err: err}
	}
	return nil
}
