//go:build !opus

package capture

import (
	"sync"
	"time"

	"github.com/kikulab/kikitori/internal/capture"
)

// OpusFeedSource without libopus: pushed packets are discarded and Read
// yields silent frames at the configured cadence.
type OpusFeedSource struct {
	format capture.Format

	mu     sync.Mutex
	closed bool

	ticker *time.Ticker
	done   chan struct{}
}

func NewOpusFeedFactory() capture.SourceFactory {
	return func(format capture.Format) (capture.Source, error) {
		return NewOpusFeedSource(format), nil
	}
}

func NewOpusFeedSource(format capture.Format) *OpusFeedSource {
	return &OpusFeedSource{
		format: format,
		ticker: time.NewTicker(format.FrameDuration),
		done:   make(chan struct{}),
	}
}

func (s *OpusFeedSource) Push(_ string, _ []byte) {}

func (s *OpusFeedSource) Read() (capture.Frame, error) {
	select {
	case <-s.done:
		return nil, capture.ErrClosed
	case <-s.ticker.C:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, capture.ErrClosed
	}
	return make(capture.Frame, s.format.FrameBytes()), nil
}

func (s *OpusFeedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	close(s.done)
	return nil
}
