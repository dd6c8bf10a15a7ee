//go:build opus

package capture

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/kikulab/kikitori/internal/capture"
)

// OpusFeedSource is a capture source fed by pushed opus packets, one queue
// per contributor. Packets are decoded and mixed into a single PCM stream
// which Read pages out at the configured frame cadence, so the session sees
// the same mic-like pacing regardless of how many contributors push.
type OpusFeedSource struct {
	format capture.Format

	mu       sync.Mutex
	decoders map[string]*opus.Decoder
	queues   map[string]*packetQueue
	closed   bool

	ticker *time.Ticker
	done   chan struct{}
}

type packetQueue struct {
	frames [][]int16
}

func (q *packetQueue) push(frame []int16) {
	q.frames = append(q.frames, frame)
}

func (q *packetQueue) pop() ([]int16, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// NewOpusFeedFactory returns a SourceFactory for pushed-opus input. The
// opened source must be type-asserted to *OpusFeedSource by whatever
// transport delivers the packets.
func NewOpusFeedFactory() capture.SourceFactory {
	return func(format capture.Format) (capture.Source, error) {
		return NewOpusFeedSource(format), nil
	}
}

func NewOpusFeedSource(format capture.Format) *OpusFeedSource {
	return &OpusFeedSource{
		format:   format,
		decoders: make(map[string]*opus.Decoder),
		queues:   make(map[string]*packetQueue),
		ticker:   time.NewTicker(format.FrameDuration),
		done:     make(chan struct{}),
	}
}

// Push decodes one opus packet from a contributor and queues its PCM.
// Undecodable packets are dropped.
func (s *OpusFeedSource) Push(contributorID string, packet []byte) {
	if len(packet) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	dec, ok := s.decoders[contributorID]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(s.format.SampleRate, s.format.Channels)
		if err != nil {
			return
		}
		s.decoders[contributorID] = dec
		s.queues[contributorID] = &packetQueue{}
	}
	samplesPerFrame := s.format.FrameBytes() / 2
	pcm := make([]int16, samplesPerFrame)
	n, err := dec.Decode(packet, pcm)
	if err != nil || n == 0 {
		return
	}
	total := n * s.format.Channels
	if total > samplesPerFrame {
		total = samplesPerFrame
	}
	frame := make([]int16, total)
	copy(frame, pcm[:total])
	s.queues[contributorID].push(frame)
}

// Read blocks until the next frame interval, then returns the mix of one
// queued frame per contributor. Silence is returned when nothing is queued,
// keeping the downstream channel's cadence steady.
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
	samplesPerFrame := s.format.FrameBytes() / 2
	mixed := make([]int16, samplesPerFrame)
	for _, q := range s.queues {
		frame, ok := q.pop()
		if !ok {
			continue
		}
		for i := 0; i < len(frame) && i < samplesPerFrame; i++ {
			mixed[i] = clampPCM(int32(mixed[i]) + int32(frame[i]))
		}
	}
	out := make(capture.Frame, s.format.FrameBytes())
	for i, v := range mixed {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out, nil
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
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
	s.decoders = nil
	s.queues = nil
	return nil
}
