package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/normalize"
	"github.com/kikulab/kikitori/internal/repository"
	"github.com/kikulab/kikitori/internal/transcriber"
	"github.com/kikulab/kikitori/internal/webhook"
)

type fakeSource struct {
	mu         sync.Mutex
	frames     chan capture.Frame
	done       chan struct{}
	closeCount int
	readErr    error
}

func newFakeSource(frameCount int) *fakeSource {
	s := &fakeSource{
		frames: make(chan capture.Frame, frameCount),
		done:   make(chan struct{}),
	}
	for i := 0; i < frameCount; i++ {
		s.frames <- make(capture.Frame, 16)
	}
	return s
}

func (s *fakeSource) Read() (capture.Frame, error) {
	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()
	if readErr != nil {
		return nil, readErr
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		return nil, capture.ErrClosed
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if s.closeCount == 1 {
		close(s.done)
	}
	return nil
}

func (s *fakeSource) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

type fakeChannel struct {
	mu         sync.Mutex
	sentFrames int
	eosCount   int
	closeCount int
	state      transcriber.ChannelState

	batches chan transcriber.ResponseBatch
	recvErr chan error
	done    chan struct{}

	echoInterim bool
	finalBatch  *transcriber.ResponseBatch
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:   transcriber.StateConfigSent,
		batches: make(chan transcriber.ResponseBatch, 32),
		recvErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeChannel) Send(_ capture.Frame) error {
	c.mu.Lock()
	c.sentFrames++
	n := c.sentFrames
	c.state = transcriber.StateStreaming
	echo := c.echoInterim
	c.mu.Unlock()
	if echo {
		c.batches <- transcriber.ResponseBatch{
			Tokens: []transcriber.Token{{Text: fmt.Sprintf("hypothesis %d", n)}},
		}
	}
	return nil
}

func (c *fakeChannel) SendEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eosCount++
	if c.eosCount > 1 {
		return nil
	}
	c.state = transcriber.StateDraining
	if c.finalBatch != nil {
		c.batches <- *c.finalBatch
	} else {
		c.batches <- transcriber.ResponseBatch{Finished: true}
	}
	return nil
}

func (c *fakeChannel) Receive() (transcriber.ResponseBatch, error) {
	select {
	case batch := <-c.batches:
		return batch, nil
	case err := <-c.recvErr:
		return transcriber.ResponseBatch{}, err
	case <-c.done:
		return transcriber.ResponseBatch{}, &transcriber.ConnectionError{Op: "receive", Err: errors.New("closed")}
	}
}

func (c *fakeChannel) State() transcriber.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if c.closeCount == 1 {
		c.state = transcriber.StateClosed
		close(c.done)
	}
	return nil
}

func (c *fakeChannel) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentFrames
}

func (c *fakeChannel) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

type fakeDialer struct {
	channel *fakeChannel
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ transcriber.SessionConfig) (transcriber.Channel, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.channel, nil
}

type fakeRepository struct {
	mu        sync.Mutex
	created   []repository.CreateSessionInput
	completed []repository.CompleteSessionInput
}

func (r *fakeRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, input)
	return &repository.Session{ID: input.SessionID, StartedAt: input.StartedAt, Status: repository.SessionStatusRunning}, nil
}

func (r *fakeRepository) CompleteSession(_ context.Context, input repository.CompleteSessionInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, input)
	return nil
}

func (r *fakeRepository) GetSession(_ context.Context, _ string) (*repository.Session, error) {
	return nil, nil
}

type fakeWebhookSender struct {
	mu       sync.Mutex
	payloads []webhook.TranscriptWebhookPayload
}

func (s *fakeWebhookSender) SendTranscript(_ context.Context, payload webhook.TranscriptWebhookPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		Provider:            config.ProviderSoniox,
		AudioInput:          config.AudioInputMicrophone,
		SonioxAPIKey:        "key",
		SonioxWebsocketURL:  "wss://example.invalid/ws",
		SonioxModel:         "stt-rt-preview",
		LanguageHints:       []string{"en", "hi", "gu"},
		SampleRate:          16000,
		Channels:            1,
		FrameDurationMS:     120,
		MinLanguagesForTags: 2,
		ShutdownTimeoutSec:  2,
	}
}

func newTestController(source *fakeSource, dialer *fakeDialer, repo *fakeRepository, wh *fakeWebhookSender) *Controller {
	factory := capture.SourceFactory(func(_ capture.Format) (capture.Source, error) {
		return source, nil
	})
	return NewController(testConfig(), factory, dialer, normalize.Identity{}, repo, wh)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestStop_BeforeStart(t *testing.T) {
	controller := newTestController(newFakeSource(0), &fakeDialer{channel: newFakeChannel()}, &fakeRepository{}, &fakeWebhookSender{})

	snap := controller.Stop()
	if snap.Status != StatusIdle {
		t.Fatalf("expected idle status, got %s", snap.Status)
	}
	if snap.FinalText != "" || snap.Err != "" {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	source := newFakeSource(0)
	controller := newTestController(source, &fakeDialer{channel: newFakeChannel()}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer controller.Stop()

	if err := controller.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStart_DeviceOpenFailure(t *testing.T) {
	factory := capture.SourceFactory(func(_ capture.Format) (capture.Source, error) {
		return nil, &capture.DeviceError{Op: "open", Err: errors.New("no such device")}
	})
	controller := NewController(testConfig(), factory, &fakeDialer{channel: newFakeChannel()}, normalize.Identity{}, &fakeRepository{}, &fakeWebhookSender{})

	err := controller.Start()
	if err == nil {
		t.Fatal("expected error from Start")
	}
	var devErr *capture.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	snap := controller.Snapshot()
	if snap.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", snap.Status)
	}
	if snap.Err == "" {
		t.Fatal("expected non-empty error description")
	}
}

func TestStart_DialFailureClosesSource(t *testing.T) {
	source := newFakeSource(0)
	dialer := &fakeDialer{err: &transcriber.ConnectionError{Op: "dial", Err: errors.New("refused")}}
	controller := newTestController(source, dialer, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err == nil {
		t.Fatal("expected error from Start")
	}
	if source.closes() != 1 {
		t.Fatalf("expected source closed once, got %d", source.closes())
	}
	if snap := controller.Snapshot(); snap.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", snap.Status)
	}
}

func TestSession_EndToEnd(t *testing.T) {
	source := newFakeSource(5)
	channel := newFakeChannel()
	channel.echoInterim = true
	channel.finalBatch = &transcriber.ResponseBatch{
		Tokens: []transcriber.Token{
			{Text: "hello", IsFinal: true},
			{Text: " world", IsFinal: true},
			{Text: "!", IsFinal: true},
		},
		Finished: true,
	}
	repo := &fakeRepository{}
	wh := &fakeWebhookSender{}
	controller := newTestController(source, &fakeDialer{channel: channel}, repo, wh)

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return channel.sent() == 5 }, "all frames forwarded")
	waitFor(t, 2*time.Second, func() bool {
		return controller.Snapshot().InterimText != ""
	}, "interim hypothesis visible")

	snap := controller.Stop()
	if snap.Status != StatusStopped {
		t.Fatalf("expected stopped status, got %s (err=%s)", snap.Status, snap.Err)
	}
	if snap.FinalText != "hello world!" {
		t.Fatalf("unexpected final text: %q", snap.FinalText)
	}
	if snap.InterimText != "" {
		t.Fatalf("expected interim buffer cleared by final batch, got %q", snap.InterimText)
	}
	if source.closes() != 1 {
		t.Fatalf("expected source closed once, got %d", source.closes())
	}
	if channel.closes() != 1 {
		t.Fatalf("expected channel closed once, got %d", channel.closes())
	}

	repo.mu.Lock()
	created, completed := len(repo.created), len(repo.completed)
	var persisted string
	if completed > 0 {
		persisted = repo.completed[0].Transcript
	}
	repo.mu.Unlock()
	if created != 1 || completed != 1 {
		t.Fatalf("expected one created and one completed session, got %d/%d", created, completed)
	}
	if persisted != "hello world!" {
		t.Fatalf("unexpected persisted transcript: %q", persisted)
	}

	wh.mu.Lock()
	delivered := len(wh.payloads)
	wh.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected one webhook delivery, got %d", delivered)
	}
}

func TestStop_Idempotent(t *testing.T) {
	source := newFakeSource(0)
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first := controller.Stop()
	second := controller.Stop()

	if first.Status != StatusStopped || second.Status != StatusStopped {
		t.Fatalf("expected stopped status, got %s then %s", first.Status, second.Status)
	}
	if first.FinalText != second.FinalText {
		t.Fatalf("second stop returned a different transcript: %q vs %q", first.FinalText, second.FinalText)
	}
	if source.closes() != 1 {
		t.Fatalf("expected source released once, got %d", source.closes())
	}
	if channel.closes() != 1 {
		t.Fatalf("expected channel released once, got %d", channel.closes())
	}
}

func TestReceiveError_FailsSessionAndStopsCapture(t *testing.T) {
	source := newFakeSource(0)
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.recvErr <- &transcriber.ConnectionError{Op: "receive", Err: errors.New("connection reset")}

	waitFor(t, 3*time.Second, func() bool {
		return controller.Snapshot().Status == StatusFailed
	}, "session to fail")
	snap := controller.Snapshot()
	if snap.Err == "" {
		t.Fatal("expected non-empty error description")
	}
	// The capture task must observe the stop signal within the bounded
	// shutdown timeout.
	waitFor(t, 3*time.Second, func() bool { return source.closes() >= 1 }, "capture source release")

	final := controller.Stop()
	if final.Status != StatusFailed {
		t.Fatalf("expected failed status after stop, got %s", final.Status)
	}
	if source.closes() != 1 {
		t.Fatalf("expected source released once, got %d", source.closes())
	}
}

func TestDeviceReadError_FailsSession(t *testing.T) {
	source := newFakeSource(0)
	source.mu.Lock()
	source.readErr = &capture.DeviceError{Op: "read", Err: errors.New("device unplugged")}
	source.mu.Unlock()
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return controller.Snapshot().Status == StatusFailed
	}, "session to fail")
	snap := controller.Stop()
	if snap.Err == "" {
		t.Fatal("expected non-empty error description")
	}
}

func TestBackendError_SurfacesMessageVerbatim(t *testing.T) {
	source := newFakeSource(0)
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.batches <- transcriber.ResponseBatch{ErrorCode: 402, ErrorMessage: "payment required"}

	waitFor(t, 3*time.Second, func() bool {
		return controller.Snapshot().Status == StatusFailed
	}, "session to fail")
	snap := controller.Stop()
	if want := "transcriber: backend error 402: payment required"; snap.Err != want {
		t.Fatalf("expected %q, got %q", want, snap.Err)
	}
}

func TestSession_RestartAfterStop(t *testing.T) {
	repo := &fakeRepository{}
	wh := &fakeWebhookSender{}

	sources := []*fakeSource{newFakeSource(0), newFakeSource(0)}
	channels := []*fakeChannel{newFakeChannel(), newFakeChannel()}
	var idx int
	factory := capture.SourceFactory(func(_ capture.Format) (capture.Source, error) {
		return sources[idx], nil
	})
	dialer := &switchingDialer{channels: channels, idx: &idx}
	controller := NewController(testConfig(), factory, dialer, normalize.Identity{}, repo, wh)

	if err := controller.Start(); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	controller.Stop()

	idx = 1
	if err := controller.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	snap := controller.Stop()
	if snap.Status != StatusStopped {
		t.Fatalf("expected stopped status after restart, got %s", snap.Status)
	}
	if sources[0].closes() != 1 || sources[1].closes() != 1 {
		t.Fatalf("expected each source released once, got %d and %d", sources[0].closes(), sources[1].closes())
	}
}

type switchingDialer struct {
	channels []*fakeChannel
	idx      *int
}

func (d *switchingDialer) Dial(_ context.Context, _ transcriber.SessionConfig) (transcriber.Channel, error) {
	return d.channels[*d.idx], nil
}

// ctxBoundChannel binds its receive path to the dial context the way the
// gRPC streaming adapter does: once the context is cancelled, Receive
// aborts even if trailing batches are still queued.
type ctxBoundChannel struct {
	mu         sync.Mutex
	ctx        context.Context
	batches    chan transcriber.ResponseBatch
	state      transcriber.ChannelState
	eosCount   int
	closeCount int
}

func (c *ctxBoundChannel) Send(_ capture.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = transcriber.StateStreaming
	return nil
}

func (c *ctxBoundChannel) SendEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eosCount++
	if c.eosCount > 1 {
		return nil
	}
	if c.ctx.Err() != nil {
		return &transcriber.ConnectionError{Op: "send end of stream", Err: c.ctx.Err()}
	}
	c.state = transcriber.StateDraining
	c.batches <- transcriber.ResponseBatch{
		Tokens: []transcriber.Token{
			{Text: "trailing", IsFinal: true},
			{Text: " final", IsFinal: true},
		},
		Finished: true,
	}
	return nil
}

func (c *ctxBoundChannel) Receive() (transcriber.ResponseBatch, error) {
	select {
	case batch := <-c.batches:
		return batch, nil
	case <-c.ctx.Done():
		return transcriber.ResponseBatch{}, &transcriber.ConnectionError{Op: "receive", Err: c.ctx.Err()}
	}
}

func (c *ctxBoundChannel) State() transcriber.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ctxBoundChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

type ctxBoundDialer struct {
	channel *ctxBoundChannel
}

func (d *ctxBoundDialer) Dial(ctx context.Context, _ transcriber.SessionConfig) (transcriber.Channel, error) {
	d.channel = &ctxBoundChannel{
		ctx:     ctx,
		state:   transcriber.StateConfigSent,
		batches: make(chan transcriber.ResponseBatch, 4),
	}
	return d.channel, nil
}

func TestStop_DrainsTrailingFinalsOnContextBoundChannel(t *testing.T) {
	source := newFakeSource(0)
	dialer := &ctxBoundDialer{}
	factory := capture.SourceFactory(func(_ capture.Format) (capture.Source, error) {
		return source, nil
	})
	controller := NewController(testConfig(), factory, dialer, normalize.Identity{}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	snap := controller.Stop()

	if snap.Status != StatusStopped {
		t.Fatalf("expected stopped status, got %s (err=%s)", snap.Status, snap.Err)
	}
	if snap.FinalText != "trailing final" {
		t.Fatalf("trailing final tokens lost during drain: %q", snap.FinalText)
	}
	if dialer.channel.eosCount == 0 {
		t.Fatal("end of stream was never sent")
	}
}

func TestStop_DuringStartWaitsForSettle(t *testing.T) {
	gate := make(chan struct{})
	source := newFakeSource(0)
	channel := newFakeChannel()
	factory := capture.SourceFactory(func(_ capture.Format) (capture.Source, error) {
		<-gate
		return source, nil
	})
	controller := NewController(testConfig(), factory, &fakeDialer{channel: channel}, normalize.Identity{}, &fakeRepository{}, &fakeWebhookSender{})

	startErr := make(chan error, 1)
	go func() { startErr <- controller.Start() }()
	waitFor(t, 2*time.Second, func() bool {
		return controller.Snapshot().Status == StatusStarting
	}, "start in flight")

	stopped := make(chan Snapshot, 1)
	go func() { stopped <- controller.Stop() }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	if err := <-startErr; err != nil {
		t.Fatalf("start failed: %v", err)
	}
	snap := <-stopped
	if snap.Status != StatusStopped {
		t.Fatalf("expected stopped status after racing stop, got %s", snap.Status)
	}
	if source.closes() != 1 {
		t.Fatalf("expected source released once, got %d", source.closes())
	}
	if channel.closes() != 1 {
		t.Fatalf("expected channel released once, got %d", channel.closes())
	}
}

func TestSnapshot_SpeakerChangeResetsLanguage(t *testing.T) {
	source := newFakeSource(0)
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.batches <- transcriber.ResponseBatch{
		Tokens: []transcriber.Token{
			{Text: "hello", IsFinal: true, Speaker: "1", Language: "en"},
			{Text: " hallo", IsFinal: true, Speaker: "2"},
		},
	}

	waitFor(t, 2*time.Second, func() bool {
		return controller.Snapshot().CurrentSpeaker == "2"
	}, "second speaker tracked")
	snap := controller.Snapshot()
	if snap.CurrentLanguage != "" {
		t.Fatalf("language must reset at the speaker boundary, got %q", snap.CurrentLanguage)
	}
	controller.Stop()
}

func TestSnapshot_LanguageHistory(t *testing.T) {
	source := newFakeSource(0)
	channel := newFakeChannel()
	controller := newTestController(source, &fakeDialer{channel: channel}, &fakeRepository{}, &fakeWebhookSender{})

	if err := controller.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	channel.batches <- transcriber.ResponseBatch{
		Tokens: []transcriber.Token{
			{Text: "hello", IsFinal: true, Speaker: "1", Language: "en"},
			{Text: " namaste", IsFinal: true, Speaker: "1", Language: "hi"},
		},
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(controller.Snapshot().LanguageHistory) == 2
	}, "language history populated")
	snap := controller.Snapshot()
	if snap.LanguageHistory[0] != "en" || snap.LanguageHistory[1] != "hi" {
		t.Fatalf("unexpected language history: %v", snap.LanguageHistory)
	}
	if snap.CurrentLanguage != "hi" {
		t.Fatalf("expected current language hi, got %q", snap.CurrentLanguage)
	}
	if snap.CurrentSpeaker != "1" {
		t.Fatalf("expected current speaker 1, got %q", snap.CurrentSpeaker)
	}
	controller.Stop()
}
