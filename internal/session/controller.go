package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/config"
	"github.com/kikulab/kikitori/internal/normalize"
	"github.com/kikulab/kikitori/internal/repository"
	"github.com/kikulab/kikitori/internal/transcriber"
	"github.com/kikulab/kikitori/internal/transcript"
	"github.com/kikulab/kikitori/internal/webhook"
)

const finalizeTimeout = 10 * time.Second

// Status is the lifecycle state of a transcription session.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Start while a session is starting,
// running or stopping.
var ErrAlreadyRunning = errors.New("session: already running")

// Snapshot is a consistent read of the transcript state.
type Snapshot struct {
	SessionID       string
	Status          Status
	FinalText       string
	InterimText     string
	CurrentSpeaker  string
	CurrentLanguage string
	LanguageHistory []string
	Err             string
}

// Controller owns one live transcription session: the capture-forward task,
// the receive-aggregate task, the shared transcript state and the
// start/stop lifecycle. A Controller is reusable; Start after Stopped or
// Failed begins a fresh session.
//
// Exactly one goroutine (the receive task) mutates the transcript state.
// The mutex is held only across in-memory updates and reads, never across a
// device read or network call.
type Controller struct {
	cfg        *config.Config
	openSource capture.SourceFactory
	dialer     transcriber.Dialer
	renderer   *transcript.Renderer
	normalizer normalize.Normalizer
	repo       repository.Repository
	webhook    webhook.Sender

	mu              sync.Mutex
	status          Status
	sessionID       string
	startedAt       time.Time
	finalLog        []transcriber.Token
	interim         []transcriber.Token
	languageHistory []string
	errDesc         string

	source       capture.Source
	channel      transcriber.Channel
	cancel       context.CancelFunc
	captureDone  chan struct{}
	receiveDone  chan struct{}
	teardownOnce *sync.Once
	teardownDone chan struct{}
	startDone    chan struct{}
}

func NewController(cfg *config.Config, openSource capture.SourceFactory, dialer transcriber.Dialer, normalizer normalize.Normalizer, repo repository.Repository, wh webhook.Sender) *Controller {
	return &Controller{
		cfg:        cfg,
		openSource: openSource,
		dialer:     dialer,
		renderer: transcript.NewRenderer(transcript.RenderOptions{
			MinLanguagesForTags: cfg.MinLanguagesForTags,
			TokenSeparator:      cfg.TokenSeparator,
		}),
		normalizer: normalizer,
		repo:       repo,
		webhook:    wh,
	}
}

// Start opens the capture source and the transcription channel, then spawns
// the two session tasks. It returns without blocking on audio. Open or dial
// failures transition the session to Failed and are returned to the caller.
func (c *Controller) Start() error {
	c.mu.Lock()
	switch c.status {
	case StatusIdle, StatusStopped, StatusFailed:
	default:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.status = StatusStarting
	startDone := make(chan struct{})
	c.startDone = startDone
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now()
	c.finalLog = nil
	c.interim = nil
	c.languageHistory = nil
	c.errDesc = ""
	c.source = nil
	c.channel = nil
	c.cancel = nil
	c.captureDone = nil
	c.receiveDone = nil
	c.teardownOnce = nil
	c.teardownDone = nil
	sessionID := c.sessionID
	c.mu.Unlock()
	defer close(startDone)

	format := capture.Format{
		SampleRate:    c.cfg.SampleRate,
		Channels:      c.cfg.Channels,
		FrameDuration: time.Duration(c.cfg.FrameDurationMS) * time.Millisecond,
	}
	source, err := c.openSource(format)
	if err != nil {
		c.failStart(sessionID, "failed to open capture device", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	channel, err := c.dialer.Dial(ctx, c.sessionConfig(format))
	if err != nil {
		cancel()
		_ = source.Close()
		c.failStart(sessionID, "failed to connect transcription channel", err)
		return err
	}

	captureDone := make(chan struct{})
	receiveDone := make(chan struct{})

	c.mu.Lock()
	c.source = source
	c.channel = channel
	c.cancel = cancel
	c.captureDone = captureDone
	c.receiveDone = receiveDone
	c.teardownOnce = &sync.Once{}
	c.teardownDone = make(chan struct{})
	c.status = StatusRunning
	c.mu.Unlock()

	c.createSessionRecord(sessionID)

	go c.captureLoop(ctx, sessionID, source, channel, captureDone)
	go c.receiveLoop(ctx, sessionID, channel, receiveDone)
	slog.Info("session started", "session_id", sessionID, "provider", c.cfg.Provider, "sample_rate", format.SampleRate, "frame_ms", c.cfg.FrameDurationMS)
	return nil
}

// Stop tears the session down: stops both tasks, sends end-of-stream,
// closes the capture source and the channel exactly once, and waits a
// bounded time for the tasks to exit. A Stop that races an in-flight Start
// waits for Start to settle and then tears down whatever it produced. It
// is idempotent and safe to call when no session is running, in which case
// it returns the current snapshot unchanged.
func (c *Controller) Stop() Snapshot {
	for {
		c.mu.Lock()
		if c.status == StatusStarting {
			startDone := c.startDone
			c.mu.Unlock()
			<-startDone
			continue
		}
		switch c.status {
		case StatusIdle, StatusStopped, StatusFailed:
			teardownDone := c.teardownDone
			c.mu.Unlock()
			if teardownDone != nil {
				<-teardownDone
			}
			return c.Snapshot()
		}
		c.status = StatusStopping
		once := c.teardownOnce
		teardownDone := c.teardownDone
		sessionID := c.sessionID
		c.mu.Unlock()

		slog.Info("stopping session", "session_id", sessionID)
		once.Do(c.teardown)
		<-teardownDone
		return c.Snapshot()
	}
}

// Snapshot returns a consistent view of the transcript. It never observes a
// torn interim buffer: state is copied under the lock and rendered outside
// it.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	finalLog := slices.Clone(c.finalLog)
	interim := slices.Clone(c.interim)
	history := slices.Clone(c.languageHistory)
	snap := Snapshot{
		SessionID:       c.sessionID,
		Status:          c.status,
		LanguageHistory: history,
		Err:             c.errDesc,
	}
	c.mu.Unlock()

	merged := append(finalLog, interim...)
	full := c.renderer.Render(merged, history)
	finalText := c.renderer.Render(finalLog, history)
	snap.FinalText = c.normalizer.Apply(finalText)
	snap.InterimText = c.normalizer.Apply(strings.TrimPrefix(full, finalText))
	snap.CurrentSpeaker, snap.CurrentLanguage = trackedSpeakerAndLanguage(merged)
	return snap
}

func (c *Controller) sessionConfig(format capture.Format) transcriber.SessionConfig {
	sc := transcriber.SessionConfig{
		Credential:                   c.cfg.SonioxAPIKey,
		Model:                        c.cfg.SonioxModel,
		LanguageHints:                c.cfg.LanguageHints,
		Context:                      c.cfg.RecognitionContext,
		EnableLanguageIdentification: c.cfg.EnableLanguageIdentification,
		EnableSpeakerDiarization:     c.cfg.EnableSpeakerDiarization,
		EnableEndpointDetection:      c.cfg.EnableEndpointDetection,
		Format:                       format,
	}
	if c.cfg.Provider == config.ProviderCloudSpeech {
		sc.Credential = c.cfg.GoogleCloudCredentialsJSON
		sc.Model = c.cfg.GoogleCloudSpeechModel
	}
	switch c.cfg.TranslationMode {
	case "one_way":
		sc.Translation = transcriber.TranslationConfig{
			Mode:           transcriber.TranslationModeOneWay,
			TargetLanguage: c.cfg.TranslationTargetLanguage,
		}
	case "two_way":
		sc.Translation = transcriber.TranslationConfig{
			Mode:      transcriber.TranslationModeTwoWay,
			LanguageA: c.cfg.TranslationLanguageA,
			LanguageB: c.cfg.TranslationLanguageB,
		}
	default:
		sc.Translation = transcriber.TranslationConfig{Mode: transcriber.TranslationModeNone}
	}
	return sc
}

// captureLoop blocks on the device read, then on the channel send. The
// channel's backpressure throttles the capture cadence; there is no queue
// in between. The stop signal is observed between reads, and closing the
// source unblocks an in-flight read.
func (c *Controller) captureLoop(ctx context.Context, sessionID string, source capture.Source, ch transcriber.Channel, done chan struct{}) {
	defer close(done)
	var forwarded int64
	for {
		select {
		case <-ctx.Done():
			slog.Debug("capture loop stopped", "session_id", sessionID, "forwarded_frames", forwarded)
			return
		default:
		}
		frame, err := source.Read()
		if err != nil {
			if errors.Is(err, capture.ErrClosed) || ctx.Err() != nil {
				slog.Debug("capture loop stopped", "session_id", sessionID, "forwarded_frames", forwarded)
				return
			}
			c.fail(sessionID, fmt.Sprintf("audio capture failed: %v", err))
			return
		}
		if err := ch.Send(frame); err != nil {
			if ctx.Err() != nil || ch.State() >= transcriber.StateDraining {
				return
			}
			c.fail(sessionID, fmt.Sprintf("failed to forward audio: %v", err))
			return
		}
		forwarded++
	}
}

// receiveLoop pumps response batches through the aggregator into the shared
// transcript state. It is the only writer of that state. It exits on a
// finished batch, channel closure or cancellation.
func (c *Controller) receiveLoop(ctx context.Context, sessionID string, ch transcriber.Channel, done chan struct{}) {
	defer close(done)
	for {
		batch, err := ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			stopping := c.status == StatusStopping || c.status == StatusStopped
			c.mu.Unlock()
			if stopping {
				slog.Debug("receive loop ended during shutdown", "session_id", sessionID, "error", err)
				return
			}
			c.fail(sessionID, fmt.Sprintf("transcription channel lost: %v", err))
			return
		}
		if batch.ErrorCode != 0 || batch.ErrorMessage != "" {
			perr := &transcriber.ProtocolError{Code: batch.ErrorCode, Message: batch.ErrorMessage}
			c.fail(sessionID, perr.Error())
			return
		}
		c.apply(batch)
		if batch.Finished {
			slog.Info("backend finished stream", "session_id", sessionID)
			c.completeFromBackend()
			return
		}
	}
}

func (c *Controller) apply(batch transcriber.ResponseBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalLog, c.interim = transcript.Merge(c.finalLog, c.interim, batch)
	c.languageHistory = append(c.languageHistory, transcript.Languages(batch.Tokens, c.languageHistory)...)
}

// completeFromBackend handles the backend closing the stream on its own,
// for example after an end-of-stream drain or a server-side session limit.
func (c *Controller) completeFromBackend() {
	c.mu.Lock()
	if c.status == StatusRunning {
		c.status = StatusStopping
	}
	once := c.teardownOnce
	c.mu.Unlock()
	go once.Do(c.teardown)
}

func (c *Controller) failStart(sessionID, desc string, err error) {
	c.mu.Lock()
	c.status = StatusFailed
	c.errDesc = fmt.Sprintf("%s: %v", desc, err)
	c.mu.Unlock()
	slog.Error("session start failed", "session_id", sessionID, "error", err)
}

// fail records a fatal task error and triggers the same idempotent teardown
// as Stop. Errors raised while a shutdown is already in progress are
// expected side effects of closing the resources and are not recorded.
func (c *Controller) fail(sessionID, desc string) {
	c.mu.Lock()
	if c.status == StatusStopping || c.status == StatusStopped {
		c.mu.Unlock()
		slog.Debug("ignoring task error during shutdown", "session_id", sessionID, "error", desc)
		return
	}
	c.status = StatusFailed
	if c.errDesc == "" {
		c.errDesc = desc
	}
	once := c.teardownOnce
	c.mu.Unlock()
	slog.Error("session failed", "session_id", sessionID, "error", desc)
	go once.Do(c.teardown)
}

// teardown runs exactly once per session. It closes the capture source to
// unblock the device read, drains the channel with an end-of-stream marker,
// closes the channel, and only then cancels the session context. The
// channel may bind its receive path to the dial context (the gRPC adapter
// does), so cancelling before the drain would abort the trailing final
// tokens. Waits are bounded; if a task fails to exit in time, teardown
// proceeds anyway and relies on the idempotent Close contracts.
func (c *Controller) teardown() {
	c.mu.Lock()
	sessionID := c.sessionID
	cancel := c.cancel
	source := c.source
	channel := c.channel
	captureDone := c.captureDone
	receiveDone := c.receiveDone
	teardownDone := c.teardownDone
	c.mu.Unlock()

	timeout := time.Duration(c.cfg.ShutdownTimeoutSec) * time.Second

	if err := source.Close(); err != nil {
		slog.Warn("failed to close capture source", "session_id", sessionID, "error", err)
	}
	waitOrTimeout(captureDone, timeout, sessionID, "capture")
	if err := channel.SendEndOfStream(); err != nil {
		slog.Debug("end-of-stream send failed", "session_id", sessionID, "error", err)
	}
	waitOrTimeout(receiveDone, timeout, sessionID, "receive")
	if err := channel.Close(); err != nil {
		slog.Warn("failed to close transcription channel", "session_id", sessionID, "error", err)
	}
	cancel()

	c.mu.Lock()
	if c.status == StatusStopping {
		c.status = StatusStopped
	}
	c.mu.Unlock()

	c.finalize(sessionID)
	close(teardownDone)
	slog.Info("session torn down", "session_id", sessionID)
}

func waitOrTimeout(done chan struct{}, timeout time.Duration, sessionID, task string) {
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("shutdown timeout; proceeding with teardown", "session_id", sessionID, "task", task, "timeout", timeout)
	}
}

func (c *Controller) createSessionRecord(sessionID string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelCtx()
	model := c.cfg.SonioxModel
	if c.cfg.Provider == config.ProviderCloudSpeech {
		model = c.cfg.GoogleCloudSpeechModel
	}
	if _, err := c.repo.CreateSession(ctx, repository.CreateSessionInput{
		SessionID: sessionID,
		Model:     model,
		StartedAt: c.startedAt,
	}); err != nil {
		slog.Error("failed to record session start", "session_id", sessionID, "error", err)
	}
}

// finalize persists the finished transcript and delivers it to the webhook.
// Both are best-effort; persistence problems never fail the stop path.
func (c *Controller) finalize(sessionID string) {
	snap := c.Snapshot()
	c.mu.Lock()
	startedAt := c.startedAt
	finalTokens := len(c.finalLog)
	c.mu.Unlock()

	endedAt := time.Now()
	status := repository.SessionStatusCompleted
	if snap.Status == StatusFailed {
		status = repository.SessionStatusFailed
	}

	ctx, cancelCtx := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelCtx()
	if err := c.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:       sessionID,
		EndedAt:         endedAt,
		Status:          status,
		Languages:       snap.LanguageHistory,
		FinalTokenCount: finalTokens,
		Transcript:      snap.FinalText,
		ErrorMessage:    snap.Err,
	}); err != nil {
		slog.Error("failed to persist session", "session_id", sessionID, "error", err)
	}

	if err := c.webhook.SendTranscript(ctx, webhook.TranscriptWebhookPayload{
		SchemaVersion:   webhook.TranscriptWebhookSchemaVersion,
		SessionID:       sessionID,
		StartAt:         startedAt.Format(time.RFC3339),
		EndAt:           endedAt.Format(time.RFC3339),
		DurationSeconds: int64(endedAt.Sub(startedAt).Seconds()),
		Languages:       snap.LanguageHistory,
		FinalTokenCount: finalTokens,
		Transcript:      snap.FinalText,
	}); err != nil {
		slog.Error("failed to deliver transcript webhook", "session_id", sessionID, "error", err)
	}
}

// trackedSpeakerAndLanguage walks tokens the way the renderer does: a
// speaker change resets the tracked language until the new speaker's first
// language-bearing token.
func trackedSpeakerAndLanguage(tokens []transcriber.Token) (speaker, language string) {
	for _, tok := range tokens {
		if tok.Speaker != "" && tok.Speaker != speaker {
			speaker = tok.Speaker
			language = ""
		}
		if tok.Language != "" {
			language = tok.Language
		}
	}
	return speaker, language
}
