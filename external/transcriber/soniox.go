package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/transcriber"
)

// SonioxConfig holds the provider-level settings for the Soniox real-time
// WebSocket API.
type SonioxConfig struct {
	WebsocketURL string
	APIKey       string
	Model        string
}

type SonioxDialer struct {
	url    string
	apiKey string
	model  string
}

func NewSonioxDialer(cfg SonioxConfig) transcriber.Dialer {
	return &SonioxDialer{
		url:    cfg.WebsocketURL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

// Dial opens the WebSocket and sends the session config as the first (text)
// message. Audio frames follow as binary messages; an empty binary message
// marks end of stream.
func (d *SonioxDialer) Dial(ctx context.Context, cfg transcriber.SessionConfig) (transcriber.Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, &transcriber.ConnectionError{Op: "dial", Err: err}
	}
	start := buildStartMessage(d.apiKey, d.model, cfg)
	b, err := json.Marshal(start)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("marshal session config: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = conn.Close()
		return nil, &transcriber.ConnectionError{Op: "send config", Err: err}
	}
	slog.Info("soniox stream initialized", "url", d.url, "model", start.Model)
	return &sonioxChannel{conn: conn, state: transcriber.StateConfigSent}, nil
}

type sonioxStartMessage struct {
	APIKey                       string             `json:"api_key"`
	Model                        string             `json:"model"`
	LanguageHints                []string           `json:"language_hints,omitempty"`
	Context                      string             `json:"context,omitempty"`
	EnableLanguageIdentification bool               `json:"enable_language_identification"`
	EnableSpeakerDiarization     bool               `json:"enable_speaker_diarization"`
	EnableEndpointDetection      bool               `json:"enable_endpoint_detection"`
	AudioFormat                  string             `json:"audio_format"`
	SampleRate                   int                `json:"sample_rate,omitempty"`
	NumChannels                  int                `json:"num_channels,omitempty"`
	Translation                  *sonioxTranslation `json:"translation,omitempty"`
}

type sonioxTranslation struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language,omitempty"`
	LanguageA      string `json:"language_a,omitempty"`
	LanguageB      string `json:"language_b,omitempty"`
}

func buildStartMessage(apiKey, model string, cfg transcriber.SessionConfig) sonioxStartMessage {
	if cfg.Credential != "" {
		apiKey = cfg.Credential
	}
	if cfg.Model != "" {
		model = cfg.Model
	}
	msg := sonioxStartMessage{
		APIKey:                       apiKey,
		Model:                        model,
		LanguageHints:                cfg.LanguageHints,
		Context:                      cfg.Context,
		EnableLanguageIdentification: cfg.EnableLanguageIdentification,
		EnableSpeakerDiarization:     cfg.EnableSpeakerDiarization,
		EnableEndpointDetection:      cfg.EnableEndpointDetection,
		AudioFormat:                  "pcm_s16le",
		SampleRate:                   cfg.Format.SampleRate,
		NumChannels:                  cfg.Format.Channels,
	}
	switch cfg.Translation.Mode {
	case transcriber.TranslationModeOneWay:
		msg.Translation = &sonioxTranslation{
			Type:           string(transcriber.TranslationModeOneWay),
			TargetLanguage: cfg.Translation.TargetLanguage,
		}
	case transcriber.TranslationModeTwoWay:
		msg.Translation = &sonioxTranslation{
			Type:      string(transcriber.TranslationModeTwoWay),
			LanguageA: cfg.Translation.LanguageA,
			LanguageB: cfg.Translation.LanguageB,
		}
	}
	return msg
}

type sonioxToken struct {
	Text              string      `json:"text"`
	IsFinal           bool        `json:"is_final"`
	Speaker           json.Number `json:"speaker"`
	Language          string      `json:"language"`
	TranslationStatus string      `json:"translation_status"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

// wsConn is the subset of *websocket.Conn the channel uses.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

type sonioxChannel struct {
	mu       sync.Mutex
	conn     wsConn
	state    transcriber.ChannelState
	eosSent  bool
	closed   bool
	finished bool
}

func (c *sonioxChannel) Send(frame capture.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state >= transcriber.StateDraining {
		return io.ErrClosedPipe
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &transcriber.ConnectionError{Op: "send audio", Err: err}
	}
	if c.state == transcriber.StateConfigSent {
		c.state = transcriber.StateStreaming
	}
	return nil
}

func (c *sonioxChannel) SendEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eosSent || c.closed || c.state == transcriber.StateClosed {
		return nil
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		return &transcriber.ConnectionError{Op: "send end of stream", Err: err}
	}
	c.eosSent = true
	c.state = transcriber.StateDraining
	return nil
}

// Receive blocks on the next server message. The backend keeps flushing
// trailing final tokens after end of stream; those batches are delivered
// until one carries finished, which moves the channel to Closed.
func (c *sonioxChannel) Receive() (transcriber.ResponseBatch, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.mu.Lock()
		finished := c.finished
		c.state = transcriber.StateClosed
		c.mu.Unlock()
		if finished || websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.drained() {
			return transcriber.ResponseBatch{}, io.EOF
		}
		return transcriber.ResponseBatch{}, &transcriber.ConnectionError{Op: "receive", Err: err}
	}

	var res sonioxResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return transcriber.ResponseBatch{}, fmt.Errorf("decode response: %w", err)
	}

	batch := transcriber.ResponseBatch{
		Finished:     res.Finished,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
	}
	for _, tok := range res.Tokens {
		batch.Tokens = append(batch.Tokens, transcriber.Token{
			Text:              tok.Text,
			IsFinal:           tok.IsFinal,
			Speaker:           tok.Speaker.String(),
			Language:          tok.Language,
			TranslationStatus: transcriber.TranslationStatus(tok.TranslationStatus),
		})
	}
	if res.Finished {
		c.mu.Lock()
		c.finished = true
		c.state = transcriber.StateClosed
		c.mu.Unlock()
	}
	return batch, nil
}

func (c *sonioxChannel) drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eosSent
}

func (c *sonioxChannel) State() transcriber.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *sonioxChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = transcriber.StateClosed
	return c.conn.Close()
}
