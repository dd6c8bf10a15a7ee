package transcriber

import (
	"context"
	"fmt"

	"github.com/kikulab/kikitori/internal/capture"
)

// TranslationStatus marks whether a token is original speech or a
// translation produced by the backend.
type TranslationStatus string

const (
	TranslationStatusNone        TranslationStatus = ""
	TranslationStatusOriginal    TranslationStatus = "original"
	TranslationStatusTranslation TranslationStatus = "translation"
)

// Token is one recognition unit. Final tokens never change in later
// responses; non-final tokens are provisional hypotheses resent in full on
// every response until finalized. Speaker and Language are empty when the
// backend did not attach them; consumers inherit the last tracked value.
type Token struct {
	Text              string
	IsFinal           bool
	Speaker           string
	Language          string
	TranslationStatus TranslationStatus
}

// ResponseBatch is one message from the recognition backend.
type ResponseBatch struct {
	Tokens       []Token
	Finished     bool
	ErrorCode    int
	ErrorMessage string
}

// TranslationMode selects the backend translation behavior.
type TranslationMode string

const (
	TranslationModeNone   TranslationMode = "none"
	TranslationModeOneWay TranslationMode = "one_way"
	TranslationModeTwoWay TranslationMode = "two_way"
)

// TranslationConfig configures real-time translation. OneWay translates
// everything into TargetLanguage; TwoWay translates between LanguageA and
// LanguageB.
type TranslationConfig struct {
	Mode           TranslationMode
	TargetLanguage string
	LanguageA      string
	LanguageB      string
}

// SessionConfig is sent once when the channel is established.
type SessionConfig struct {
	Credential                   string
	Model                        string
	LanguageHints                []string
	Context                      string
	EnableLanguageIdentification bool
	EnableSpeakerDiarization     bool
	EnableEndpointDetection      bool
	Format                       capture.Format
	Translation                  TranslationConfig
}

// ChannelState tracks the lifecycle of a streaming channel.
type ChannelState int

const (
	StateConnecting ChannelState = iota
	StateConfigSent
	StateStreaming
	StateDraining
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConfigSent:
		return "config_sent"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is a duplex streaming connection to a recognition backend.
//
// Send may block under backpressure; there is no internal unbounded
// buffering. SendEndOfStream signals that no further audio follows; the
// backend keeps flushing trailing final tokens, which Receive must still
// deliver before reporting closure. Close is idempotent.
type Channel interface {
	Send(frame capture.Frame) error
	SendEndOfStream() error
	Receive() (ResponseBatch, error)
	State() ChannelState
	Close() error
}

// Dialer establishes a Channel. Dial sends the session config before
// returning, so a successful Dial leaves the channel in StateConfigSent.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Channel, error)
}

// ConnectionError reports that the channel could not be established or was
// lost before a finished batch was observed. It is fatal to the session and
// is not retried; the caller may start a new session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transcriber: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError carries a backend-reported error code and message. The
// message is surfaced verbatim.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transcriber: backend error %d: %s", e.Code, e.Message)
}
