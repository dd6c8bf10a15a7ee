package transcriber

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/kikulab/kikitori/internal/capture"
	"github.com/kikulab/kikitori/internal/transcriber"
	"google.golang.org/api/option"
)

const speechAPIEndpointPort = 443

// CloudSpeechConfig holds the provider-level settings for Google Cloud
// Speech-to-Text v2 streaming recognition.
type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
}

type CloudSpeechDialer struct {
	projectID       string
	credentialsJSON string
	location        string
	model           string
}

func NewCloudSpeechDialer(cfg CloudSpeechConfig) transcriber.Dialer {
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "global"
	}
	return &CloudSpeechDialer{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		location:        location,
		model:           strings.TrimSpace(cfg.Model),
	}
}

func (d *CloudSpeechDialer) Dial(ctx context.Context, cfg transcriber.SessionConfig) (transcriber.Channel, error) {
	credentialsJSON := d.credentialsJSON
	if cfg.Credential != "" {
		credentialsJSON = cfg.Credential
	}
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if d.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", d.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, &transcriber.ConnectionError{Op: "dial", Err: err}
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, &transcriber.ConnectionError{Op: "open stream", Err: err}
	}

	model := d.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	languages := cfg.LanguageHints
	if len(languages) == 0 {
		languages = []string{"en-US"}
	}
	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", d.projectID, d.location)
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		Recognizer: recognizer,
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Model:         model,
					LanguageCodes: languages,
					DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
							Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(cfg.Format.SampleRate),
							AudioChannelCount: int32(cfg.Format.Channels),
						},
					},
					Features: &speechpb.RecognitionFeatures{},
				},
				StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
			},
		},
	}); err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, &transcriber.ConnectionError{Op: "send config", Err: err}
	}
	slog.Info("cloud speech stream initialized", "location", d.location, "model", model)
	return &cloudSpeechChannel{client: client, stream: stream, state: transcriber.StateConfigSent}, nil
}

type cloudSpeechChannel struct {
	mu      sync.Mutex
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	state   transcriber.ChannelState
	eosSent bool
	closed  bool
}

func (c *cloudSpeechChannel) Send(frame capture.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state >= transcriber.StateDraining {
		return io.ErrClosedPipe
	}
	if err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: frame,
		},
	}); err != nil {
		return &transcriber.ConnectionError{Op: "send audio", Err: err}
	}
	if c.state == transcriber.StateConfigSent {
		c.state = transcriber.StateStreaming
	}
	return nil
}

// SendEndOfStream half-closes the gRPC stream; the backend flushes trailing
// final results and then ends the response stream.
func (c *cloudSpeechChannel) SendEndOfStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eosSent || c.closed || c.state == transcriber.StateClosed {
		return nil
	}
	if err := c.stream.CloseSend(); err != nil {
		return &transcriber.ConnectionError{Op: "send end of stream", Err: err}
	}
	c.eosSent = true
	c.state = transcriber.StateDraining
	return nil
}

func (c *cloudSpeechChannel) Receive() (transcriber.ResponseBatch, error) {
	resp, err := c.stream.Recv()
	if err != nil {
		c.mu.Lock()
		drained := c.eosSent
		c.state = transcriber.StateClosed
		c.mu.Unlock()
		if err == io.EOF && drained {
			// End of the response stream after a clean drain.
			return transcriber.ResponseBatch{Finished: true}, nil
		}
		return transcriber.ResponseBatch{}, &transcriber.ConnectionError{Op: "receive", Err: err}
	}

	var batch transcriber.ResponseBatch
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		batch.Tokens = append(batch.Tokens, transcriber.Token{
			Text:     alts[0].GetTranscript(),
			IsFinal:  result.GetIsFinal(),
			Language: result.GetLanguageCode(),
		})
	}
	return batch, nil
}

func (c *cloudSpeechChannel) State() transcriber.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *cloudSpeechChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.state < transcriber.StateDraining {
		_ = c.stream.CloseSend()
	}
	c.state = transcriber.StateClosed
	return c.client.Close()
}
