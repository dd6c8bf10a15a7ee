package webhook

import "context"

const TranscriptWebhookSchemaVersion = 1

// TranscriptWebhookPayload is the JSON body delivered when a session ends.
type TranscriptWebhookPayload struct {
	SchemaVersion   int      `json:"schema_version"`
	SessionID       string   `json:"session_id"`
	StartAt         string   `json:"start_at"`
	EndAt           string   `json:"end_at"`
	DurationSeconds int64    `json:"duration_seconds"`
	Languages       []string `json:"languages"`
	FinalTokenCount int      `json:"final_token_count"`
	Transcript      string   `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptWebhookPayload) error
}
