package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kikulab/kikitori/internal/webhook"
)

func testPayload() webhook.TranscriptWebhookPayload {
	return webhook.TranscriptWebhookPayload{
		SchemaVersion:   webhook.TranscriptWebhookSchemaVersion,
		SessionID:       "7b8a9a1e-0000-4000-8000-000000000000",
		StartAt:         "2026-08-23T10:00:00Z",
		EndAt:           "2026-08-23T10:05:00Z",
		DurationSeconds: 300,
		Languages:       []string{"en", "hi"},
		FinalTokenCount: 42,
		Transcript:      "Speaker 1: hello",
	}
}

func TestSendTranscript(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	if err := sender.SendTranscript(context.Background(), testPayload()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content type %q", gotContentType)
	}

	var decoded webhook.TranscriptWebhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	if decoded.SchemaVersion != webhook.TranscriptWebhookSchemaVersion {
		t.Fatalf("unexpected schema version %d", decoded.SchemaVersion)
	}
	if decoded.Transcript != "Speaker 1: hello" || decoded.FinalTokenCount != 42 {
		t.Fatalf("payload not delivered intact: %+v", decoded)
	}
}

func TestSendTranscript_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	if err := sender.SendTranscript(context.Background(), testPayload()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestSendTranscript_EmptyURLIsNoop(t *testing.T) {
	sender := NewHTTPSender("")
	if err := sender.SendTranscript(context.Background(), testPayload()); err != nil {
		t.Fatalf("empty URL must be a no-op, got %v", err)
	}
}
