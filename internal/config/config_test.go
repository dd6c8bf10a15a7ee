package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Env:                 "test",
		Provider:            ProviderSoniox,
		AudioInput:          AudioInputMicrophone,
		SonioxAPIKey:        "key",
		SonioxWebsocketURL:  "wss://stt-rt.soniox.com/transcribe-websocket",
		SonioxModel:         "stt-rt-preview",
		LanguageHints:       []string{"en", "hi", "gu"},
		SampleRate:          16000,
		Channels:            1,
		FrameDurationMS:     120,
		MinLanguagesForTags: 2,
		ShutdownTimeoutSec:  5,
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "whisper" },
			wantErr: "STT_PROVIDER",
		},
		{
			name:    "soniox without api key",
			mutate:  func(c *Config) { c.SonioxAPIKey = "" },
			wantErr: "SONIOX_API_KEY",
		},
		{
			name:    "soniox without websocket url",
			mutate:  func(c *Config) { c.SonioxWebsocketURL = "" },
			wantErr: "SONIOX_WEBSOCKET_URL",
		},
		{
			name: "cloudspeech without project",
			mutate: func(c *Config) {
				c.Provider = ProviderCloudSpeech
				c.GoogleCloudCredentialsJSON = "{}"
			},
			wantErr: "GOOGLE_CLOUD_PROJECT_ID",
		},
		{
			name: "cloudspeech without credentials",
			mutate: func(c *Config) {
				c.Provider = ProviderCloudSpeech
				c.GoogleCloudProjectID = "proj"
			},
			wantErr: "GOOGLE_CLOUD_CREDENTIALS_JSON",
		},
		{
			name:    "unknown audio input",
			mutate:  func(c *Config) { c.AudioInput = "line_in" },
			wantErr: "AUDIO_INPUT",
		},
		{
			name:    "zero sample rate",
			mutate:  func(c *Config) { c.SampleRate = 0 },
			wantErr: "AUDIO_SAMPLE_RATE",
		},
		{
			name:    "negative channels",
			mutate:  func(c *Config) { c.Channels = -1 },
			wantErr: "AUDIO_CHANNELS",
		},
		{
			name:    "zero frame duration",
			mutate:  func(c *Config) { c.FrameDurationMS = 0 },
			wantErr: "AUDIO_FRAME_DURATION_MS",
		},
		{
			name:    "zero language tag threshold",
			mutate:  func(c *Config) { c.MinLanguagesForTags = 0 },
			wantErr: "MIN_LANGUAGES_FOR_TAGS",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.ShutdownTimeoutSec = 0 },
			wantErr: "SHUTDOWN_TIMEOUT_SEC",
		},
		{
			name:    "one-way translation without target",
			mutate:  func(c *Config) { c.TranslationMode = "one_way" },
			wantErr: "TRANSLATION_TARGET_LANGUAGE",
		},
		{
			name: "two-way translation with one language",
			mutate: func(c *Config) {
				c.TranslationMode = "two_way"
				c.TranslationLanguageA = "en"
			},
			wantErr: "TRANSLATION_LANGUAGE_A",
		},
		{
			name:    "unknown translation mode",
			mutate:  func(c *Config) { c.TranslationMode = "roundtrip" },
			wantErr: "TRANSLATION_MODE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_TranslationModes(t *testing.T) {
	cfg := validConfig()
	cfg.TranslationMode = "one_way"
	cfg.TranslationTargetLanguage = "en"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("one-way translation rejected: %v", err)
	}

	cfg = validConfig()
	cfg.TranslationMode = "two_way"
	cfg.TranslationLanguageA = "en"
	cfg.TranslationLanguageB = "hi"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("two-way translation rejected: %v", err)
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := validConfig()
	if cfg.IsDevelopment() {
		t.Fatal("test env must not be development")
	}
	cfg.Env = "development"
	if !cfg.IsDevelopment() {
		t.Fatal("development env not detected")
	}
}
