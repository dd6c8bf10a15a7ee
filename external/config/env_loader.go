package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/kikulab/kikitori/internal/config"
)

type envConfig struct {
	Env        string `env:"ENV" envDefault:"production"`
	Provider   string `env:"STT_PROVIDER" envDefault:"soniox"`
	AudioInput string `env:"AUDIO_INPUT" envDefault:"microphone"`

	SonioxAPIKey       string `env:"SONIOX_API_KEY"`
	SonioxWebsocketURL string `env:"SONIOX_WEBSOCKET_URL" envDefault:"wss://stt-rt.soniox.com/transcribe-websocket"`
	SonioxModel        string `env:"SONIOX_MODEL" envDefault:"stt-rt-preview"`

	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"global"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`

	LanguageHints                []string `env:"LANGUAGE_HINTS" envDefault:"en,hi,gu"`
	RecognitionContext           string   `env:"RECOGNITION_CONTEXT"`
	EnableLanguageIdentification bool     `env:"ENABLE_LANGUAGE_IDENTIFICATION" envDefault:"true"`
	EnableSpeakerDiarization     bool     `env:"ENABLE_SPEAKER_DIARIZATION" envDefault:"true"`
	EnableEndpointDetection      bool     `env:"ENABLE_ENDPOINT_DETECTION" envDefault:"true"`

	TranslationMode           string `env:"TRANSLATION_MODE" envDefault:"none"`
	TranslationTargetLanguage string `env:"TRANSLATION_TARGET_LANGUAGE"`
	TranslationLanguageA      string `env:"TRANSLATION_LANGUAGE_A"`
	TranslationLanguageB      string `env:"TRANSLATION_LANGUAGE_B"`

	SampleRate      int `env:"AUDIO_SAMPLE_RATE" envDefault:"16000"`
	Channels        int `env:"AUDIO_CHANNELS" envDefault:"1"`
	FrameDurationMS int `env:"AUDIO_FRAME_DURATION_MS" envDefault:"120"`

	MinLanguagesForTags int    `env:"MIN_LANGUAGES_FOR_TAGS" envDefault:"2"`
	TokenSeparator      string `env:"TOKEN_SEPARATOR"`

	ShutdownTimeoutSec int `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"5"`
	SnapshotIntervalMS int `env:"SNAPSHOT_INTERVAL_MS" envDefault:"300"`

	DictionaryPaths []string `env:"DICTIONARY_PATHS"`

	DatabaseURL          string `env:"DATABASE_URL"`
	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                          raw.Env,
		Provider:                     raw.Provider,
		AudioInput:                   raw.AudioInput,
		SonioxAPIKey:                 raw.SonioxAPIKey,
		SonioxWebsocketURL:           raw.SonioxWebsocketURL,
		SonioxModel:                  raw.SonioxModel,
		GoogleCloudProjectID:         raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON:   raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:    raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:       raw.GoogleCloudSpeechModel,
		LanguageHints:                raw.LanguageHints,
		RecognitionContext:           raw.RecognitionContext,
		EnableLanguageIdentification: raw.EnableLanguageIdentification,
		EnableSpeakerDiarization:     raw.EnableSpeakerDiarization,
		EnableEndpointDetection:      raw.EnableEndpointDetection,
		TranslationMode:              raw.TranslationMode,
		TranslationTargetLanguage:    raw.TranslationTargetLanguage,
		TranslationLanguageA:         raw.TranslationLanguageA,
		TranslationLanguageB:         raw.TranslationLanguageB,
		SampleRate:                   raw.SampleRate,
		Channels:                     raw.Channels,
		FrameDurationMS:              raw.FrameDurationMS,
		MinLanguagesForTags:          raw.MinLanguagesForTags,
		TokenSeparator:               raw.TokenSeparator,
		ShutdownTimeoutSec:           raw.ShutdownTimeoutSec,
		SnapshotIntervalMS:           raw.SnapshotIntervalMS,
		DictionaryPaths:              raw.DictionaryPaths,
		DatabaseURL:                  raw.DatabaseURL,
		TranscriptWebhookURL:         raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
