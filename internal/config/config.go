package config

import "fmt"

const (
	ProviderSoniox      = "soniox"
	ProviderCloudSpeech = "cloudspeech"

	AudioInputMicrophone = "microphone"
	AudioInputOpusFeed   = "opus_feed"
)

type Config struct {
	Env string

	Provider   string
	AudioInput string

	SonioxAPIKey       string
	SonioxWebsocketURL string
	SonioxModel        string

	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string

	LanguageHints                []string
	RecognitionContext           string
	EnableLanguageIdentification bool
	EnableSpeakerDiarization     bool
	EnableEndpointDetection      bool

	TranslationMode           string
	TranslationTargetLanguage string
	TranslationLanguageA      string
	TranslationLanguageB      string

	SampleRate      int
	Channels        int
	FrameDurationMS int

	MinLanguagesForTags int
	TokenSeparator      string

	ShutdownTimeoutSec int
	SnapshotIntervalMS int

	DictionaryPaths []string

	DatabaseURL          string
	TranscriptWebhookURL string
}

func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderSoniox:
		if c.SonioxAPIKey == "" {
			return fmt.Errorf("SONIOX_API_KEY is required when STT_PROVIDER=%s", ProviderSoniox)
		}
		if c.SonioxWebsocketURL == "" {
			return fmt.Errorf("SONIOX_WEBSOCKET_URL is required when STT_PROVIDER=%s", ProviderSoniox)
		}
	case ProviderCloudSpeech:
		if c.GoogleCloudProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID is required when STT_PROVIDER=%s", ProviderCloudSpeech)
		}
		if c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_CREDENTIALS_JSON is required when STT_PROVIDER=%s", ProviderCloudSpeech)
		}
	default:
		return fmt.Errorf("STT_PROVIDER must be %q or %q, got %q", ProviderSoniox, ProviderCloudSpeech, c.Provider)
	}

	if c.AudioInput != AudioInputMicrophone && c.AudioInput != AudioInputOpusFeed {
		return fmt.Errorf("AUDIO_INPUT must be %q or %q, got %q", AudioInputMicrophone, AudioInputOpusFeed, c.AudioInput)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("AUDIO_CHANNELS must be positive, got %d", c.Channels)
	}
	if c.FrameDurationMS <= 0 {
		return fmt.Errorf("AUDIO_FRAME_DURATION_MS must be positive, got %d", c.FrameDurationMS)
	}
	if c.MinLanguagesForTags <= 0 {
		return fmt.Errorf("MIN_LANGUAGES_FOR_TAGS must be positive, got %d", c.MinLanguagesForTags)
	}
	if c.ShutdownTimeoutSec <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SEC must be positive, got %d", c.ShutdownTimeoutSec)
	}

	switch c.TranslationMode {
	case "", "none":
	case "one_way":
		if c.TranslationTargetLanguage == "" {
			return fmt.Errorf("TRANSLATION_TARGET_LANGUAGE is required when TRANSLATION_MODE=one_way")
		}
	case "two_way":
		if c.TranslationLanguageA == "" || c.TranslationLanguageB == "" {
			return fmt.Errorf("TRANSLATION_LANGUAGE_A and TRANSLATION_LANGUAGE_B are required when TRANSLATION_MODE=two_way")
		}
	default:
		return fmt.Errorf("TRANSLATION_MODE must be none, one_way or two_way, got %q", c.TranslationMode)
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
