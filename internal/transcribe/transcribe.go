// Package transcribe converts voice-note audio to text via the OpenAI
// Whisper API so voice messages can flow through the same text routing
// as typed input.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the speech-to-text model used for voice notes.
const DefaultModel = openai.AudioModelWhisper1

// MaxAudioBytes bounds the audio payload accepted for transcription.
// WhatsApp voice notes are well under this; anything larger is rejected
// before hitting the API.
const MaxAudioBytes = 25 * 1024 * 1024

// ErrEmptyAudio indicates an empty audio payload.
var ErrEmptyAudio = errors.New("empty audio payload")

// ErrAudioTooLarge indicates the payload exceeds MaxAudioBytes.
var ErrAudioTooLarge = errors.New("audio payload too large")

// Transcriber converts an audio payload to text. Implementations return
// an error when the service is unavailable; callers degrade to a
// "voice notes unsupported" reply rather than failing the turn.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// audioService defines the minimal interface for audio transcription,
// satisfied by the OpenAI SDK and by test mocks.
type audioService interface {
	Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error)
}

type openaiAudioService struct {
	client openai.Client
}

func (s *openaiAudioService) Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return openai.Transcription{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the transcription client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the transcription client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the transcription model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client transcribes audio through the OpenAI audio API.
type Client struct {
	audio audioService
	model string
}

// NewClient initializes a transcription client. The API key falls back
// to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("Transcribe client initialized", "model", cfg.Model)
	return &Client{
		audio: &openaiAudioService{client: cli},
		model: cfg.Model,
	}, nil
}

// Transcribe converts a voice-note payload to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if len(audio) > MaxAudioBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, len(audio))
	}

	filename := filenameForMime(mimeType)
	resp, err := c.audio.Create(ctx, openai.AudioTranscriptionNewParams{
		Model: c.model,
		File:  openai.File(bytes.NewReader(audio), filename, mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	slog.Debug("Transcribe completed", "bytes", len(audio), "chars", len(resp.Text))
	return resp.Text, nil
}

// filenameForMime picks a filename extension the API recognizes for the
// given MIME type. WhatsApp voice notes arrive as audio/ogg.
func filenameForMime(mimeType string) string {
	switch mimeType {
	case "audio/ogg", "audio/ogg; codecs=opus":
		return "voice.ogg"
	case "audio/mpeg", "audio/mp3":
		return "voice.mp3"
	case "audio/mp4", "audio/m4a":
		return "voice.m4a"
	case "audio/wav", "audio/x-wav":
		return "voice.wav"
	default:
		return "voice.ogg"
	}
}
