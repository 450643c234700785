package transcribe

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
)

// mockAudioService implements audioService for testing.
type mockAudioService struct {
	calls   int
	err     error
	text    string
	lastReq openai.AudioTranscriptionNewParams
}

func (m *mockAudioService) Create(_ context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error) {
	m.calls++
	m.lastReq = params
	if m.err != nil {
		return openai.Transcription{}, m.err
	}
	return openai.Transcription{Text: m.text}, nil
}

func TestTranscribeSuccess(t *testing.T) {
	mock := &mockAudioService{text: "i had a rough day"}
	c := &Client{audio: mock, model: DefaultModel}

	out, err := c.Transcribe(context.Background(), []byte("fake-ogg-bytes"), "audio/ogg")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if out != "i had a rough day" {
		t.Errorf("Transcribe() = %q, want %q", out, "i had a rough day")
	}
	if mock.calls != 1 {
		t.Errorf("expected 1 API call, got %d", mock.calls)
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	mock := &mockAudioService{text: "unused"}
	c := &Client{audio: mock, model: DefaultModel}

	_, err := c.Transcribe(context.Background(), nil, "audio/ogg")
	if !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("expected ErrEmptyAudio, got %v", err)
	}
	if mock.calls != 0 {
		t.Errorf("API should not be called for empty audio, got %d calls", mock.calls)
	}
}

func TestTranscribeTooLarge(t *testing.T) {
	mock := &mockAudioService{}
	c := &Client{audio: mock, model: DefaultModel}

	_, err := c.Transcribe(context.Background(), bytes.Repeat([]byte{0x01}, MaxAudioBytes+1), "audio/ogg")
	if !errors.Is(err, ErrAudioTooLarge) {
		t.Errorf("expected ErrAudioTooLarge, got %v", err)
	}
	if mock.calls != 0 {
		t.Errorf("API should not be called for oversize audio, got %d calls", mock.calls)
	}
}

func TestTranscribeAPIError(t *testing.T) {
	apiErr := errors.New("service unavailable")
	mock := &mockAudioService{err: apiErr}
	c := &Client{audio: mock, model: DefaultModel}

	_, err := c.Transcribe(context.Background(), []byte("audio"), "audio/ogg")
	if !errors.Is(err, apiErr) {
		t.Errorf("error should wrap the API error, got %v", err)
	}
}

func TestFilenameForMime(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"audio/ogg", "voice.ogg"},
		{"audio/ogg; codecs=opus", "voice.ogg"},
		{"audio/mpeg", "voice.mp3"},
		{"audio/mp4", "voice.m4a"},
		{"audio/wav", "voice.wav"},
		{"application/octet-stream", "voice.ogg"},
	}
	for _, tt := range tests {
		if got := filenameForMime(tt.mime); got != tt.want {
			t.Errorf("filenameForMime(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when no API key is configured")
	}
	if _, err := NewClient(WithAPIKey("test-key")); err != nil {
		t.Errorf("NewClient(WithAPIKey) error = %v", err)
	}
}
