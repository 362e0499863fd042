// Package openai provides an STT provider backed by the OpenAI
// transcription API (Whisper and the gpt-4o transcribe family).
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nvolker/duplex/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

const (
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second
)

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	language   string
	sampleRate int
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible proxies and for tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the ISO-639-1 language code sent with each request.
// An empty value lets the API auto-detect the language.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithSampleRate sets the PCM sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *config) {
		c.sampleRate = rate
	}
}

// WithTimeout sets a per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements stt.Provider using the OpenAI transcription API.
// It is stateless between calls and safe for concurrent use.
type Provider struct {
	client     oai.Client
	model      oai.AudioModel
	language   string
	sampleRate int
}

// New constructs a new OpenAI STT Provider. model is the transcription model
// identifier, e.g. "whisper-1" or "gpt-4o-mini-transcribe".
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := config{
		sampleRate: defaultSampleRate,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(cfg.timeout),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      oai.AudioModel(model),
		language:   cfg.language,
		sampleRate: cfg.sampleRate,
	}, nil
}

// Transcribe wraps pcm in a WAV container and submits it to the OpenAI
// transcription endpoint.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (*stt.Transcript, error) {
	if len(pcm) == 0 {
		return nil, errors.New("openai: empty audio")
	}

	wav := encodeWAV(pcm, p.sampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: p.model,
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, stt.NewAPIError(apiErr.StatusCode, []byte(apiErr.Message))
		}
		return nil, fmt.Errorf("openai: transcription request: %w", err)
	}

	durationSec := float64(len(pcm)) / float64(p.sampleRate*2)
	return &stt.Transcript{
		Text:     resp.Text,
		Language: p.language,
		Duration: durationSec,
	}, nil
}

// encodeWAV wraps raw 16-bit signed little-endian mono PCM in a RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	dataSize := len(pcm)
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
