// Package voice renders persona replies as audio through an external
// text-to-speech endpoint. Synthesis is best-effort; the inference pipeline
// treats any failure here as a missing attachment, never a failed response.
package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/services/filestorage"
	"github.com/evermind-ai/persona-server/internal/types"
	"github.com/evermind-ai/persona-server/internal/utils/hashutil"
)

var ErrNotConfigured = errors.New("voice synthesis is not configured")

const defaultFormat = "ogg"

type Synthesizer struct {
	endpoint     string
	apiKey       string
	defaultVoice string
	client       *http.Client
	storage      filestorage.FileStorage
	logger       *zap.Logger
}

func NewSynthesizer(cfg *config.Config, storage filestorage.FileStorage, logger *zap.Logger) (*Synthesizer, error) {
	if cfg.Voice == nil || cfg.Voice.Endpoint == "" {
		return nil, ErrNotConfigured
	}

	return &Synthesizer{
		endpoint:     cfg.Voice.Endpoint,
		apiKey:       cfg.Voice.APIKey,
		defaultVoice: cfg.Voice.DefaultVoice,
		client:       &http.Client{Timeout: cfg.Voice.Timeout()},
		storage:      storage,
		logger:       logger.Named("voice"),
	}, nil
}

type synthesisRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

type synthesisReply struct {
	Audio      string `json:"audio"`
	Format     string `json:"format,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Synthesize converts text to speech, stores the audio and returns where it
// can be fetched.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*types.VoiceSynthesis, error) {
	payload, err := json.Marshal(synthesisRequest{
		Text:   text,
		Voice:  s.defaultVoice,
		Format: defaultFormat,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("voice endpoint returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var reply synthesisReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode voice reply: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(reply.Audio)
	if err != nil {
		return nil, fmt.Errorf("decode voice audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("voice endpoint returned no audio")
	}

	format := reply.Format
	if format == "" {
		format = defaultFormat
	}

	file := filestorage.NewFileInfo(hashutil.Blake3Hash(audio), "."+format, audio, false)
	url, err := s.storage.Upload(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("store voice audio: %w", err)
	}

	s.logger.Debug("synthesized reply audio",
		zap.String("voice", s.defaultVoice),
		zap.String("format", format),
		zap.Int("bytes", len(audio)))

	return &types.VoiceSynthesis{
		URL:        url,
		Voice:      s.defaultVoice,
		Format:     format,
		DurationMs: reply.DurationMs,
	}, nil
}
