package services

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/sceneforge/internal/models"
	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// ---------------------------------------------------------------------------
// Whisper transcription: word-level timestamps for caption cues
// ---------------------------------------------------------------------------

// WordTimestamp represents a single word with its precise timing from Whisper.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// Transcriber derives timed words from a narration track.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) ([]WordTimestamp, error)
}

type WhisperTranscriber struct {
	client *openai.Client
	log    *logger.Logger
}

// NewWhisperTranscriber builds a transcriber. baseURL is optional and only
// needed for OpenAI-compatible gateways.
func NewWhisperTranscriber(apiKey, baseURL string, log *logger.Logger) *WhisperTranscriber {
	if log == nil {
		log = logger.Nop()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &WhisperTranscriber{
		client: openai.NewClientWithConfig(cfg),
		log:    log.WithComponent("whisper"),
	}
}

// Transcribe sends the audio file to Whisper and returns word-level timestamps.
func (s *WhisperTranscriber) Transcribe(ctx context.Context, audioPath, language string) ([]WordTimestamp, error) {
	if language == "" {
		language = "en"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", truncate(resp.Text, 80))
	}

	words := make([]WordTimestamp, 0, len(resp.Words))
	for _, w := range resp.Words {
		word := strings.TrimSpace(w.Word)
		if word == "" {
			continue
		}
		words = append(words, WordTimestamp{Word: word, Start: w.Start, End: w.End})
	}

	s.log.FromContext(ctx).Info("[Whisper] transcribed narration",
		"words", len(words), "duration", resp.Duration, "text", truncate(resp.Text, 80))
	return words, nil
}

// CuesFromWords groups words into caption cues the same way they are
// chunked for on-screen highlighting.
func CuesFromWords(words []WordTimestamp) []models.CaptionCue {
	chunks := chunkWords(words, wordsPerChunk)
	cues := make([]models.CaptionCue, 0, len(chunks))
	for _, chunk := range chunks {
		parts := make([]string, len(chunk))
		for i, w := range chunk {
			parts[i] = w.Word
		}
		cues = append(cues, models.CaptionCue{
			Start: chunk[0].Start,
			End:   chunk[len(chunk)-1].End,
			Text:  strings.Join(parts, " "),
		})
	}
	return cues
}
