package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/satriahrh/voxloop/domain/entities"
	"github.com/satriahrh/voxloop/domain/repositories"
)

const defaultLanguageCode = "en-US"

// GoogleProfile is the cached model asset for the Google recognizer.
// Credentials may be omitted to fall back to application default credentials.
type GoogleProfile struct {
	LanguageCode string          `json:"language_code"`
	Model        string          `json:"model,omitempty"`
	Credentials  json.RawMessage `json:"credentials,omitempty"`
}

// ParseGoogleProfile decodes a profile asset. An empty blob yields the defaults.
func ParseGoogleProfile(asset []byte) (GoogleProfile, error) {
	profile := GoogleProfile{LanguageCode: defaultLanguageCode}
	if len(asset) == 0 {
		return profile, nil
	}
	if err := json.Unmarshal(asset, &profile); err != nil {
		return profile, fmt.Errorf("failed to decode speech profile: %w", err)
	}
	if profile.LanguageCode == "" {
		profile.LanguageCode = defaultLanguageCode
	}
	return profile, nil
}

// recognizer is the subset of the speech client used per chunk
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type speechClient struct {
	client *speech.Client
}

func (s *speechClient) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return s.client.Recognize(ctx, req)
}

func (s *speechClient) Close() error {
	return s.client.Close()
}

func dialSpeech(ctx context.Context, profile GoogleProfile) (recognizer, error) {
	var opts []option.ClientOption
	if len(profile.Credentials) > 0 {
		opts = append(opts, option.WithCredentialsJSON(profile.Credentials))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &speechClient{client: client}, nil
}

// GoogleSpeechToText implements SpeechToTextModel on Google Cloud Speech,
// recognizing each chunk with a synchronous request.
type GoogleSpeechToText struct {
	logger  *zap.Logger
	dial    func(ctx context.Context, profile GoogleProfile) (recognizer, error)
	client  recognizer
	profile GoogleProfile
}

var _ repositories.SpeechToTextModel = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates an unloaded recognizer
func NewGoogleSpeechToText(logger *zap.Logger) *GoogleSpeechToText {
	return &GoogleSpeechToText{
		logger: logger,
		dial:   dialSpeech,
	}
}

// Load implements repositories.SpeechToTextModel
func (g *GoogleSpeechToText) Load(ctx context.Context, asset []byte) error {
	profile, err := ParseGoogleProfile(asset)
	if err != nil {
		return err
	}

	client, err := g.dial(ctx, profile)
	if err != nil {
		return err
	}

	if g.client != nil {
		g.client.Close()
	}
	g.client = client
	g.profile = profile

	g.logger.Info("Google speech model loaded",
		zap.String("languageCode", profile.LanguageCode),
		zap.String("model", profile.Model))
	return nil
}

// Transcribe implements repositories.SpeechToTextModel
func (g *GoogleSpeechToText) Transcribe(ctx context.Context, chunk entities.AudioChunk) (entities.TranscriptFragment, error) {
	if g.client == nil {
		return entities.TranscriptFragment{}, errors.New("speech model not loaded")
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz: int32(chunk.SampleRate),
			LanguageCode:    g.profile.LanguageCode,
			Model:           g.profile.Model,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: chunk.PCM()},
		},
	})
	if err != nil {
		return entities.TranscriptFragment{}, fmt.Errorf("failed to recognize chunk %d: %w", chunk.Seq, err)
	}

	var (
		words      []string
		confidence float64
	)
	for _, result := range resp.GetResults() {
		alternatives := result.GetAlternatives()
		if len(alternatives) == 0 {
			continue
		}
		best := alternatives[0]
		if text := strings.TrimSpace(best.GetTranscript()); text != "" {
			words = append(words, text)
			confidence += float64(best.GetConfidence())
		}
	}

	fragment := entities.TranscriptFragment{ChunkStart: chunk.Seq, ChunkEnd: chunk.Seq}
	if len(words) > 0 {
		// Trailing space keeps words apart when fragments are concatenated.
		fragment.Text = strings.Join(words, " ") + " "
		fragment.Confidence = confidence / float64(len(words))
	}
	return fragment, nil
}

// Close implements repositories.SpeechToTextModel
func (g *GoogleSpeechToText) Close() error {
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}
