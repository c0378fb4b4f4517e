package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"

	"github.com/vision-alert/alert-server/internal/genkit"
	"github.com/vision-alert/alert-server/pkg/types"
)

// DefaultFlow is the text-to-speech flow name.
const DefaultFlow = "textToSpeechFlow"

// ErrNoMedia is returned when the flow answers without audio.
var ErrNoMedia = errors.New("speech flow returned no media")

// Audio is synthesized speech ready for a dashboard to play.
type Audio struct {
	DataURI  string
	MIME     string
	Duration time.Duration // zero when the payload could not be measured
}

// Synthesizer turns text into audio through the remote flow.
type Synthesizer struct {
	flows *genkit.Client
	flow  string
}

// NewSynthesizer wraps a flow client. An empty flow uses DefaultFlow.
func NewSynthesizer(flows *genkit.Client, flow string) *Synthesizer {
	if flow == "" {
		flow = DefaultFlow
	}
	return &Synthesizer{flows: flows, flow: flow}
}

// Synthesize requests audio for text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (Audio, error) {
	var out struct {
		Media string `json:"media"`
	}
	if err := s.flows.Run(ctx, s.flow, text, &out); err != nil {
		return Audio{}, fmt.Errorf("synthesize %q: %w", text, err)
	}
	if out.Media == "" {
		return Audio{}, ErrNoMedia
	}
	mime, data, err := types.DecodeDataURI(out.Media)
	if err != nil {
		return Audio{}, fmt.Errorf("synthesize %q: %w", text, err)
	}
	a := Audio{DataURI: out.Media, MIME: mime}
	if d, err := AudioDuration(data); err == nil {
		a.Duration = d
	}
	return a, nil
}

// AudioDuration measures a WAV payload from its PCM chunk size.
func AudioDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errors.New("not a valid wav file")
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("wav pcm chunk: %w", err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec <= 0 {
		return 0, errors.New("wav header has no byte rate")
	}
	return time.Duration(int64(dec.PCMSize) * int64(time.Second) / bytesPerSec), nil
}

// PlaybackTimeout is how long the controller waits for a playback
// acknowledgement before treating the utterance as finished.
func PlaybackTimeout(a Audio, grace, max time.Duration) time.Duration {
	if a.Duration <= 0 {
		return max
	}
	return min(a.Duration+grace, max)
}
