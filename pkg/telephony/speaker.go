package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/audio"
)

// ============================================
// SPEECH OUTPUT DRIVER
// Synthesized speech delivery over the media stream
// ============================================

// playbackMargin is slept after the last frame so the provider's jitter
// buffer drains before the segmenter starts listening again.
const playbackMargin = 300 * time.Millisecond

// FrameSink accepts outbound mu-law frames for the provider
type FrameSink interface {
	SendFrame(payload []byte) error
}

// Synthesizer converts text to linear PCM at its configured sample rate
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]int16, int, error)
}

// Speaker synthesizes a line of text and plays it into the call
type Speaker struct {
	synth    Synthesizer
	maxChars int
	m        *metrics.Metrics
	logger   *slog.Logger
}

// NewSpeaker creates a speech output driver
func NewSpeaker(synth Synthesizer, maxChars int, m *metrics.Metrics, logger *slog.Logger) *Speaker {
	return &Speaker{
		synth:    synth,
		maxChars: maxChars,
		m:        m,
		logger:   logger.With(slog.String("component", "speaker")),
	}
}

// Speak synthesizes text and streams it to the sink as 20ms mu-law
// frames, then blocks until the audio has actually finished playing on
// the far end. The session must keep the segmenter suppressed for the
// whole call of this method.
func (sp *Speaker) Speak(ctx context.Context, sink FrameSink, text string) error {
	text = truncateSpoken(text, sp.maxChars)
	if text == "" {
		return nil
	}

	sp.m.SynthesisRequests.Inc()
	start := time.Now()

	samples, rate, err := sp.synth.Synthesize(ctx, text)
	if err != nil {
		sp.m.SynthesisFailures.Inc()
		return fmt.Errorf("synthesis failed: %w", err)
	}
	sp.m.SynthesisDuration.Observe(time.Since(start).Seconds())

	if rate != audio.TelephonyRate {
		samples, err = audio.Resample(samples, rate, audio.TelephonyRate)
		if err != nil {
			return fmt.Errorf("failed to resample synthesis output: %w", err)
		}
	}

	mulaw := audio.EncodeMulaw(samples)
	frames := audio.SplitFrames(mulaw, audio.FrameBytes)

	sendStart := time.Now()
	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.SendFrame(frame); err != nil {
			return fmt.Errorf("failed to send frame %d/%d: %w", i+1, len(frames), err)
		}
		sp.m.FramesSent.Inc()
		sp.m.AudioBytesOut.Add(float64(len(frame)))

		// Brief pauses every few frames keep the provider's buffer
		// from overflowing on long lines.
		if i > 0 && i%25 == 0 {
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// Frames were written faster than real time; wait out the remaining
	// playback so the turn does not resume while audio is still audible.
	playback := time.Duration(len(frames)) * 20 * time.Millisecond
	remaining := playback - time.Since(sendStart) + playbackMargin
	if remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sp.logger.Debug("finished speaking",
		slog.Int("frames", len(frames)),
		slog.Duration("playback", playback))
	return nil
}

// truncateSpoken caps text at max characters, cutting at a word boundary
// when one is close.
func truncateSpoken(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := max
	for i := max; i > max/2; i-- {
		if runes[i-1] == ' ' {
			cut = i - 1
			break
		}
	}
	return string(runes[:cut])
}

// ============================================
// HTTP SYNTHESIS CLIENT
// ============================================

// HTTPSynthesizer calls the speech synthesis endpoint, which returns
// raw 16-bit little-endian PCM at the configured sample rate
type HTTPSynthesizer struct {
	cfg        config.SynthesisConfig
	httpClient *http.Client
}

// NewHTTPSynthesizer creates a synthesis client
func NewHTTPSynthesizer(cfg config.SynthesisConfig) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type synthesisRequest struct {
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id"`
	SampleRate int     `json:"sample_rate"`
	Speed      float64 `json:"speed"`
}

// Synthesize implements Synthesizer
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]int16, int, error) {
	payload, err := json.Marshal(synthesisRequest{
		Text:       text,
		VoiceID:    s.cfg.VoiceID,
		SampleRate: s.cfg.SampleRate,
		Speed:      s.cfg.Speed,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("synthesis service error (%d): %s", resp.StatusCode, string(body))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read synthesis output: %w", err)
	}

	return audio.BytesToSamples(pcm), s.cfg.SampleRate, nil
}
