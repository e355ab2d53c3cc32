package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/audio"
)

// ============================================
// TRANSCRIPTION COORDINATOR
// Paced streaming of buffered utterances to the recognition service
// ============================================

// Transcriber converts a buffered utterance into text over a streaming
// recognition connection. Each utterance gets a fresh connection; the
// audio is drip-fed in fixed chunks so the service's own endpointing
// sees a plausible real-time stream instead of one burst.
type Transcriber struct {
	cfg     config.RecognitionConfig
	retryAt int // voiced frames that make an empty result suspicious
	metrics *metrics.Metrics
	logger  *slog.Logger
	dialer  *websocket.Dialer
}

// recognitionResult is the shape of transcript messages from the service
type recognitionResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	SpeechFinal bool `json:"speech_final"`
}

// NewTranscriber creates a transcription coordinator
func NewTranscriber(cfg config.RecognitionConfig, retryAt int, m *metrics.Metrics, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		cfg:     cfg,
		retryAt: retryAt,
		metrics: m,
		logger:  logger.With(slog.String("component", "transcriber")),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Transcribe returns the recognized text for the utterance, or an empty
// string when the service heard nothing. A confident utterance that comes
// back empty is retried once at half pace before giving up. Service and
// timeout failures return an error; callers treat them as an empty turn.
func (t *Transcriber) Transcribe(ctx context.Context, utt *Utterance) (string, error) {
	t.metrics.TranscriptionRequests.Inc()
	start := time.Now()

	text, err := t.attempt(ctx, utt, t.cfg.GetChunkDelay())
	if err != nil {
		t.metrics.TranscriptionFailures.Inc()
		return "", err
	}

	if text == "" && utt.VoicedFrames >= t.retryAt {
		// Plenty of voice but no words back: the service likely cut
		// its endpointing short. One slower pass gives it more room.
		t.logger.Info("confident utterance came back empty, retrying",
			slog.String("utterance_id", utt.ID),
			slog.Int("voiced_frames", utt.VoicedFrames))
		t.metrics.TranscriptionRetries.Inc()

		text, err = t.attempt(ctx, utt, 2*t.cfg.GetChunkDelay())
		if err != nil {
			t.metrics.TranscriptionFailures.Inc()
			return "", err
		}
	}

	t.metrics.TranscriptionDuration.Observe(time.Since(start).Seconds())
	if text != "" {
		t.metrics.TranscriptionSuccesses.Inc()
	}
	return text, nil
}

// attempt runs one full streaming pass over the utterance audio.
func (t *Transcriber) attempt(ctx context.Context, utt *Utterance, chunkDelay time.Duration) (string, error) {
	pcm, err := t.preparePCM(utt)
	if err != nil {
		return "", err
	}

	streamURL, err := t.streamURL()
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+t.cfg.APIKey)

	conn, _, err := t.dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		return "", fmt.Errorf("failed to dial recognition service: %w", err)
	}
	defer conn.Close()

	// The reader collects transcript fragments until the service marks
	// end of speech or the connection drops.
	done := make(chan string, 1)
	go t.collectTranscript(conn, done)

	audioSeconds := float64(len(pcm)) / float64(2*t.cfg.SampleRate)

	if err := t.sendPaced(ctx, conn, pcm, chunkDelay); err != nil {
		return "", err
	}

	// Let the service's endpointing settle in proportion to how much
	// audio it was just given, then tell it the stream is over.
	settle := time.Duration(audioSeconds*float64(t.cfg.SettleMsPerSec)) * time.Millisecond
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	closeMsg, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	if err := conn.WriteMessage(websocket.TextMessage, closeMsg); err != nil {
		return "", fmt.Errorf("failed to close recognition stream: %w", err)
	}

	wait := t.resultWait(audioSeconds)
	select {
	case text := <-done:
		return strings.TrimSpace(text), nil
	case <-time.After(wait):
		return "", fmt.Errorf("recognition result timed out after %v", wait)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// preparePCM converts the utterance to little-endian PCM at the
// service's sample rate.
func (t *Transcriber) preparePCM(utt *Utterance) ([]byte, error) {
	samples := utt.Samples
	if t.cfg.SampleRate != audio.TelephonyRate {
		resampled, err := audio.Resample(samples, audio.TelephonyRate, t.cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample utterance: %w", err)
		}
		samples = resampled
	}
	return audio.SamplesToBytes(samples), nil
}

// streamURL builds the connection URL with the audio parameters attached.
func (t *Transcriber) streamURL() (string, error) {
	u, err := url.Parse(t.cfg.StreamURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", t.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sendPaced writes the PCM in fixed chunks with a pacing delay between
// them.
func (t *Transcriber) sendPaced(ctx context.Context, conn *websocket.Conn, pcm []byte, delay time.Duration) error {
	for offset := 0; offset < len(pcm); offset += t.cfg.ChunkBytes {
		end := offset + t.cfg.ChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[offset:end]); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}

		if end < len(pcm) && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// collectTranscript accumulates final transcript fragments and delivers
// the joined text once end of speech is signaled or the socket closes.
func (t *Transcriber) collectTranscript(conn *websocket.Conn, done chan<- string) {
	var parts []string
	deliver := func() {
		select {
		case done <- strings.Join(parts, " "):
		default:
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			deliver()
			return
		}

		var result recognitionResult
		if err := json.Unmarshal(message, &result); err != nil {
			continue
		}

		if len(result.Channel.Alternatives) > 0 {
			transcript := strings.TrimSpace(result.Channel.Alternatives[0].Transcript)
			if transcript != "" && result.IsFinal {
				parts = append(parts, transcript)
			}
		}

		if result.SpeechFinal {
			deliver()
			return
		}
	}
}

// resultWait clamps the post-close wait to the configured window,
// growing with the audio length.
func (t *Transcriber) resultWait(audioSeconds float64) time.Duration {
	wait := time.Duration(audioSeconds * float64(time.Second))
	if min := time.Duration(t.cfg.MinWaitSec) * time.Second; wait < min {
		wait = min
	}
	if max := time.Duration(t.cfg.MaxWaitSec) * time.Second; wait > max {
		wait = max
	}
	return wait
}
