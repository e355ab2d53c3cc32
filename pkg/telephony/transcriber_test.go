package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/routeguard/voicebridge/internal/config"
)

// fakeRecognizer is a minimal streaming recognition endpoint: it counts
// the audio it receives and answers the close message with a canned
// transcript.
type fakeRecognizer struct {
	transcript string
	mute       bool // never answer, to exercise the timeout path
	conns      int32
	audioBytes int64
}

func (f *fakeRecognizer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.conns, 1)

		if r.URL.Query().Get("encoding") != "linear16" {
			t.Errorf("missing encoding parameter, got query %q", r.URL.RawQuery)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				atomic.AddInt64(&f.audioBytes, int64(len(data)))
				continue
			}
			// Control message: close the stream with the result.
			if f.mute {
				continue
			}
			var result recognitionResult
			result.IsFinal = true
			result.SpeechFinal = true
			result.Channel.Alternatives = []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			}{{Transcript: f.transcript, Confidence: 0.95}}

			payload, _ := json.Marshal(result)
			conn.WriteMessage(websocket.TextMessage, payload)
			return
		}
	}
}

func recognitionTestConfig(serverURL string) config.RecognitionConfig {
	return config.RecognitionConfig{
		StreamURL:      "ws" + strings.TrimPrefix(serverURL, "http"),
		APIKey:         "test-key",
		SampleRate:     8000, // matches the utterance rate, no resampling
		ChunkBytes:     320,
		ChunkDelayMs:   1,
		SettleMsPerSec: 10,
		MinWaitSec:     1,
		MaxWaitSec:     2,
	}
}

func testUtterance(voicedFrames int) *Utterance {
	samples := make([]int16, voicedFrames*160)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	return &Utterance{
		ID:           "utt-test",
		Samples:      samples,
		VoicedFrames: voicedFrames,
		Duration:     time.Duration(voicedFrames) * 20 * time.Millisecond,
	}
}

func TestTranscribeReturnsText(t *testing.T) {
	rec := &fakeRecognizer{transcript: "hello world"}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	tr := NewTranscriber(recognitionTestConfig(server.URL), 15, testMetrics(t), testLogger())

	utt := testUtterance(20)
	text, err := tr.Transcribe(context.Background(), utt)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want %q", text, "hello world")
	}

	// All utterance audio must have been streamed (16-bit PCM).
	if got, want := atomic.LoadInt64(&rec.audioBytes), int64(len(utt.Samples)*2); got != want {
		t.Errorf("server received %d audio bytes, want %d", got, want)
	}
	if got := atomic.LoadInt32(&rec.conns); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
}

func TestTranscribeRetriesConfidentEmpty(t *testing.T) {
	rec := &fakeRecognizer{transcript: ""}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	tr := NewTranscriber(recognitionTestConfig(server.URL), 15, testMetrics(t), testLogger())

	// Well above the confidence threshold.
	text, err := tr.Transcribe(context.Background(), testUtterance(30))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if got := atomic.LoadInt32(&rec.conns); got != 2 {
		t.Errorf("server saw %d connections, want 2 (original plus one retry)", got)
	}
}

func TestTranscribeNoRetryBelowThreshold(t *testing.T) {
	rec := &fakeRecognizer{transcript: ""}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	tr := NewTranscriber(recognitionTestConfig(server.URL), 15, testMetrics(t), testLogger())

	text, err := tr.Transcribe(context.Background(), testUtterance(5))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if got := atomic.LoadInt32(&rec.conns); got != 1 {
		t.Errorf("server saw %d connections, want 1 (no retry for quiet utterance)", got)
	}
}

func TestTranscribeTimeout(t *testing.T) {
	rec := &fakeRecognizer{mute: true}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	tr := NewTranscriber(recognitionTestConfig(server.URL), 15, testMetrics(t), testLogger())

	start := time.Now()
	_, err := tr.Transcribe(context.Background(), testUtterance(5))
	if err == nil {
		t.Fatal("expected timeout error from mute server")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, want bounded by the wait clamp", elapsed)
	}
}

func TestTranscribeDialFailure(t *testing.T) {
	cfg := recognitionTestConfig("http://127.0.0.1:1")
	tr := NewTranscriber(cfg, 15, testMetrics(t), testLogger())

	if _, err := tr.Transcribe(context.Background(), testUtterance(5)); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestTranscribeCancelled(t *testing.T) {
	rec := &fakeRecognizer{mute: true}
	server := httptest.NewServer(rec.handler(t))
	defer server.Close()

	tr := NewTranscriber(recognitionTestConfig(server.URL), 15, testMetrics(t), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := tr.Transcribe(ctx, testUtterance(50)); err == nil {
		t.Fatal("expected cancellation error")
	}
}
