package telephony

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/pkg/audio"
)

// ============================================
// UTTERANCE SEGMENTER
// Energy-based endpointing over 20ms caller frames
// ============================================

// Segmenter accumulates caller audio and detects utterance boundaries.
// A frame is voiced when its RMS energy crosses the threshold. Once enough
// voiced frames have been seen the silence timer arms; only further voiced
// frames re-arm it, so sustained silence lets it fire exactly once per
// utterance. The owner consumes the buffered audio via TakeUtterance.
type Segmenter struct {
	cfg config.SegmenterConfig

	// onSilence is invoked from the timer goroutine when the hangover
	// elapses. It must not call back into the Segmenter synchronously.
	onSilence func()

	mu           sync.Mutex
	buf          []int16
	voicedFrames int
	hangover     int
	armed        bool
	suppressed   bool
	timer        *time.Timer
}

// NewSegmenter creates a segmenter. onSilence fires when an armed silence
// window elapses without further voice.
func NewSegmenter(cfg config.SegmenterConfig, onSilence func()) *Segmenter {
	return &Segmenter{
		cfg:       cfg,
		onSilence: onSilence,
	}
}

// Feed consumes one frame of 8kHz linear samples.
func (sg *Segmenter) Feed(samples []int16) {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	if sg.suppressed || len(samples) == 0 {
		return
	}

	if audio.RMS(samples) >= sg.cfg.EnergyThreshold {
		sg.buf = append(sg.buf, samples...)
		sg.voicedFrames++
		sg.hangover = sg.cfg.HangoverFrames

		if sg.voicedFrames >= sg.cfg.MinVoicedFrames {
			sg.armLocked()
		}
		return
	}

	// Silent frame: keep a short tail so word endings survive, but do
	// not touch the timer. Silence must never postpone endpointing.
	if len(sg.buf) > 0 && sg.hangover > 0 {
		sg.buf = append(sg.buf, samples...)
		sg.hangover--
	}
}

// armLocked starts or re-arms the silence timer. Caller holds sg.mu.
func (sg *Segmenter) armLocked() {
	sg.armed = true
	if sg.timer != nil {
		sg.timer.Stop()
	}
	sg.timer = time.AfterFunc(sg.cfg.GetSilenceHangover(), sg.fire)
}

// fire runs on the timer goroutine.
func (sg *Segmenter) fire() {
	sg.mu.Lock()
	live := sg.armed && !sg.suppressed
	sg.mu.Unlock()

	if live && sg.onSilence != nil {
		sg.onSilence()
	}
}

// TakeUtterance returns the buffered utterance and resets the segmenter,
// or nil when the accumulated speech is too short to be worth
// transcribing. Safe to call on stale silence notifications; it returns
// nil when nothing is pending.
func (sg *Segmenter) TakeUtterance() *Utterance {
	sg.mu.Lock()
	defer sg.mu.Unlock()

	if !sg.armed || len(sg.buf) == 0 {
		sg.clearLocked()
		return nil
	}

	duration := time.Duration(len(sg.buf)) * time.Second / audio.TelephonyRate
	if duration < sg.cfg.GetMinUtterance() {
		sg.clearLocked()
		return nil
	}

	utt := &Utterance{
		ID:           uuid.New().String(),
		Samples:      sg.buf,
		VoicedFrames: sg.voicedFrames,
		Duration:     duration,
	}
	sg.clearLocked()
	return utt
}

// Suppress discards buffered audio and ignores frames until Resume.
// Used while the bridge itself is speaking so line echo cannot be
// mistaken for the caller.
func (sg *Segmenter) Suppress() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.suppressed = true
	sg.buf = nil
	sg.clearLocked()
}

// Resume re-enables frame accumulation.
func (sg *Segmenter) Resume() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.suppressed = false
}

// Reset discards all buffered state without changing suppression.
func (sg *Segmenter) Reset() {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	sg.buf = nil
	sg.clearLocked()
}

// clearLocked resets counters and cancels the timer. Caller holds sg.mu.
func (sg *Segmenter) clearLocked() {
	sg.buf = nil
	sg.voicedFrames = 0
	sg.hangover = 0
	sg.armed = false
	if sg.timer != nil {
		sg.timer.Stop()
		sg.timer = nil
	}
}

// Pending reports whether any audio is currently buffered.
func (sg *Segmenter) Pending() bool {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return len(sg.buf) > 0
}
