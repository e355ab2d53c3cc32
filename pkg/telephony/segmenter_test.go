package telephony

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/routeguard/voicebridge/internal/config"
)

func segmenterConfig() config.SegmenterConfig {
	return config.SegmenterConfig{
		EnergyThreshold:    500,
		SilenceHangover:    0.05, // short timers keep the tests fast
		MinUtterance:       0.1,
		MinVoicedFrames:    2,
		HangoverFrames:     3,
		ConfidentUtterance: 15,
	}
}

func voicedFrame() []int16 {
	f := make([]int16, 160)
	for i := range f {
		if i%2 == 0 {
			f[i] = 4000
		} else {
			f[i] = -4000
		}
	}
	return f
}

func silentFrame() []int16 {
	return make([]int16, 160)
}

func TestSegmenterEndpointsOnce(t *testing.T) {
	var fires int32
	sg := NewSegmenter(segmenterConfig(), func() { atomic.AddInt32(&fires, 1) })

	// 10 voiced frames is 200ms of speech, above the minimum.
	for i := 0; i < 10; i++ {
		sg.Feed(voicedFrame())
	}
	for i := 0; i < 5; i++ {
		sg.Feed(silentFrame())
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("silence fired %d times, want 1", got)
	}

	utt := sg.TakeUtterance()
	if utt == nil {
		t.Fatal("expected an utterance")
	}
	if utt.VoicedFrames != 10 {
		t.Errorf("voiced frames = %d, want 10", utt.VoicedFrames)
	}
	// 10 voiced plus 3 hangover frames of trailing silence.
	if want := 13 * 160; len(utt.Samples) != want {
		t.Errorf("utterance has %d samples, want %d", len(utt.Samples), want)
	}
	if utt.Duration < 200*time.Millisecond {
		t.Errorf("duration = %v, want >= 200ms", utt.Duration)
	}

	// The notification window is spent; nothing further should fire.
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Errorf("stale fire after take: %d", got)
	}
}

func TestSegmenterSilenceDoesNotPostpone(t *testing.T) {
	var fires int32
	cfg := segmenterConfig()
	cfg.SilenceHangover = 0.08
	sg := NewSegmenter(cfg, func() { atomic.AddInt32(&fires, 1) })

	for i := 0; i < 10; i++ {
		sg.Feed(voicedFrame())
	}

	// Keep feeding silence past the hangover window; the timer must
	// still fire on schedule.
	deadline := time.Now().Add(160 * time.Millisecond)
	for time.Now().Before(deadline) {
		sg.Feed(silentFrame())
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("silence fired %d times, want 1", got)
	}
}

func TestSegmenterVoiceReArmsTimer(t *testing.T) {
	var fires int32
	cfg := segmenterConfig()
	cfg.SilenceHangover = 0.1
	sg := NewSegmenter(cfg, func() { atomic.AddInt32(&fires, 1) })

	// Voice every 50ms keeps the 100ms timer from ever firing.
	for i := 0; i < 6; i++ {
		sg.Feed(voicedFrame())
		sg.Feed(voicedFrame())
		time.Sleep(50 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Fatalf("timer fired %d times while voice was active", got)
	}

	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 1 {
		t.Fatalf("timer fired %d times after voice stopped, want 1", got)
	}
}

func TestSegmenterDiscardsShortUtterance(t *testing.T) {
	sg := NewSegmenter(segmenterConfig(), func() {})

	// Two voiced frames is 40ms, below the 100ms minimum.
	sg.Feed(voicedFrame())
	sg.Feed(voicedFrame())
	time.Sleep(100 * time.Millisecond)

	if utt := sg.TakeUtterance(); utt != nil {
		t.Fatalf("expected short utterance discarded, got %v of audio", utt.Duration)
	}
	if sg.Pending() {
		t.Error("buffer not cleared after discard")
	}
}

func TestSegmenterBelowMinVoicedNeverArms(t *testing.T) {
	var fires int32
	sg := NewSegmenter(segmenterConfig(), func() { atomic.AddInt32(&fires, 1) })

	// One voiced frame is below min_voiced_frames.
	sg.Feed(voicedFrame())
	time.Sleep(120 * time.Millisecond)

	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Fatalf("timer fired %d times without enough voiced frames", got)
	}
}

func TestSegmenterSuppress(t *testing.T) {
	var fires int32
	sg := NewSegmenter(segmenterConfig(), func() { atomic.AddInt32(&fires, 1) })

	for i := 0; i < 10; i++ {
		sg.Feed(voicedFrame())
	}
	sg.Suppress()

	if sg.Pending() {
		t.Error("suppress did not clear the buffer")
	}

	// Frames during suppression are ignored entirely.
	for i := 0; i < 10; i++ {
		sg.Feed(voicedFrame())
	}
	if sg.Pending() {
		t.Error("suppressed segmenter accumulated audio")
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fires); got != 0 {
		t.Errorf("timer fired %d times during suppression", got)
	}

	// After resume, accumulation works again.
	sg.Resume()
	for i := 0; i < 10; i++ {
		sg.Feed(voicedFrame())
	}
	time.Sleep(100 * time.Millisecond)
	if utt := sg.TakeUtterance(); utt == nil {
		t.Error("expected utterance after resume")
	}
}

func TestSegmenterTakeWithoutArm(t *testing.T) {
	sg := NewSegmenter(segmenterConfig(), func() {})
	if utt := sg.TakeUtterance(); utt != nil {
		t.Error("expected nil utterance from idle segmenter")
	}
}
