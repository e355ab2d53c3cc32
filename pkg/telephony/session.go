package telephony

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/store"
)

// ============================================
// CALL SESSION
// One event loop per call owning all lifecycle state
// ============================================

// maxDurationLine is spoken when the duration ceiling cuts the call off
// while no turn is running.
const maxDurationLine = "I'm sorry, but I have to let you go now. Thank you so much for your time, goodbye!"

// finalizeTimeout bounds the external work done while ending a call.
const finalizeTimeout = 15 * time.Second

// UtteranceTranscriber turns a buffered utterance into text
type UtteranceTranscriber interface {
	Transcribe(ctx context.Context, utt *Utterance) (string, error)
}

// LineSpeaker plays one line of text into the call
type LineSpeaker interface {
	Speak(ctx context.Context, sink FrameSink, text string) error
}

// CallControl is the slice of the provider API a live session needs
type CallControl interface {
	Hangup(ctx context.Context, providerSID string) error
}

// Notifier delivers the final summary out of band
type Notifier interface {
	NotifySummary(ctx context.Context, to, summary string) error
}

// SessionConfig carries the per-call parameters
type SessionConfig struct {
	Request       CallRequest
	Greeting      string
	MaxDuration   time.Duration
	EvictionGrace time.Duration
	Segmenter     config.SegmenterConfig
}

// SessionDeps carries the shared collaborators
type SessionDeps struct {
	Transcriber UtteranceTranscriber
	Conv        *Conversation
	Speaker     LineSpeaker
	Control     CallControl
	Calls       store.CallStore
	Feed        store.FeedStore
	Notifier    Notifier // optional
	Registry    *Registry
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// CallSession owns the full lifecycle of one outbound call. A single
// run goroutine consumes the event channel and is the only writer of
// lifecycle state; turn pipelines run in short-lived goroutines that
// report back as events.
type CallSession struct {
	ID      string
	Request CallRequest

	cfg  SessionConfig
	deps SessionDeps

	seg    *Segmenter
	logger *slog.Logger

	events chan sessionEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	state       CallState
	outcome     CallOutcome
	providerSID string
	summary     string
	startedAt   time.Time
	answeredAt  time.Time
	endedAt     time.Time
	sink        FrameSink
	maxTimer    *time.Timer

	// loop-only state, never touched off the run goroutine
	inFlight   bool
	maxElapsed bool

	endMu sync.Mutex
	ended bool
}

// NewCallSession creates a session in the initiating state
func NewCallSession(cfg SessionConfig, deps SessionDeps) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())

	s := &CallSession{
		ID:      uuid.New().String(),
		Request: cfg.Request,
		cfg:     cfg,
		deps:    deps,
		events:  make(chan sessionEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateInitiating,
	}
	s.logger = deps.Logger.With(
		slog.String("component", "session"),
		slog.String("call_id", s.ID),
	)
	s.seg = NewSegmenter(cfg.Segmenter, func() {
		s.post(evSilence{})
	})
	return s
}

// Start launches the event loop
func (s *CallSession) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.deps.Metrics.CallsActive.Inc()
	go s.run()
}

// Done is closed when the event loop has exited
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// SetProviderSID records the provider call SID once dialing succeeds
func (s *CallSession) SetProviderSID(sid string) {
	s.mu.Lock()
	s.providerSID = sid
	s.mu.Unlock()
}

// HandleProviderStatus delivers a status callback value to the loop.
// Terminal statuses may arrive from the webhook goroutine at any time,
// including concurrently with loop-driven termination.
func (s *CallSession) HandleProviderStatus(status string) {
	s.post(evStatus{status: status})
}

// post delivers an event unless the loop is already gone
func (s *CallSession) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// postFrame delivers an audio frame without ever blocking the media
// stream reader. Frames are disposable; the segmenter tolerates gaps.
func (s *CallSession) postFrame(samples []int16) {
	select {
	case s.events <- evFrame{samples: samples}:
	default:
		s.deps.Metrics.FramesDropped.Inc()
	}
}

// ============================================
// EVENT LOOP
// ============================================

func (s *CallSession) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *CallSession) handle(ev sessionEvent) {
	switch ev := ev.(type) {
	case evStatus:
		s.handleStatus(ev.status)

	case evStreamStart:
		s.handleStreamStart(ev)

	case evStreamStop:
		s.mu.Lock()
		s.sink = nil
		s.mu.Unlock()

	case evFrame:
		if s.inFlight {
			s.deps.Metrics.FramesDropped.Inc()
			return
		}
		s.seg.Feed(ev.samples)

	case evSilence:
		s.handleSilence()

	case evTurnDone:
		s.handleTurnDone(ev)

	case evMaxDuration:
		s.handleMaxDuration()
	}
}

func (s *CallSession) handleStatus(status string) {
	s.logger.Info("provider status", slog.String("status", status))

	switch status {
	case "ringing":
		if s.State() == StateInitiating {
			s.setState(StateRinging)
			s.persistState(StateRinging)
		}

	case "in-progress", "answered":
		s.mu.Lock()
		if s.answeredAt.IsZero() {
			s.answeredAt = time.Now()
		}
		s.mu.Unlock()

	case "completed":
		// The far end hung up, or our own hangup round-tripped.
		s.EndCall(OutcomeCompleted, "provider reported call completed")

	case "no-answer":
		s.EndCall(OutcomeNoAnswer, "no answer")

	case "busy":
		s.EndCall(OutcomeBusy, "line busy")

	case "failed", "error", "canceled":
		s.EndCall(OutcomeFailed, "provider reported "+status)

	default:
		s.logger.Warn("unknown provider status", slog.String("status", status))
	}
}

func (s *CallSession) handleStreamStart(ev evStreamStart) {
	s.mu.Lock()
	s.sink = ev.sink
	if s.providerSID == "" {
		s.providerSID = ev.providerSID
	}
	if s.answeredAt.IsZero() {
		s.answeredAt = time.Now()
	}
	alreadyLive := s.state == StateGreeting || s.state == StateOnCall || s.state == StateWrappingUp
	s.mu.Unlock()

	if alreadyLive {
		// Stream reconnect: keep going where we were.
		return
	}

	s.setState(StateGreeting)
	s.persistState(StateGreeting)

	if s.cfg.MaxDuration > 0 {
		timer := time.AfterFunc(s.cfg.MaxDuration, func() {
			s.post(evMaxDuration{})
		})
		s.mu.Lock()
		s.maxTimer = timer
		s.mu.Unlock()
	}

	s.inFlight = true
	go s.runGreeting()
}

func (s *CallSession) handleSilence() {
	if s.inFlight {
		return
	}

	utt := s.seg.TakeUtterance()
	if utt == nil {
		s.deps.Metrics.UtterancesDiscarded.Inc()
		return
	}

	s.deps.Metrics.UtterancesDetected.Inc()
	s.deps.Metrics.UtteranceDuration.Observe(utt.Duration.Seconds())
	s.logger.Debug("utterance captured",
		slog.String("utterance_id", utt.ID),
		slog.Duration("duration", utt.Duration),
		slog.Int("voiced_frames", utt.VoicedFrames))

	s.inFlight = true
	go s.runTurn(utt)
}

func (s *CallSession) handleTurnDone(ev evTurnDone) {
	s.inFlight = false

	if ev.wrapUp {
		outcome := ev.outcome
		if outcome == "" {
			outcome = OutcomeCompleted
		}
		s.EndCall(outcome, "conversation wrapped up")
		return
	}

	if s.State() == StateGreeting {
		s.setState(StateOnCall)
		s.persistState(StateOnCall)
	}

	if s.maxElapsed {
		s.maxElapsed = false
		s.inFlight = true
		go s.runFarewell()
	}
}

func (s *CallSession) handleMaxDuration() {
	s.logger.Info("call duration ceiling reached")
	s.deps.Conv.ForceWrapUp()
	s.setState(StateWrappingUp)

	if s.inFlight {
		// Let the running turn finish; its reply is already steered
		// toward goodbye, and the farewell runs after it if not.
		s.maxElapsed = true
		return
	}

	s.inFlight = true
	go s.runFarewell()
}

// ============================================
// TURN PIPELINES (run off the loop goroutine)
// ============================================

func (s *CallSession) runGreeting() {
	s.deps.Conv.RecordAgentLine(s.cfg.Greeting)
	s.say(s.cfg.Greeting)
	s.post(evTurnDone{})
}

func (s *CallSession) runTurn(utt *Utterance) {
	text, err := s.deps.Transcriber.Transcribe(s.ctx, utt)
	if err != nil {
		s.logger.Warn("transcription failed",
			slog.String("utterance_id", utt.ID),
			slog.String("error", err.Error()))
		text = ""
	}

	if strings.TrimSpace(text) == "" {
		// Heard nothing intelligible: resume listening rather than
		// respond to silence.
		s.seg.Reset()
		s.post(evTurnDone{})
		return
	}

	s.logger.Info("caller said", slog.String("text", text))

	reply := s.deps.Conv.NextReply(s.ctx, text)
	if reply.WrapUp {
		s.setState(StateWrappingUp)
	}

	s.say(reply.Text)
	s.post(evTurnDone{wrapUp: reply.WrapUp})
}

func (s *CallSession) runFarewell() {
	s.deps.Conv.RecordAgentLine(maxDurationLine)
	s.say(maxDurationLine)
	s.post(evTurnDone{wrapUp: true, outcome: OutcomeMaxDuration})
}

// say plays a line with the segmenter suppressed, so line echo of our
// own speech is never segmented as caller audio.
func (s *CallSession) say(text string) {
	s.seg.Suppress()
	defer func() {
		s.seg.Reset()
		s.seg.Resume()
	}()

	sink := s.currentSink()
	if sink == nil {
		s.logger.Warn("no media sink, skipping line")
		return
	}
	if err := s.deps.Speaker.Speak(s.ctx, sink, text); err != nil && s.ctx.Err() == nil {
		s.logger.Error("speech output failed", slog.String("error", err.Error()))
	}
}

// ============================================
// TERMINATION
// ============================================

// EndCall terminates the session exactly once, no matter how many
// goroutines race into it: the event loop, provider webhooks and the
// API layer may all call it concurrently.
func (s *CallSession) EndCall(outcome CallOutcome, reason string) {
	s.endMu.Lock()
	if s.ended {
		s.endMu.Unlock()
		return
	}
	s.ended = true
	s.endMu.Unlock()

	s.mu.Lock()
	if s.maxTimer != nil {
		s.maxTimer.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	s.seg.Suppress()

	terminal := StateComplete
	if outcome == OutcomeNoAnswer || outcome == OutcomeBusy || outcome == OutcomeFailed {
		terminal = StateFailed
	}

	s.mu.Lock()
	s.state = terminal
	s.outcome = outcome
	s.endedAt = time.Now()
	providerSID := s.providerSID
	duration := s.endedAt.Sub(s.startedAt)
	s.mu.Unlock()

	s.logger.Info("call ended",
		slog.String("outcome", string(outcome)),
		slog.String("reason", reason),
		slog.Duration("duration", duration))

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if providerSID != "" && s.deps.Control != nil {
		if err := s.deps.Control.Hangup(ctx, providerSID); err != nil {
			// Best effort: the provider may have torn the call down
			// already, which is the common case.
			s.logger.Debug("hangup request failed", slog.String("error", err.Error()))
		}
	}

	summary := s.deps.Conv.Summary(ctx, outcome)
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()

	s.finalizeRecords(ctx, terminal, outcome, summary, duration)

	s.deps.Metrics.CallsActive.Dec()
	s.deps.Metrics.CallsCompleted.WithLabelValues(string(outcome)).Inc()
	s.deps.Metrics.CallDuration.Observe(duration.Seconds())

	if s.deps.Registry != nil {
		s.deps.Registry.RemoveAfter(s.ID, s.cfg.EvictionGrace)
	}
}

// finalizeRecords persists the call record, the feed message and the
// optional SMS notification. Failures are logged, never propagated.
func (s *CallSession) finalizeRecords(ctx context.Context, terminal CallState, outcome CallOutcome, summary string, duration time.Duration) {
	transcript := s.transcriptText()

	if s.deps.Calls != nil {
		rec := &store.CallRecord{
			CallID:      s.ID,
			UserID:      s.Request.UserID,
			ToNumber:    s.Request.ToNumber,
			ProviderSID: s.currentProviderSID(),
			State:       string(terminal),
			Outcome:     string(outcome),
			Transcript:  transcript,
			Summary:     summary,
			StartedAt:   s.startTime(),
			EndedAt:     s.endTime(),
			Duration:    duration.Seconds(),
		}
		if err := s.deps.Calls.FinalizeCall(ctx, rec); err != nil {
			s.logger.Error("failed to persist call record", slog.String("error", err.Error()))
		}
	}

	if s.deps.Feed != nil {
		msg := store.FeedMessage{
			ID:        uuid.New().String(),
			CallID:    s.ID,
			Body:      summary,
			CreatedAt: time.Now(),
		}
		if err := s.deps.Feed.Append(ctx, s.Request.UserID, msg); err != nil {
			s.logger.Error("failed to append feed message", slog.String("error", err.Error()))
		}
	}

	if s.deps.Notifier != nil && s.Request.NotifyNumber != "" {
		if err := s.deps.Notifier.NotifySummary(ctx, s.Request.NotifyNumber, summary); err != nil {
			s.logger.Warn("summary notification failed", slog.String("error", err.Error()))
		}
	}
}

// persistState records a non-terminal transition without blocking the loop
func (s *CallSession) persistState(state CallState) {
	if s.deps.Calls == nil {
		return
	}
	sid := s.currentProviderSID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Calls.UpdateCallState(ctx, s.ID, string(state), sid); err != nil {
			s.logger.Warn("failed to persist state",
				slog.String("state", string(state)),
				slog.String("error", err.Error()))
		}
	}()
}

// ============================================
// READ SIDE
// ============================================

// State returns the current lifecycle state
func (s *CallSession) State() CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CallSession) setState(state CallState) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *CallSession) currentSink() FrameSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

func (s *CallSession) currentProviderSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerSID
}

func (s *CallSession) startTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *CallSession) endTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

func (s *CallSession) transcriptText() string {
	var b strings.Builder
	for _, turn := range s.deps.Conv.History() {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Snapshot returns the externally visible view of the session
func (s *CallSession) Snapshot() CallSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var duration float64
	if !s.startedAt.IsZero() {
		end := s.endedAt
		if end.IsZero() {
			end = time.Now()
		}
		duration = end.Sub(s.startedAt).Seconds()
	}

	return CallSnapshot{
		CallID:      s.ID,
		ProviderSID: s.providerSID,
		State:       s.state,
		Outcome:     s.outcome,
		Transcript:  s.deps.Conv.History(),
		Summary:     s.summary,
		Duration:    duration,
	}
}
