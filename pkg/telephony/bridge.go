package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/routeguard/voicebridge/internal/config"
	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/store"
)

// ============================================
// VOICE BRIDGE SERVICE
// Wires sessions together and owns call placement
// ============================================

var toNumberPattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Dialer is the provider operations the bridge needs to place calls
type Dialer interface {
	PlaceCall(ctx context.Context, to, answerURL, statusURL string) (string, error)
	Hangup(ctx context.Context, providerSID string) error
}

// BridgeDeps carries the bridge's collaborators
type BridgeDeps struct {
	Dialer   Dialer
	Reply    ReplyService
	Synth    Synthesizer
	Calls    store.CallStore
	Feed     store.FeedStore
	Notifier Notifier // optional
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Bridge creates and tracks call sessions
type Bridge struct {
	cfg      *config.Config
	deps     BridgeDeps
	registry *Registry
	logger   *slog.Logger
}

// NewBridge creates the voice bridge service
func NewBridge(cfg *config.Config, deps BridgeDeps) *Bridge {
	return &Bridge{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(),
		logger:   deps.Logger.With(slog.String("component", "bridge")),
	}
}

// Registry exposes session lookup to the HTTP layer
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// PlaceCall validates the request, creates a session and dials out.
// The session is live and registered when this returns.
func (b *Bridge) PlaceCall(ctx context.Context, req CallRequest) (*CallSession, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if !toNumberPattern.MatchString(req.ToNumber) {
		return nil, fmt.Errorf("to_number must be E.164 format, got %q", req.ToNumber)
	}

	conv := NewConversation(b.deps.Reply, b.cfg.Reply, req.CallerName, req.Goal, b.deps.Metrics, b.deps.Logger)
	transcriber := NewTranscriber(b.cfg.Recognition, b.cfg.Segmenter.ConfidentUtterance, b.deps.Metrics, b.deps.Logger)
	speaker := NewSpeaker(b.deps.Synth, b.cfg.Synthesis.MaxChars, b.deps.Metrics, b.deps.Logger)

	sess := NewCallSession(
		SessionConfig{
			Request:       req,
			Greeting:      b.cfg.Call.Greeting,
			MaxDuration:   b.cfg.Call.GetMaxDuration(),
			EvictionGrace: b.cfg.Call.GetEvictionGrace(),
			Segmenter:     b.cfg.Segmenter,
		},
		SessionDeps{
			Transcriber: transcriber,
			Conv:        conv,
			Speaker:     speaker,
			Control:     b.deps.Dialer,
			Calls:       b.deps.Calls,
			Feed:        b.deps.Feed,
			Notifier:    b.deps.Notifier,
			Registry:    b.registry,
			Metrics:     b.deps.Metrics,
			Logger:      b.deps.Logger,
		},
	)

	if err := b.registry.Add(sess); err != nil {
		return nil, err
	}

	if b.deps.Calls != nil {
		rec := &store.CallRecord{
			CallID:    sess.ID,
			UserID:    req.UserID,
			ToNumber:  req.ToNumber,
			State:     string(StateInitiating),
			StartedAt: time.Now(),
		}
		if err := b.deps.Calls.CreateCall(ctx, rec); err != nil {
			b.registry.Remove(sess.ID)
			return nil, fmt.Errorf("failed to record call: %w", err)
		}
	}

	sess.Start()
	b.deps.Metrics.CallsPlaced.Inc()

	sid, err := b.deps.Dialer.PlaceCall(ctx, req.ToNumber, b.answerURL(sess.ID), b.statusURL())
	if err != nil {
		sess.EndCall(OutcomeFailed, "dial failed")
		return nil, fmt.Errorf("failed to dial %s: %w", req.ToNumber, err)
	}

	sess.SetProviderSID(sid)
	if err := b.registry.BindProviderSID(sess.ID, sid); err != nil {
		b.logger.Warn("provider sid binding failed",
			slog.String("call_id", sess.ID),
			slog.String("error", err.Error()))
	}

	b.logger.Info("call placed",
		slog.String("call_id", sess.ID),
		slog.String("provider_sid", sid),
		slog.String("user_id", req.UserID))
	return sess, nil
}

// answerURL is where the provider fetches LaML when the call connects
func (b *Bridge) answerURL(callID string) string {
	return fmt.Sprintf("%s/api/voice/calls/answer?call_id=%s", b.cfg.Server.PublicBaseURL, callID)
}

// statusURL receives lifecycle callbacks
func (b *Bridge) statusURL() string {
	return b.cfg.Server.PublicBaseURL + "/api/voice/calls/status"
}

// StreamURL is the media WebSocket endpoint handed out in answer LaML
func (b *Bridge) StreamURL() string {
	base := b.cfg.Server.PublicBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/voice/calls/stream"
}

// Shutdown ends every live session
func (b *Bridge) Shutdown() {
	for _, sess := range b.registry.All() {
		sess.EndCall(OutcomeFailed, "service shutting down")
	}
}
