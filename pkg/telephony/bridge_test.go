package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/routeguard/voicebridge/internal/config"
)

type fakeDialer struct {
	mu      sync.Mutex
	sid     string
	dialErr error
	placed  []string
	answer  string
	status  string
	hangups []string
}

func (f *fakeDialer) PlaceCall(_ context.Context, to, answerURL, statusURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return "", f.dialErr
	}
	f.placed = append(f.placed, to)
	f.answer = answerURL
	f.status = statusURL
	return f.sid, nil
}

func (f *fakeDialer) Hangup(_ context.Context, providerSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, providerSID)
	return nil
}

func bridgeTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.PublicBaseURL = "https://bridge.test"
	cfg.Call.EvictionGrace = 0
	return cfg
}

func newTestBridge(t *testing.T, dialer *fakeDialer) (*Bridge, *fakeCallStore, *fakeFeed) {
	t.Helper()
	calls := &fakeCallStore{}
	feed := newFakeFeed()
	bridge := NewBridge(bridgeTestConfig(), BridgeDeps{
		Dialer:  dialer,
		Reply:   &fakeReplyService{},
		Synth:   &fakeSynthesizer{rate: 8000},
		Calls:   calls,
		Feed:    feed,
		Metrics: testMetrics(t),
		Logger:  testLogger(),
	})
	return bridge, calls, feed
}

func validCallRequest() CallRequest {
	return CallRequest{
		UserID:     "user-1",
		ToNumber:   "+15552223333",
		CallerName: "Riley",
		Goal:       "book a table for two",
	}
}

func TestBridgePlaceCall(t *testing.T) {
	dialer := &fakeDialer{sid: "CA-1"}
	bridge, calls, _ := newTestBridge(t, dialer)

	sess, err := bridge.PlaceCall(context.Background(), validCallRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	defer sess.EndCall(OutcomeCompleted, "test cleanup")

	if bridge.Registry().Get(sess.ID) != sess {
		t.Error("session not registered by id")
	}
	if bridge.Registry().GetByProviderSID("CA-1") != sess {
		t.Error("session not registered by provider SID")
	}

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.placed) != 1 || dialer.placed[0] != "+15552223333" {
		t.Errorf("placed = %v", dialer.placed)
	}
	if !strings.Contains(dialer.answer, "call_id="+sess.ID) {
		t.Errorf("answer URL missing call id: %s", dialer.answer)
	}
	if dialer.status != "https://bridge.test/api/voice/calls/status" {
		t.Errorf("status URL = %s", dialer.status)
	}

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if calls.created != 1 {
		t.Errorf("created %d call records, want 1", calls.created)
	}
}

func TestBridgeRejectsBadRequests(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &fakeDialer{sid: "CA-1"})

	tests := []struct {
		name string
		req  CallRequest
	}{
		{"missing user", CallRequest{ToNumber: "+15552223333"}},
		{"missing number", CallRequest{UserID: "u"}},
		{"not e164", CallRequest{UserID: "u", ToNumber: "555-2233"}},
		{"no plus prefix", CallRequest{UserID: "u", ToNumber: "15552223333"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bridge.PlaceCall(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if bridge.Registry().Len() != 0 {
		t.Errorf("registry has %d sessions after rejections, want 0", bridge.Registry().Len())
	}
}

func TestBridgeDialFailureEndsSession(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("carrier unreachable")}
	bridge, calls, feed := newTestBridge(t, dialer)

	if _, err := bridge.PlaceCall(context.Background(), validCallRequest()); err == nil {
		t.Fatal("expected dial error")
	}

	// The session ended as failed and was already evicted (zero grace).
	if bridge.Registry().Len() != 0 {
		t.Errorf("registry has %d sessions, want 0", bridge.Registry().Len())
	}
	if calls.finalizeCount() != 1 {
		t.Errorf("finalized %d records, want 1", calls.finalizeCount())
	}
	msgs, _ := feed.List(context.Background(), "user-1", 10)
	if len(msgs) != 1 {
		t.Errorf("feed has %d messages, want 1", len(msgs))
	}
}

func TestBridgeStreamURL(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &fakeDialer{sid: "CA-1"})
	if got := bridge.StreamURL(); got != "wss://bridge.test/api/voice/calls/stream" {
		t.Errorf("StreamURL = %s", got)
	}
}

func TestBridgeShutdownEndsAllSessions(t *testing.T) {
	bridge, _, _ := newTestBridge(t, &fakeDialer{sid: "CA-1"})

	sess, err := bridge.PlaceCall(context.Background(), validCallRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	bridge.Shutdown()
	waitDone(t, sess)

	if sess.State() != StateFailed {
		t.Errorf("state = %s after shutdown, want %s", sess.State(), StateFailed)
	}
}

// ============================================
// HTTP LAYER
// ============================================

func newTestHandlers(t *testing.T, dialer *fakeDialer) (*CallHandlers, *Bridge) {
	t.Helper()
	bridge, _, _ := newTestBridge(t, dialer)
	return NewCallHandlers(bridge, testMetrics(t), testLogger()), bridge
}

func TestHandlePlaceCall(t *testing.T) {
	h, bridge := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	body, _ := json.Marshal(validCallRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/voice/calls", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandlePlaceCall(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp placeCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CallID == "" {
		t.Error("response missing call_id")
	}

	sess := bridge.Registry().Get(resp.CallID)
	if sess == nil {
		t.Fatal("session not reachable by returned id")
	}
	sess.EndCall(OutcomeCompleted, "test cleanup")
}

func TestHandlePlaceCallBadBody(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/voice/calls", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandlePlaceCall(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAnswer(t *testing.T) {
	h, bridge := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	sess, err := bridge.PlaceCall(context.Background(), validCallRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	defer sess.EndCall(OutcomeCompleted, "test cleanup")

	form := url.Values{"CallSid": {"CA-1"}}
	req := httptest.NewRequest(http.MethodPost,
		"/api/voice/calls/answer?call_id="+sess.ID,
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleAnswer(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	laml := rec.Body.String()
	if !strings.Contains(laml, "<Connect>") {
		t.Errorf("response is not connect LaML:\n%s", laml)
	}
	if !strings.Contains(laml, `value="`+sess.ID+`"`) {
		t.Errorf("LaML missing call id parameter:\n%s", laml)
	}
	if !strings.Contains(laml, "wss://bridge.test/api/voice/calls/stream") {
		t.Errorf("LaML missing stream URL:\n%s", laml)
	}
}

func TestHandleAnswerUnknownCall(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	req := httptest.NewRequest(http.MethodPost, "/api/voice/calls/answer?call_id=nope", nil)
	rec := httptest.NewRecorder()
	h.HandleAnswer(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleStatusRoutesToSession(t *testing.T) {
	h, bridge := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	sess, err := bridge.PlaceCall(context.Background(), validCallRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}

	form := url.Values{"CallSid": {"CA-1"}, "CallStatus": {"no-answer"}}
	req := httptest.NewRequest(http.MethodPost, "/api/voice/calls/status",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	waitDone(t, sess)
	if sess.Snapshot().Outcome != OutcomeNoAnswer {
		t.Errorf("outcome = %s, want %s", sess.Snapshot().Outcome, OutcomeNoAnswer)
	}
}

func TestHandleStatusUnknownSIDAcknowledged(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	form := url.Values{"CallSid": {"CA-gone"}, "CallStatus": {"completed"}}
	req := httptest.NewRequest(http.MethodPost, "/api/voice/calls/status",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)

	// Late callbacks must be acknowledged, not errored, or the provider
	// keeps retrying.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHandlePoll(t *testing.T) {
	h, bridge := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	sess, err := bridge.PlaceCall(context.Background(), validCallRequest())
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	defer sess.EndCall(OutcomeCompleted, "test cleanup")

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/voice/calls/"+sess.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var snap CallSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.CallID != sess.ID {
		t.Errorf("call_id = %s, want %s", snap.CallID, sess.ID)
	}
	if snap.ProviderSID != "CA-1" {
		t.Errorf("provider_sid = %s, want CA-1", snap.ProviderSID)
	}
}

func TestHandlePollUnknownCall(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeDialer{sid: "CA-1"})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/voice/calls/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
