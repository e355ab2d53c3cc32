package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/routeguard/voicebridge/internal/metrics"
	"github.com/routeguard/voicebridge/pkg/audio"
)

// ============================================
// MEDIA STREAM TRANSPORT
// Duplex WebSocket audio with the telephony provider
// ============================================

const (
	streamReadTimeout = 60 * time.Second
	streamPingPeriod  = 30 * time.Second
)

// mediaMessage is the provider's wire frame for media stream events
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track   string `json:"track"`
	Payload string `json:"payload"` // base64 mu-law
}

// MediaStream is one provider WebSocket connection. It resolves its
// session from the start event's correlation parameter, feeds decoded
// inbound frames to the session and serializes outbound frames.
type MediaStream struct {
	conn     *websocket.Conn
	registry *Registry
	m        *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex // guards writes and closed
	closed    bool
	streamSID string

	session *CallSession
}

// NewMediaStream wraps an upgraded provider connection
func NewMediaStream(conn *websocket.Conn, registry *Registry, m *metrics.Metrics, logger *slog.Logger) *MediaStream {
	return &MediaStream{
		conn:     conn,
		registry: registry,
		m:        m,
		logger:   logger.With(slog.String("component", "media_stream")),
	}
}

// Run reads the connection until it closes. It blocks; the HTTP handler
// calls it on the upgraded connection's goroutine.
func (ms *MediaStream) Run() {
	defer ms.Close()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go ms.pingLoop(stopPing)

	ms.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	ms.conn.SetPingHandler(func(string) error {
		return ms.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	ms.conn.SetPongHandler(func(string) error {
		return ms.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		_, message, err := ms.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ms.logger.Warn("read error", slog.String("error", err.Error()))
			}
			return
		}
		ms.conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		if err := ms.handleMessage(message); err != nil {
			ms.logger.Warn("message handling error", slog.String("error", err.Error()))
		}
	}
}

// pingLoop keeps the connection alive between media bursts
func (ms *MediaStream) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ms.mu.Lock()
			if ms.closed {
				ms.mu.Unlock()
				return
			}
			err := ms.conn.WriteMessage(websocket.PingMessage, nil)
			ms.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (ms *MediaStream) handleMessage(data []byte) error {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse stream message: %w", err)
	}

	switch msg.Event {
	case "connected":
		ms.logger.Debug("stream connected")

	case "start":
		return ms.handleStart(&msg)

	case "media":
		return ms.handleMedia(&msg)

	case "stop":
		ms.logger.Info("stream stopped", slog.String("stream_sid", ms.streamSID))
		if ms.session != nil {
			ms.session.post(evStreamStop{})
		}

	default:
		ms.logger.Debug("unknown stream event", slog.String("event", msg.Event))
	}
	return nil
}

// handleStart resolves the owning session from the correlation
// parameter embedded in the answer LaML.
func (ms *MediaStream) handleStart(msg *mediaMessage) error {
	if msg.Start == nil {
		return fmt.Errorf("start event missing payload")
	}

	callID := msg.Start.CustomParameters["call_id"]
	if callID == "" {
		return fmt.Errorf("start event missing call_id parameter")
	}

	sess := ms.registry.Get(callID)
	if sess == nil {
		ms.Close()
		return fmt.Errorf("no session for call %s", callID)
	}

	ms.mu.Lock()
	ms.streamSID = msg.Start.StreamSID
	ms.mu.Unlock()
	ms.session = sess

	if msg.Start.CallSID != "" {
		if err := ms.registry.BindProviderSID(callID, msg.Start.CallSID); err != nil {
			ms.logger.Warn("provider sid binding rejected", slog.String("error", err.Error()))
		}
	}

	ms.logger.Info("stream bound",
		slog.String("call_id", callID),
		slog.String("stream_sid", msg.Start.StreamSID),
		slog.String("provider_sid", msg.Start.CallSID))

	sess.post(evStreamStart{sink: ms, providerSID: msg.Start.CallSID})
	return nil
}

func (ms *MediaStream) handleMedia(msg *mediaMessage) error {
	if ms.session == nil {
		// Media before start; nothing to route it to yet.
		return nil
	}
	if msg.Media == nil {
		return fmt.Errorf("media event missing payload")
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return nil
	}

	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode media payload: %w", err)
	}

	ms.m.FramesReceived.Inc()
	ms.m.AudioBytesIn.Add(float64(len(payload)))

	ms.session.postFrame(audio.DecodeMulaw(payload))
	return nil
}

// SendFrame implements FrameSink: one mu-law frame to the provider
func (ms *MediaStream) SendFrame(payload []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return fmt.Errorf("stream closed")
	}

	msg := mediaMessage{
		Event:     "media",
		StreamSID: ms.streamSID,
		Media: &mediaPayload{
			Track:   "outbound",
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal media frame: %w", err)
	}

	ms.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := ms.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write media frame: %w", err)
	}
	return nil
}

// Close tears the connection down once
func (ms *MediaStream) Close() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return
	}
	ms.closed = true

	ms.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	ms.conn.Close()
}
