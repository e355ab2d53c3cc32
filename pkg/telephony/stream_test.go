package telephony

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/routeguard/voicebridge/pkg/audio"
)

// dialMediaStream runs a MediaStream against the given registry on the
// server side of a real WebSocket pair and returns the client side.
func dialMediaStream(t *testing.T, registry *Registry) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ms := NewMediaStream(conn, registry, testMetrics(t), testLogger())
		ms.Run()
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sendStreamEvent(t *testing.T, conn *websocket.Conn, msg mediaMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal stream event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write stream event: %v", err)
	}
}

func startEvent(callID, providerSID string) mediaMessage {
	return mediaMessage{
		Event: "start",
		Start: &startPayload{
			StreamSID: "MZ-1",
			CallSID:   providerSID,
			CustomParameters: map[string]string{
				"call_id": callID,
			},
		},
	}
}

func inboundMediaEvent(samples []int16) mediaMessage {
	return mediaMessage{
		Event: "media",
		Media: &mediaPayload{
			Track:   "inbound",
			Payload: base64.StdEncoding.EncodeToString(audio.EncodeMulaw(samples)),
		},
	}
}

func TestMediaStreamDrivesCall(t *testing.T) {
	svc := &fakeReplyService{lines: []string{"All booked, goodbye!"}}
	h := newSessionHarness(t, svc, 0)
	h.trans.texts = []string{"Yes that works."}
	h.sess.Start()

	client := dialMediaStream(t, h.registry)

	sendStreamEvent(t, client, mediaMessage{Event: "connected"})
	sendStreamEvent(t, client, startEvent(h.sess.ID, "CA-9"))

	// The start event binds the stream and triggers the greeting.
	waitState(t, h.sess, StateOnCall)
	if got := h.registry.GetByProviderSID("CA-9"); got != h.sess {
		t.Error("start event did not bind the provider SID")
	}

	// Caller speech arrives as base64 mu-law media events.
	for i := 0; i < 10; i++ {
		sendStreamEvent(t, client, inboundMediaEvent(voicedFrame()))
		time.Sleep(time.Millisecond)
	}

	waitDone(t, h.sess)
	if outcome := h.sess.Snapshot().Outcome; outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeCompleted)
	}

	spoken := h.speaker.spoken()
	if len(spoken) != 2 || spoken[1] != "All booked, goodbye!" {
		t.Errorf("spoken lines = %q", spoken)
	}
}

func TestMediaStreamUnknownCallCloses(t *testing.T) {
	client := dialMediaStream(t, NewRegistry())

	sendStreamEvent(t, client, startEvent("no-such-call", "CA-1"))

	// The server tears the connection down; the read must fail promptly.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatal("expected connection close for unknown call")
	}
}

func TestMediaStreamIgnoresOutboundEcho(t *testing.T) {
	h := newSessionHarness(t, &fakeReplyService{}, 0)
	h.sess.Start()
	defer h.sess.EndCall(OutcomeCompleted, "test cleanup")

	client := dialMediaStream(t, h.registry)
	sendStreamEvent(t, client, startEvent(h.sess.ID, "CA-9"))
	waitState(t, h.sess, StateOnCall)

	// Frames marked as our own outbound track must never reach the
	// segmenter as caller audio.
	for i := 0; i < 20; i++ {
		msg := inboundMediaEvent(voicedFrame())
		msg.Media.Track = "outbound"
		sendStreamEvent(t, client, msg)
	}
	time.Sleep(200 * time.Millisecond)

	if h.trans.callCount() != 0 {
		t.Errorf("transcriber ran %d times on outbound echo, want 0", h.trans.callCount())
	}
}

func TestMediaStreamSendFrame(t *testing.T) {
	received := make(chan mediaMessage, 1)

	upgrader := websocket.Upgrader{}
	var ms *MediaStream
	ready := make(chan struct{})
	hold := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ms = NewMediaStream(conn, NewRegistry(), testMetrics(t), testLogger())
		ms.streamSID = "MZ-7"
		close(ready)
		<-hold
	}))
	defer server.Close()
	defer close(hold)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	go func() {
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		var msg mediaMessage
		if json.Unmarshal(data, &msg) == nil {
			received <- msg
		}
	}()

	<-ready
	frame := make([]byte, audio.FrameBytes)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := ms.SendFrame(frame); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Event != "media" {
			t.Errorf("event = %q, want media", msg.Event)
		}
		if msg.StreamSID != "MZ-7" {
			t.Errorf("streamSid = %q, want MZ-7", msg.StreamSID)
		}
		if msg.Media == nil || msg.Media.Track != "outbound" {
			t.Fatalf("media payload = %+v", msg.Media)
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatalf("payload not base64: %v", err)
		}
		if len(decoded) != audio.FrameBytes {
			t.Errorf("decoded %d bytes, want %d", len(decoded), audio.FrameBytes)
		}
		for i := range decoded {
			if decoded[i] != byte(i) {
				t.Fatalf("payload byte %d = %#x, want %#x", i, decoded[i], byte(i))
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestMediaStreamSendFrameAfterClose(t *testing.T) {
	client := dialMediaStream(t, NewRegistry())
	ms := NewMediaStream(client, NewRegistry(), testMetrics(t), testLogger())
	ms.Close()

	if err := ms.SendFrame(make([]byte, audio.FrameBytes)); err == nil {
		t.Fatal("expected error sending on a closed stream")
	}
}
