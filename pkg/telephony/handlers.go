package telephony

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/routeguard/voicebridge/internal/metrics"
)

// ============================================
// HTTP HANDLERS
// Call control API, provider webhooks, media WebSocket
// ============================================

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Provider media servers connect from arbitrary origins.
		return true
	},
}

// CallHandlers exposes the bridge over HTTP
type CallHandlers struct {
	bridge *Bridge
	m      *metrics.Metrics
	logger *slog.Logger
}

// NewCallHandlers creates the HTTP layer
func NewCallHandlers(bridge *Bridge, m *metrics.Metrics, logger *slog.Logger) *CallHandlers {
	return &CallHandlers{
		bridge: bridge,
		m:      m,
		logger: logger.With(slog.String("component", "handlers")),
	}
}

type placeCallResponse struct {
	CallID string    `json:"call_id"`
	State  CallState `json:"status"`
}

// HandlePlaceCall starts an outbound call
func (h *CallHandlers) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := h.bridge.PlaceCall(r.Context(), req)
	if err != nil {
		h.logger.Warn("call placement rejected", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(placeCallResponse{
		CallID: sess.ID,
		State:  sess.State(),
	})
}

// HandleAnswer serves the LaML the provider fetches when the call is
// answered, connecting its audio to the media stream endpoint.
func (h *CallHandlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}

	sess := h.bridge.Registry().Get(callID)
	if sess == nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	// The provider also tells us its SID here; bind it in case the
	// dial response was lost.
	if sid := r.FormValue("CallSid"); sid != "" {
		sess.SetProviderSID(sid)
		h.bridge.Registry().BindProviderSID(callID, sid)
	}

	h.logger.Info("serving answer laml", slog.String("call_id", callID))

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(StreamLaML(h.bridge.StreamURL(), callID)))
}

// HandleStatus receives provider lifecycle callbacks. It may race the
// media stream: a terminal status can arrive while a turn is mid-flight.
func (h *CallHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")

	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	sess := h.bridge.Registry().GetByProviderSID(callSID)
	if sess == nil {
		// Late callbacks after eviction are expected; acknowledge so
		// the provider stops retrying.
		h.logger.Debug("status for unknown call",
			slog.String("provider_sid", callSID),
			slog.String("status", callStatus))
		w.WriteHeader(http.StatusOK)
		return
	}

	sess.HandleProviderStatus(callStatus)
	w.WriteHeader(http.StatusOK)
}

// HandlePoll serves the session snapshot
func (h *CallHandlers) HandlePoll(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")

	sess := h.bridge.Registry().Get(callID)
	if sess == nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Snapshot())
}

// HandleStream upgrades the provider's media WebSocket
func (h *CallHandlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	ms := NewMediaStream(conn, h.bridge.Registry(), h.m, h.logger)
	ms.Run()
}

// RegisterRoutes registers all bridge routes
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/voice/calls", h.HandlePlaceCall)
	mux.HandleFunc("POST /api/voice/calls/answer", h.HandleAnswer)
	mux.HandleFunc("POST /api/voice/calls/status", h.HandleStatus)
	mux.HandleFunc("GET /api/voice/calls/{id}", h.HandlePoll)
	mux.HandleFunc("GET /api/voice/calls/stream", h.HandleStream)
}
