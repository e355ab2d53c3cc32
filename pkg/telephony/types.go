// Package telephony implements the outbound voice bridge: call placement,
// duplex media streaming, utterance segmentation, transcription pacing,
// conversational turn taking and call lifecycle management.
package telephony

import "time"

// CallState represents the lifecycle state of a call session
type CallState string

const (
	StateInitiating CallState = "initiating"
	StateRinging    CallState = "ringing"
	StateGreeting   CallState = "greeting"
	StateOnCall     CallState = "on_call"
	StateWrappingUp CallState = "wrapping_up"
	StateComplete   CallState = "complete"
	StateFailed     CallState = "failed"
)

// Terminal reports whether the state admits no further transitions
func (s CallState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CallOutcome classifies how a terminated call went
type CallOutcome string

const (
	OutcomeCompleted   CallOutcome = "completed"
	OutcomeNoAnswer    CallOutcome = "no_answer"
	OutcomeBusy        CallOutcome = "busy"
	OutcomeFailed      CallOutcome = "failed"
	OutcomeMaxDuration CallOutcome = "max_duration"
)

// CallRequest describes an outbound call to place on behalf of a user
type CallRequest struct {
	UserID     string `json:"user_id"`
	ToNumber   string `json:"to_number"`
	CallerName string `json:"caller_name"`
	// Goal is free-form context for the conversation engine: who is being
	// called and what the call should accomplish.
	Goal string `json:"goal"`
	// NotifyNumber, when set, receives the call summary by SMS.
	NotifyNumber string `json:"notify_number,omitempty"`
}

// DialogueTurn is one entry in the call transcript
type DialogueTurn struct {
	Role string `json:"role"` // "agent" or "caller"
	Text string `json:"text"`
}

// CallSnapshot is the externally visible view of a session, served by
// the poll endpoint
type CallSnapshot struct {
	CallID      string         `json:"callId"`
	ProviderSID string         `json:"providerSid,omitempty"`
	State       CallState      `json:"state"`
	Outcome     CallOutcome    `json:"outcome,omitempty"`
	Transcript  []DialogueTurn `json:"transcript"`
	Summary     string         `json:"summary,omitempty"`
	Duration    float64        `json:"duration"` // seconds
}

// Utterance is a contiguous run of caller speech emitted by the segmenter
type Utterance struct {
	ID           string
	Samples      []int16 // 8kHz linear PCM
	VoicedFrames int
	Duration     time.Duration
}
