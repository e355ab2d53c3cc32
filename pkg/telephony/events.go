package telephony

// sessionEvent is anything delivered to a session's event loop. All
// state mutation happens on that loop; webhooks, the media stream and
// timers only post events.
type sessionEvent interface {
	sessionEvent()
}

// evFrame carries one decoded inbound audio frame
type evFrame struct {
	samples []int16
}

// evStatus carries a provider status callback value
type evStatus struct {
	status string
}

// evStreamStart announces that the media stream is connected and bound
type evStreamStart struct {
	sink        FrameSink
	providerSID string
}

// evStreamStop announces that the media stream went away
type evStreamStop struct{}

// evSilence is the segmenter's endpointing notification
type evSilence struct{}

// evTurnDone reports that a turn pipeline goroutine finished
type evTurnDone struct {
	wrapUp  bool
	outcome CallOutcome
}

// evMaxDuration fires when the call hits its duration ceiling
type evMaxDuration struct{}

func (evFrame) sessionEvent()       {}
func (evStatus) sessionEvent()      {}
func (evStreamStart) sessionEvent() {}
func (evStreamStop) sessionEvent()  {}
func (evSilence) sessionEvent()     {}
func (evTurnDone) sessionEvent()    {}
func (evMaxDuration) sessionEvent() {}
