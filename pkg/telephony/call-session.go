package telephony

import (
	"strings"
	"time"
)

// ============================================
// CALL STATUS & DIRECTION
// ============================================

// CallStatus is the lifecycle state of a call
type CallStatus string

const (
	StatusUnknown    CallStatus = ""
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusCanceled   CallStatus = "canceled"
)

// ParseCallStatus maps a carrier status string onto the closed status set.
// "queued" folds into initiated and "answered" into in-progress.
func ParseCallStatus(raw string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return StatusInitiated, true
	case "ringing":
		return StatusRinging, true
	case "answered", "in-progress":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "busy":
		return StatusBusy, true
	case "failed":
		return StatusFailed, true
	case "no-answer":
		return StatusNoAnswer, true
	case "canceled":
		return StatusCanceled, true
	default:
		return StatusUnknown, false
	}
}

// IsTerminal reports whether no further transitions follow s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

// Direction says which side started the call
type Direction string

const (
	BrowserToPhone Direction = "browser-to-phone"
	PhoneToBrowser Direction = "phone-to-browser"
)

// DirectionFromCarrier maps the carrier's direction field. Only "inbound"
// legs originate on the phone network.
func DirectionFromCarrier(raw string) Direction {
	if strings.EqualFold(strings.TrimSpace(raw), "inbound") {
		return PhoneToBrowser
	}
	return BrowserToPhone
}

// ============================================
// CALL SESSION
// ============================================

// CallSession is one call known to this process
type CallSession struct {
	ID          string     `json:"id"`
	To          string     `json:"to"`
	From        string     `json:"from"`
	Direction   Direction  `json:"direction"`
	Status      CallStatus `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	Duration    *int       `json:"duration,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

// CallUpdate carries the mutable fields of a session; nil fields are left alone.
type CallUpdate struct {
	Status      *CallStatus
	Duration    *int
	LastUpdated time.Time
}

func (s CallSession) clone() CallSession {
	if s.Duration != nil {
		d := *s.Duration
		s.Duration = &d
	}
	return s
}

// ============================================
// WEBHOOK EVENTS
// ============================================

// StatusEvent is a status-callback webhook payload
type StatusEvent struct {
	CallSID    string
	CallStatus string
	Duration   string
	From       string
	To         string
	Direction  string
}

// DialStatusEvent is posted to the <Dial> action URL when a dial attempt ends
type DialStatusEvent struct {
	DialCallStatus string
	CallSID        string
}

// IncomingCallEvent is the voice-URL webhook for a call arriving from the phone network
type IncomingCallEvent struct {
	CallSID string
	From    string
	To      string
}

// Statistics is a snapshot over the currently tracked sessions
type Statistics struct {
	TotalActiveCalls    int                `json:"totalActiveCalls"`
	CallsByStatus       map[CallStatus]int `json:"callsByStatus"`
	CallsByType         map[Direction]int  `json:"callsByType"`
	AverageCallDuration float64            `json:"averageCallDuration"`
}
