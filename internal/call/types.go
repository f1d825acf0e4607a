// Package call manages the peer-to-peer video call inside one box: SDP
// offer/answer exchange, trickle ICE, the participant roster, and glare
// resolution when two peers try to initiate at once. All inbound signaling
// is processed one message at a time on a dispatch loop, never in nested
// callbacks, so ordering and candidate buffering stay auditable.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Signal types on the video-call topic.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
	SignalUserLeft  = "user-left"
)

// Roster event types on the call-users topic.
const (
	RosterJoined = "user-joined"
	RosterLeft   = "user-left"
)

// Signal is the wire format on the video-call topic.
type Signal struct {
	Type      string                     `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	UserID    string                     `json:"userId"`
	Username  string                     `json:"username"`
}

// RosterEvent is the wire format on the call-users topic.
type RosterEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Participant is one announced call member.
type Participant struct {
	ID   string
	Name string
}

// Publisher is the slice of the transport the engine needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// ErrNegotiation wraps offer/answer/candidate application failures. The
// engine recovers by discarding the bad connection; the next roster event
// triggers a fresh attempt.
var ErrNegotiation = errors.New("call: negotiation failed")
