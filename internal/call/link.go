package call

import "github.com/pion/webrtc/v4"

// LinkState is the explicit per-remote-participant connection state.
type LinkState int

const (
	// LinkAbsent — participant announced, no connection yet.
	LinkAbsent LinkState = iota
	// LinkNegotiating — offer/answer exchange in progress.
	LinkNegotiating
	// LinkConnected — media flowing.
	LinkConnected
	// LinkFailed — connection failed; it has already been closed, a new
	// negotiation may start fresh.
	LinkFailed
	// LinkClosed — torn down deliberately.
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkAbsent:
		return "absent"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// peerConn is what the state machine needs from a peer connection. The
// production implementation wraps a pion PeerConnection; tests inject a
// fake so glare and buffering are checked without any networking.
type peerConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	Close() error
}

// connFactory builds a peerConn for one remote participant. Asynchronous
// connection events (ICE candidates, connection state) re-enter the engine
// through its inbox.
type connFactory func(remoteID string) (peerConn, error)

// link is the per-remote-participant negotiation state. Mutated only by the
// engine's dispatch loop (under the engine mutex for snapshot readers).
type link struct {
	userID   string
	username string

	state     LinkState
	conn      peerConn
	initiator bool

	// awaitingAnswer is true exactly between sending an offer and applying
	// the matching answer. An answer in any other state is stale.
	awaitingAnswer bool

	// pending holds remote ICE candidates that arrived before the remote
	// description was set. Flushed in receipt order, capped at
	// maxPendingCandidates.
	pending []webrtc.ICECandidateInit
}

// maxPendingCandidates bounds the per-link buffer; a real trickle never gets
// near it, so overflow is junk traffic.
const maxPendingCandidates = 64

// dropConn closes and forgets the connection, resetting negotiation flags.
func (l *link) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.awaitingAnswer = false
	l.initiator = false
}

// teardown is dropConn plus the terminal Closed state and buffer release.
func (l *link) teardown() {
	l.dropConn()
	l.pending = nil
	l.state = LinkClosed
}

// flushPending applies buffered candidates in receipt order once the remote
// description is set. Individual failures are reported, the rest still go in.
func (l *link) flushPending() []error {
	var errs []error
	for _, cand := range l.pending {
		if err := l.conn.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	return errs
}
