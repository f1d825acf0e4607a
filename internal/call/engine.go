package call

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	defaultOfferDelay = 1 * time.Second
	inboxCap          = 64
)

// Config for one call engine.
type Config struct {
	// SignalTopic is the publish destination on the video-call topic.
	SignalTopic string
	// RosterTopic is the publish destination on the call-users topic.
	RosterTopic string

	SelfID   string
	SelfName string

	// OfferDelay is how long to wait after a roster join before producing
	// the offer, so both sides finish subscribing first. A glare-avoidance
	// heuristic, not a guarantee — real glare is resolved in handleOffer.
	OfferDelay time.Duration
}

func (c *Config) fill() {
	if c.OfferDelay <= 0 {
		c.OfferDelay = defaultOfferDelay
	}
}

type inboxKind int

const (
	inSignal inboxKind = iota
	inRoster
	inMakeOffer
	inConnEvent
)

type inboxMsg struct {
	kind    inboxKind
	payload []byte // inSignal, inRoster
	userID  string // inMakeOffer, inConnEvent
	failed  bool   // inConnEvent: true = failed/disconnected, false = connected
}

// Engine runs the call signaling state machine for one box.
type Engine struct {
	cfg     Config
	pub     Publisher
	newConn connFactory
	media   mediaCloser // nil when no local capture

	inbox chan inboxMsg
	done  chan struct{}

	mu      sync.RWMutex
	links   map[string]*link
	onTrack func(remoteID string, track *webrtc.TrackRemote)

	audioMuted    bool
	videoDisabled bool

	endOnce sync.Once
}

// mediaCloser is whatever holds local capture open; End releases it.
type mediaCloser interface{ Close() }

// New creates an engine with an injected connection factory. Production
// code uses NewWithMedia, which wires a pion-backed factory.
func New(pub Publisher, cfg Config, factory connFactory) *Engine {
	cfg.fill()
	return &Engine{
		cfg:     cfg,
		pub:     pub,
		newConn: factory,
		inbox:   make(chan inboxMsg, inboxCap),
		done:    make(chan struct{}),
		links:   make(map[string]*link),
	}
}

// Start announces this client on the roster topic and begins dispatching.
func (e *Engine) Start() {
	go e.loop()
	e.publishRoster(RosterJoined)
	log.Printf("CALL: joined as %s (%s)", e.cfg.SelfName, e.cfg.SelfID)
}

// HandleSignal enqueues one raw video-call payload from the transport.
// Never blocks the transport reader; a full inbox drops the message.
func (e *Engine) HandleSignal(payload []byte) {
	e.enqueue(inboxMsg{kind: inSignal, payload: payload})
}

// HandleRoster enqueues one raw call-users payload from the transport.
func (e *Engine) HandleRoster(payload []byte) {
	e.enqueue(inboxMsg{kind: inRoster, payload: payload})
}

// Roster returns the announced participants, this client excluded.
func (e *Engine) Roster() []Participant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Participant, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, Participant{ID: l.userID, Name: l.username})
	}
	return out
}

// LinkState reports the connection state toward one participant.
func (e *Engine) LinkState(userID string) LinkState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if l, ok := e.links[userID]; ok {
		return l.state
	}
	return LinkAbsent
}

// OpenConnections counts live (non-nil) peer connections.
func (e *Engine) OpenConnections() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, l := range e.links {
		if l.conn != nil {
			n++
		}
	}
	return n
}

// trackToggler is implemented by connections carrying local tracks; fakes
// without media simply don't implement it.
type trackToggler interface {
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool)
}

// ToggleAudio mutes or restores the local audio track on every live
// connection. Local only — no renegotiation. Returns the new muted state.
func (e *Engine) ToggleAudio() bool {
	e.mu.Lock()
	e.audioMuted = !e.audioMuted
	muted := e.audioMuted
	e.setLocalTracksLocked(webrtc.RTPCodecTypeAudio, !muted)
	e.mu.Unlock()
	log.Printf("CALL: audio muted=%v", muted)
	return muted
}

// ToggleVideo flips the local video track, same rules as ToggleAudio.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	e.videoDisabled = !e.videoDisabled
	disabled := e.videoDisabled
	e.setLocalTracksLocked(webrtc.RTPCodecTypeVideo, !disabled)
	e.mu.Unlock()
	log.Printf("CALL: video disabled=%v", disabled)
	return disabled
}

func (e *Engine) setLocalTracksLocked(kind webrtc.RTPCodecType, enabled bool) {
	for _, l := range e.links {
		if tc, ok := l.conn.(trackToggler); ok {
			tc.SetTrackEnabled(kind, enabled)
		}
	}
}

// End leaves the call: announces departure so remote rosters update without
// waiting for a connection timeout, closes every peer connection, clears
// the roster, and releases local capture. Synchronous and idempotent.
func (e *Engine) End() {
	e.endOnce.Do(func() {
		e.publishSignal(Signal{Type: SignalUserLeft})
		e.publishRoster(RosterLeft)

		close(e.done)

		e.mu.Lock()
		for id, l := range e.links {
			l.teardown()
			delete(e.links, id)
		}
		e.mu.Unlock()

		if e.media != nil {
			e.media.Close()
		}
		log.Printf("CALL: ended")
	})
}

func (e *Engine) enqueue(m inboxMsg) {
	select {
	case <-e.done:
		return
	default:
	}
	select {
	case e.inbox <- m:
	default:
		log.Printf("CALL: inbox full, dropping message")
	}
}

// loop processes inbound messages one at a time, in arrival order.
func (e *Engine) loop() {
	for {
		select {
		case <-e.done:
			return
		case m := <-e.inbox:
			switch m.kind {
			case inSignal:
				e.handleSignal(m.payload)
			case inRoster:
				e.handleRoster(m.payload)
			case inMakeOffer:
				e.makeOffer(m.userID)
			case inConnEvent:
				e.handleConnEvent(m.userID, m.failed)
			}
		}
	}
}

func (e *Engine) handleRoster(payload []byte) {
	var evt RosterEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		log.Printf("CALL: malformed roster event: %v", err)
		return
	}
	if evt.UserID == "" || evt.UserID == e.cfg.SelfID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch evt.Type {
	case RosterJoined:
		l := e.ensureLinkLocked(evt.UserID, evt.Username)
		// Only initiate when nothing is underway toward this peer yet; if
		// their offer beat this roster event, they own the negotiation.
		if l.conn == nil && (l.state == LinkAbsent || l.state == LinkFailed || l.state == LinkClosed) {
			l.initiator = true
			l.state = LinkNegotiating
			id := evt.UserID
			time.AfterFunc(e.cfg.OfferDelay, func() {
				e.enqueue(inboxMsg{kind: inMakeOffer, userID: id})
			})
			log.Printf("CALL: %s joined, offering in %s", evt.UserID, e.cfg.OfferDelay)
		}
	case RosterLeft:
		if l, ok := e.links[evt.UserID]; ok {
			l.teardown()
			delete(e.links, evt.UserID)
			log.Printf("CALL: %s left", evt.UserID)
		}
	default:
		log.Printf("CALL: unknown roster event %q", evt.Type)
	}
}

// makeOffer fires after the glare-avoidance delay. If the remote's offer
// arrived in the meantime the local attempt is abandoned — answering it
// already settled the negotiation.
func (e *Engine) makeOffer(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.links[userID]
	if !ok || !l.initiator || l.conn != nil || l.state != LinkNegotiating {
		return
	}

	conn, err := e.newConn(userID)
	if err != nil {
		e.failLocked(l, err)
		return
	}
	l.conn = conn

	offer, err := conn.CreateOffer()
	if err != nil {
		e.failLocked(l, err)
		return
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		e.failLocked(l, err)
		return
	}
	l.awaitingAnswer = true
	e.publishSignal(Signal{Type: SignalOffer, Offer: &offer})
	log.Printf("CALL: offer sent to %s", userID)
}

func (e *Engine) handleSignal(payload []byte) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		log.Printf("CALL: malformed signal: %v", err)
		return
	}
	if sig.UserID == "" || sig.UserID == e.cfg.SelfID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch sig.Type {
	case SignalOffer:
		e.handleOfferLocked(&sig)
	case SignalAnswer:
		e.handleAnswerLocked(&sig)
	case SignalCandidate:
		e.handleCandidateLocked(&sig)
	case SignalUserLeft:
		if l, ok := e.links[sig.UserID]; ok {
			l.teardown()
			delete(e.links, sig.UserID)
			log.Printf("CALL: %s hung up", sig.UserID)
		}
	default:
		log.Printf("CALL: unknown signal %q from %s", sig.Type, sig.UserID)
	}
}

// handleOfferLocked answers a remote offer. Crossed offers (glare) are
// broken on user id: the side with the higher id keeps its outstanding offer
// and ignores the crossing one, the lower side discards its own and answers.
// Both sides compute the same winner, so exactly one offer survives.
func (e *Engine) handleOfferLocked(sig *Signal) {
	if sig.Offer == nil {
		log.Printf("CALL: offer from %s missing SDP", sig.UserID)
		return
	}
	l := e.ensureLinkLocked(sig.UserID, sig.Username)

	if l.conn != nil && l.awaitingAnswer {
		if sig.UserID < e.cfg.SelfID {
			log.Printf("CALL: glare with %s, keeping local offer", sig.UserID)
			return
		}
		log.Printf("CALL: glare with %s, remote offer wins", sig.UserID)
		l.dropConn()
	}
	if l.conn != nil && (l.state == LinkFailed || l.state == LinkClosed) {
		l.dropConn()
	}
	if l.conn == nil {
		conn, err := e.newConn(sig.UserID)
		if err != nil {
			e.failLocked(l, err)
			return
		}
		l.conn = conn
	}
	l.state = LinkNegotiating
	l.initiator = false

	if err := l.conn.SetRemoteDescription(*sig.Offer); err != nil {
		e.failLocked(l, err)
		return
	}
	for _, err := range l.flushPending() {
		log.Printf("CALL: buffered candidate from %s rejected: %v", sig.UserID, err)
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		e.failLocked(l, err)
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		e.failLocked(l, err)
		return
	}
	e.publishSignal(Signal{Type: SignalAnswer, Answer: &answer})
	log.Printf("CALL: answered offer from %s", sig.UserID)
}

// handleAnswerLocked applies an answer only in the exact "offer sent,
// awaiting answer" state; anything else is stale and is dropped without
// touching the connection.
func (e *Engine) handleAnswerLocked(sig *Signal) {
	l, ok := e.links[sig.UserID]
	if !ok || !l.awaitingAnswer || sig.Answer == nil {
		log.Printf("CALL: discarding stale answer from %s", sig.UserID)
		return
	}
	if err := l.conn.SetRemoteDescription(*sig.Answer); err != nil {
		e.failLocked(l, err)
		return
	}
	l.awaitingAnswer = false
	for _, err := range l.flushPending() {
		log.Printf("CALL: buffered candidate from %s rejected: %v", sig.UserID, err)
	}
	log.Printf("CALL: answer applied from %s", sig.UserID)
}

// handleCandidateLocked buffers or applies one remote ICE candidate. Only
// peers with an existing link get buffering — a candidate from an
// unannounced peer must not fabricate a roster entry.
func (e *Engine) handleCandidateLocked(sig *Signal) {
	if sig.Candidate == nil {
		return
	}
	l, ok := e.links[sig.UserID]
	if !ok {
		log.Printf("CALL: dropping candidate from unannounced peer %s", sig.UserID)
		return
	}
	if l.conn != nil && l.conn.HasRemoteDescription() {
		if err := l.conn.AddICECandidate(*sig.Candidate); err != nil {
			log.Printf("CALL: candidate from %s rejected: %v", sig.UserID, err)
		}
		return
	}
	if len(l.pending) >= maxPendingCandidates {
		log.Printf("CALL: candidate buffer full for %s, dropping", sig.UserID)
		return
	}
	l.pending = append(l.pending, *sig.Candidate)
}

// handleConnEvent reacts to asynchronous connection-state changes from the
// production peer connection. A failed connection is closed on the spot so
// the next negotiation attempt starts clean.
func (e *Engine) handleConnEvent(userID string, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[userID]
	if !ok {
		return
	}
	if failed {
		log.Printf("CALL: connection to %s failed", userID)
		l.dropConn()
		l.state = LinkFailed
		return
	}
	l.state = LinkConnected
	log.Printf("CALL: connected to %s", userID)
}

func (e *Engine) ensureLinkLocked(userID, username string) *link {
	l, ok := e.links[userID]
	if !ok {
		l = &link{userID: userID, username: username, state: LinkAbsent}
		e.links[userID] = l
	} else if username != "" {
		l.username = username
	}
	return l
}

// failLocked records a negotiation failure and discards the connection; the
// next roster event starts a fresh attempt.
func (e *Engine) failLocked(l *link, err error) {
	log.Printf("CALL: %v with %s: %v", ErrNegotiation, l.userID, err)
	l.dropConn()
	l.state = LinkFailed
}

func (e *Engine) publishSignal(sig Signal) {
	sig.UserID = e.cfg.SelfID
	sig.Username = e.cfg.SelfName
	if err := e.pub.Publish(e.cfg.SignalTopic, sig); err != nil {
		log.Printf("CALL: publish %s failed: %v", sig.Type, err)
	}
}

func (e *Engine) publishRoster(typ string) {
	evt := RosterEvent{Type: typ, UserID: e.cfg.SelfID, Username: e.cfg.SelfName}
	if err := e.pub.Publish(e.cfg.RosterTopic, evt); err != nil {
		log.Printf("CALL: publish roster %s failed: %v", typ, err)
	}
}
